// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stratum

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/decred/slog"

	"github.com/kaspa-stratum/bridge/internal/jobs"
	"github.com/kaspa-stratum/bridge/internal/watch"
)

var log = slog.Disabled

// UseLogger installs the package-wide logger.
func UseLogger(logger slog.Logger) {
	log = logger
}

// readDeadline bounds how long a session waits for a line from an
// otherwise idle miner before it is assumed to be gone; mirrors the
// teacher's pool/client.go connection-liveness deadline.
const readDeadline = 4 * time.Minute

// Session is the per-connection state machine: one TCP connection to
// one miner worker. It owns nothing the rest of the bridge depends
// on — the cache and the job broadcast outlive any given session.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader

	cache  *jobs.Cache
	latest *watch.Receiver[*jobs.JobParams]

	worker  [2]byte
	id      string
	reqID   uint64
	pending chan jobs.PendingResult

	subscribed     bool
	lastDifficulty uint64

	writeCh chan interface{}
	done    chan struct{}
}

// NewSession wraps an accepted connection with its 2-byte worker
// extranonce prefix (the stratum acceptor's wrapping counter, see
// server.go) and the shared cache/broadcast handles.
func NewSession(conn net.Conn, worker [2]byte, cache *jobs.Cache, jobCell *watch.Cell[*jobs.JobParams]) *Session {
	return &Session{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 4096),
		cache:   cache,
		latest:  watch.NewReceiver(jobCell),
		worker:  worker,
		id:      conn.RemoteAddr().String(),
		pending: make(chan jobs.PendingResult, 16),
		writeCh: make(chan interface{}, 16),
		done:    make(chan struct{}),
	}
}

// Serve runs the session to completion: spawns the line reader and
// the frame writer, then drives the select loop over the three event
// sources (watch, pending result, inbound line) until the connection
// dies. Blocks until the session has fully torn down.
func (s *Session) Serve() {
	defer s.conn.Close()
	defer close(s.done)

	lines := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go s.readLines(lines, readErr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.runWriter()
	}()
	defer func() {
		close(s.writeCh)
		<-writerDone
	}()

	changed := make(chan *jobs.JobParams, 1)
	go s.watchLoop(changed)

	for {
		select {
		case jp, ok := <-changed:
			if !ok {
				return
			}
			if s.subscribed {
				s.writeTemplate(jp)
			}

		case result := <-s.pending:
			s.respondToSubmit(result)

		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					log.Debugf("stratum: %s: read error: %v", s.id, err)
				}
				return
			}
			if err := s.dispatchLine(line); err != nil {
				log.Warnf("stratum: %s: %v", s.id, err)
				return
			}
		}
	}
}

// watchLoop repeatedly blocks on the broadcast watch cell, forwarding
// each new job onto out until the session tears down (done closes) or
// the cell itself is closed (upstream shutdown, per spec.md §5).
func (s *Session) watchLoop(out chan<- *jobs.JobParams) {
	defer close(out)
	for {
		jp, ok := s.latest.Changed(s.done)
		if !ok {
			return
		}
		select {
		case out <- jp:
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLines(lines chan<- []byte, errCh chan<- error) {
	defer close(lines)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			errCh <- err
			return
		}
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if len(line) > 0 {
				lines <- line
			}
			errCh <- err
			return
		}
		lines <- line
	}
}

// runWriter drains writeCh and encodes each frame followed by a
// newline, the stratum wire's line-delimited framing.
func (s *Session) runWriter() {
	enc := json.NewEncoder(s.conn)
	for frame := range s.writeCh {
		if err := enc.Encode(frame); err != nil {
			log.Debugf("stratum: %s: write error: %v", s.id, err)
			return
		}
	}
}

func (s *Session) writeRequest(method string, params interface{}) {
	req := newNotify(method, params)
	req.Id = s.nextRequestId()
	select {
	case s.writeCh <- req:
	case <-s.done:
	}
}

func (s *Session) writeResponse(resp Response) {
	select {
	case s.writeCh <- resp:
	case <-s.done:
	}
}

func (s *Session) nextRequestId() Id {
	n := atomic.AddUint64(&s.reqID, 1)
	return NewIdFromUint64(n - 1)
}

// writeTemplate snapshots the latest job and sends mining.notify,
// followed by mining.set_difficulty if the difficulty changed.
func (s *Session) writeTemplate(jp *jobs.JobParams) {
	if jp == nil {
		return
	}
	s.writeRequest("mining.notify", []interface{}{
		hex.EncodeToString([]byte{jp.JobID}),
		[]uint64{jp.PrePowHash[0], jp.PrePowHash[1], jp.PrePowHash[2], jp.PrePowHash[3]},
		jp.Timestamp,
	})
	if jp.Difficulty != s.lastDifficulty {
		s.lastDifficulty = jp.Difficulty
		shareDiff := float64(jp.Difficulty) / 4294967296.0 // 2^32
		s.writeRequest("mining.set_difficulty", []interface{}{shareDiff})
	}
}

// respondToSubmit turns a resolved pending submission into the
// stratum response keyed by the id the original mining.submit carried.
func (s *Session) respondToSubmit(result jobs.PendingResult) {
	id := Id{raw: result.RPCID}
	if result.Err != nil {
		s.writeResponse(errorResult(id, &RPCError{Code: errCodeUnableToSubmit, Message: result.Err.Error()}))
		return
	}
	s.writeResponse(okResult(id, true))
}

func (s *Session) dispatchLine(line []byte) error {
	line = bytesTrimRight(line)
	if len(line) == 0 {
		return nil
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	switch req.Method {
	case "mining.subscribe":
		s.subscribed = true
		s.writeResponse(okResult(req.Id, true))
		s.writeRequest("set_extranonce", []interface{}{hex.EncodeToString(s.worker[:]), 6})
		if jp := s.latest.Value(); jp != nil {
			s.writeTemplate(jp)
		}

	case "mining.submit":
		params, err := decodeSubmitParams(req.Params)
		if err != nil {
			log.Warnf("stratum: %s: %v", s.id, err)
			return nil
		}
		jobID, err := strconv.ParseUint(params.JobIDHex, 16, 8)
		if err != nil {
			log.Warnf("stratum: %s: bad job id %q: %v", s.id, params.JobIDHex, err)
			s.writeResponse(errorResult(req.Id, unableToSubmitError()))
			return nil
		}
		nonceHex := strings.TrimPrefix(params.NonceHex, "0x")
		nonce, err := strconv.ParseUint(nonceHex, 16, 64)
		if err != nil {
			log.Warnf("stratum: %s: bad nonce %q: %v", s.id, params.NonceHex, err)
			s.writeResponse(errorResult(req.Id, unableToSubmitError()))
			return nil
		}
		ok := s.cache.Submit(req.Id.raw, uint8(jobID), nonce, s.pending)
		if !ok {
			s.writeResponse(errorResult(req.Id, unableToSubmitError()))
		}
		// On success the response is deferred until the pending result
		// arrives from the upstream client's ack (respondToSubmit).

	default:
		log.Debugf("stratum: %s: ignoring method %q", s.id, req.Method)
	}
	return nil
}

func bytesTrimRight(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stratum

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/kaspa-stratum/bridge/internal/jobs"
	"github.com/kaspa-stratum/bridge/internal/watch"
)

// Server is the TCP acceptor: it assigns each accepted connection a
// nonzero, wrapping 16-bit worker id as its extranonce prefix and
// spawns a Session for it.
type Server struct {
	listener net.Listener
	cache    *jobs.Cache
	jobCell  *watch.Cell[*jobs.JobParams]

	worker uint16
}

// NewServer starts listening on addr. The caller runs Accept in a
// goroutine (or directly, for a blocking daemon) to begin serving.
func NewServer(addr string, cache *jobs.Cache, jobCell *watch.Cell[*jobs.JobParams]) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("stratum: listen %s: %w", addr, err)
	}
	return &Server{listener: ln, cache: cache, jobCell: jobCell}, nil
}

// Addr returns the bound address, useful when addr was given as
// "host:0" for an ephemeral test listener.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting new connections; sessions already spawned
// keep running until their own connection dies.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Accept loops accepting connections until the listener is closed,
// spawning one Session goroutine per connection. Returns nil once the
// listener is closed by Close.
func (s *Server) Accept() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("stratum: accept: %w", err)
		}

		worker := s.nextWorker()
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], worker)

		session := NewSession(conn, prefix, s.cache, s.jobCell)
		go session.Serve()
	}
}

// nextWorker increments the wrapping worker counter, skipping zero so
// every session gets a nonzero extranonce prefix.
func (s *Server) nextWorker() uint16 {
	s.worker++
	if s.worker == 0 {
		s.worker++
	}
	return s.worker
}

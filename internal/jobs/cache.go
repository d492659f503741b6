// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package jobs implements the bridge's job cache: the fixed 256-slot
// table mapping an 8-bit stratum job id back to the block template it
// was cut from, and the pending-submission FIFO that correlates a
// miner's mining.submit against the node's asynchronous
// SubmitBlockResponse acks. Grounded on original_source/src/stratum/jobs.rs.
package jobs

import (
	"container/list"
	"encoding/json"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"

	"github.com/kaspa-stratum/bridge/internal/kaspadrpc"
	"github.com/kaspa-stratum/bridge/internal/pow"
)

var log = slog.Disabled

// UseLogger installs the package-wide logger used for debug dumps.
func UseLogger(logger slog.Logger) {
	log = logger
}

// JobParams is everything a session needs to remember about an
// outstanding job, and exactly what gets broadcast to miners via
// mining.notify / mining.set_difficulty.
type JobParams struct {
	JobID      uint8
	Template   *kaspadrpc.RpcBlock
	PrePowHash [4]uint64
	Difficulty uint64
	Timestamp  uint64
}

// toPowHeader adapts the RPC wire header shape to the one
// internal/pow operates on; the two differ only in Version's width,
// since the node's RPC surface widens it to a uint32.
func toPowHeader(h *kaspadrpc.RpcBlockHeader) *pow.BlockHeader {
	levels := make([]pow.ParentLevel, len(h.Parents))
	for i, p := range h.Parents {
		levels[i] = pow.ParentLevel{ParentHashes: p.ParentHashes}
	}
	return &pow.BlockHeader{
		Version:              uint16(h.Version),
		Parents:              levels,
		HashMerkleRoot:       h.HashMerkleRoot,
		AcceptedIDMerkleRoot: h.AcceptedIDMerkleRoot,
		UTXOCommitment:       h.UTXOCommitment,
		Timestamp:            h.Timestamp,
		Bits:                 h.Bits,
		Nonce:                h.Nonce,
		DAAScore:             h.DAAScore,
		BlueScore:            h.BlueScore,
		BlueWork:             h.BlueWork,
		PruningPoint:         h.PruningPoint,
	}
}

// PendingResult is delivered to a session once the node acks (or
// rejects, or errors on) a submission it made. RPCID is the session's
// own request id, echoed back verbatim so the session knows which
// outstanding mining.submit this result answers.
type PendingResult struct {
	RPCID        json.RawMessage
	RejectReason kaspadrpc.SubmitBlockRejectReason
	Err          error
}

// pendingSubmit is one FIFO entry: the originating request id and the
// channel to notify once the node's ack for this submission arrives.
type pendingSubmit struct {
	rpcID   json.RawMessage
	replyCh chan<- PendingResult
}

// Cache is the 256-slot job table plus the pending-submission FIFO.
// Safe for concurrent use by many stratum sessions and the single
// upstream client goroutine.
type Cache struct {
	mu   sync.RWMutex
	jobs [256]*JobParams
	next uint8

	pendingMu sync.Mutex
	pending   *list.List // of *pendingSubmit

	outbound chan<- kaspadrpc.Payload
}

// New creates an empty cache. outbound is the channel the upstream
// client drains to send messages to the node; Submit pushes
// SubmitBlockRequest values onto it.
func New(outbound chan<- kaspadrpc.Payload) *Cache {
	return &Cache{
		pending:  list.New(),
		outbound: outbound,
	}
}

// Insert assigns the next wraparound job id to template, builds its
// pre-PoW hash and difficulty, and stores it. template with a nil
// Header is rejected (returns false) rather than panicking, since an
// absent header is a legitimate response shape from the node (an
// unsynced node may return none). The previous occupant of the
// assigned slot, once the id space has wrapped once, is discarded —
// the original implementation left it in place on wrap, which is a
// bug: a session that later submitted against the stale slot's nonce
// search would be validated against the wrong template. This cache
// always overwrites jobs[next] on wrap.
func (c *Cache) Insert(template *kaspadrpc.RpcBlock) (*JobParams, bool) {
	if template == nil || template.Header == nil {
		return nil, false
	}

	header := toPowHeader(template.Header)
	prePow, err := pow.PrePow(header)
	if err != nil {
		log.Errorf("jobs: pre-pow hash: %v", err)
		return nil, false
	}
	target := pow.CompactToTarget(template.Header.Bits)
	difficulty := pow.Difficulty(target)

	c.mu.Lock()
	id := c.next
	c.next++ // wraps at 256 back to 0, by design

	jp := &JobParams{
		JobID:      id,
		Template:   template,
		PrePowHash: prePow,
		Difficulty: difficulty,
		Timestamp:  uint64(header.Timestamp),
	}
	c.jobs[id] = jp // unconditional overwrite, even across a wrap
	c.mu.Unlock()

	log.Debugf("jobs: inserted id=%d template=%s", id, spew.Sdump(template.Header))
	return jp, true
}

// Lookup returns the job params for id, or nil if that id has never
// been issued. Once the id space has wrapped, a slot holds the most
// recent job assigned that id.
func (c *Cache) Lookup(id uint8) *JobParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jobs[id]
}

// Submit builds a submission for job id with the given nonce and
// queues it to the node, registering replyCh to receive the result
// once ResolvePending delivers it, tagged with rpcID so the session
// can match the eventual result to the mining.submit that caused it.
// Returns false if id is unknown.
//
// The pending-FIFO lock is held across both the FIFO push and the
// send to outbound so that a second Submit from a different session
// cannot interleave its own push between this one's push and send —
// pending order must exactly match send order, since the node's acks
// arrive in the order the submissions were made.
func (c *Cache) Submit(rpcID json.RawMessage, id uint8, nonce uint64, replyCh chan<- PendingResult) bool {
	c.mu.RLock()
	jp := c.jobs[id]
	c.mu.RUnlock()
	if jp == nil {
		return false
	}

	block := jp.Template.Clone()
	block.Header.Nonce = nonce

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending.PushBack(&pendingSubmit{rpcID: rpcID, replyCh: replyCh})
	c.outbound <- &kaspadrpc.SubmitBlockRequest{Block: block}
	return true
}

// ResolvePending pops the oldest pending submission and delivers its
// result. A response with no matching pending entry (the FIFO is
// empty) is logged and dropped — it indicates the node sent an extra
// ack, which should never happen but must not panic the client task.
func (c *Cache) ResolvePending(reason kaspadrpc.SubmitBlockRejectReason, err error) {
	c.pendingMu.Lock()
	front := c.pending.Front()
	if front == nil {
		c.pendingMu.Unlock()
		log.Warnf("jobs: received submit response with no pending submission")
		return
	}
	c.pending.Remove(front)
	c.pendingMu.Unlock()

	entry := front.Value.(*pendingSubmit)
	entry.replyCh <- PendingResult{RPCID: entry.rpcID, RejectReason: reason, Err: err}
}

// PendingCount reports the number of submissions awaiting an ack;
// exposed for tests and metrics, never used for control flow.
func (c *Cache) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pending.Len()
}

// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package upstream drives the single duplex connection to the node:
// one goroutine reads the stream and classifies inbound payloads,
// another drains an outbound command channel and writes to it. The
// rest of the bridge never touches kaspadrpc.RPCClient directly, only
// the Event values and RequestTemplate this package exposes.
//
// Grounded on original_source/src/kaspad.rs (ClientTask::run's
// classification match) for control flow, and the teacher's
// pool/client.go (reader goroutine + channel-driven writer) for the
// Go concurrency shape.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/decred/slog"

	"github.com/kaspa-stratum/bridge/internal/jobs"
	"github.com/kaspa-stratum/bridge/internal/kaspadrpc"
)

var log = slog.Disabled

// UseLogger installs the package-wide logger.
func UseLogger(logger slog.Logger) {
	log = logger
}

// EventKind distinguishes the three things an inbound payload can
// mean to the rest of the bridge.
type EventKind int

const (
	// EventInfo carries a GetInfoResponse: node version and sync state.
	EventInfo EventKind = iota
	// EventTemplate carries a freshly requested GetBlockTemplateResponse.
	EventTemplate
	// EventNewTemplate signals the node pushed an unsolicited
	// NewBlockTemplateNotification — a new template should be requested.
	EventNewTemplate
)

// Event is what Run delivers to the bridge supervisor for every
// classified inbound payload. Exactly one of the *Response fields is
// set, matching Kind.
type Event struct {
	Kind        EventKind
	Info        *kaspadrpc.GetInfoResponse
	Template    *kaspadrpc.GetBlockTemplateResponse
	NewTemplate *kaspadrpc.NewBlockTemplateNotification
}

// Client owns the one RPCClient duplex to the node.
type Client struct {
	rpc      kaspadrpc.RPCClient
	cache    *jobs.Cache
	outbound chan kaspadrpc.Payload
	events   chan Event

	synced bool
}

// New wires a Client around an already-dialed RPCClient. outbound is
// the channel cache was constructed with — Client.Run drains it in
// addition to its own internally generated requests, so both
// job-cache submissions and template requests share one write path to
// the duplex.
func New(rpc kaspadrpc.RPCClient, cache *jobs.Cache, outbound chan kaspadrpc.Payload) *Client {
	return &Client{
		rpc:      rpc,
		cache:    cache,
		outbound: outbound,
		events:   make(chan Event, 8),
	}
}

// Events returns the channel Run publishes classified inbound
// payloads on. Must be read by the bridge supervisor for the lifetime
// of Run.
func (c *Client) Events() <-chan Event {
	return c.events
}

// RequestTemplate queues a GetBlockTemplateRequest. The outbound
// channel is sized generously by its owner (spec.md §5 calls it an
// "unbounded MPSC"), so callers may queue requests before Run has
// even started draining it; Run will pick them up once live. Returns
// false only if the channel's buffer is genuinely exhausted.
func (c *Client) RequestTemplate(payAddress, extraData string) bool {
	select {
	case c.outbound <- &kaspadrpc.GetBlockTemplateRequest{PayAddress: payAddress, ExtraData: extraData}:
		return true
	default:
		return false
	}
}

// RequestInfo queues a GetInfoRequest.
func (c *Client) RequestInfo() bool {
	select {
	case c.outbound <- &kaspadrpc.GetInfoRequest{}:
		return true
	default:
		return false
	}
}

// RequestNotifyNewTemplate subscribes to the node's unsolicited
// NewBlockTemplateNotification push.
func (c *Client) RequestNotifyNewTemplate() bool {
	select {
	case c.outbound <- &kaspadrpc.NotifyNewBlockTemplateRequest{}:
		return true
	default:
		return false
	}
}

// Run is the long-lived task: it spawns the reader goroutine and
// drains the outbound channel itself until ctx is canceled or the
// duplex errors out. It closes Events() before returning.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	readErrCh := make(chan error, 1)
	go c.readLoop(readErrCh)

	for {
		select {
		case <-ctx.Done():
			c.rpc.Close()
			return ctx.Err()

		case err := <-readErrCh:
			return err

		case msg := <-c.outbound:
			if err := c.rpc.Send(msg); err != nil {
				log.Errorf("upstream: send failed: %v", err)
				c.rpc.Close()
				return fmt.Errorf("upstream: send: %w", err)
			}
		}
	}
}

// readLoop continuously receives from the duplex, classifies each
// payload, and either publishes an Event or resolves a pending job
// submission, per the classification table:
//
//	GetInfoResponse               -> EventInfo, updates synced
//	GetBlockTemplateResponse      -> EventTemplate, updates synced;
//	                                 swallowed (logged, no event) on
//	                                 error or a missing block header
//	NewBlockTemplateNotification  -> EventNewTemplate
//	SubmitBlockResponse           -> resolved against the job cache, no Event
//	NotifyNewBlockTemplateResponse -> acknowledged, no Event; on error
//	                                 the read loop stops and Run returns
//	                                 that error
func (c *Client) readLoop(errCh chan<- error) {
	for {
		payload, err := c.rpc.Recv()
		if err != nil {
			if err == io.EOF {
				errCh <- nil
				return
			}
			errCh <- fmt.Errorf("upstream: recv: %w", err)
			return
		}

		switch p := payload.(type) {
		case *kaspadrpc.GetInfoResponse:
			c.synced = p.IsSynced
			if !c.synced {
				log.Warnf("upstream: not yet synced")
			}
			c.events <- Event{Kind: EventInfo, Info: p}

		case *kaspadrpc.GetBlockTemplateResponse:
			if p.Error != nil {
				log.Warnf("upstream: get block template error: %s", p.Error.Message)
				continue
			}
			if p.Block == nil || p.Block.Header == nil {
				log.Warnf("upstream: get block template response missing header")
				continue
			}
			c.synced = p.IsSynced
			if !c.synced {
				log.Warnf("upstream: not yet synced")
			}
			c.events <- Event{Kind: EventTemplate, Template: p}

		case *kaspadrpc.NewBlockTemplateNotification:
			c.events <- Event{Kind: EventNewTemplate, NewTemplate: p}

		case *kaspadrpc.SubmitBlockResponse:
			var submitErr error
			if p.Error != nil {
				submitErr = errors.New(p.Error.Message)
			}
			c.cache.ResolvePending(p.RejectReason, submitErr)

		case *kaspadrpc.NotifyNewBlockTemplateResponse:
			if p.Error != nil {
				log.Warnf("upstream: notify subscription error: %s", p.Error.Message)
				errCh <- fmt.Errorf("upstream: notify subscription error: %s", p.Error.Message)
				return
			}

		default:
			log.Warnf("upstream: unexpected payload type %T", payload)
		}
	}
}

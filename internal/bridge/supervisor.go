// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bridge wires the upstream client, the job cache, and the
// stratum broadcast cell together: the supervisor loop that converts
// upstream events into cache inserts and template requests.
// Grounded on spec.md §4.6 and original_source/src/main.rs's message
// dispatch loop.
package bridge

import (
	"context"

	"github.com/decred/slog"

	"github.com/kaspa-stratum/bridge/internal/jobs"
	"github.com/kaspa-stratum/bridge/internal/kaspadrpc"
	"github.com/kaspa-stratum/bridge/internal/upstream"
	"github.com/kaspa-stratum/bridge/internal/watch"
)

var log = slog.Disabled

// UseLogger installs the package-wide logger.
func UseLogger(logger slog.Logger) {
	log = logger
}

// Supervisor is the small glue loop between the upstream client and
// the stratum broadcast: it has no state of its own beyond what it
// needs to request templates and insert them into the cache.
type Supervisor struct {
	client     *upstream.Client
	cache      *jobs.Cache
	jobCell    *watch.Cell[*jobs.JobParams]
	payAddress string
	extraData  string
}

// New builds a Supervisor around an already-constructed Client and
// Cache sharing the command channel, and the broadcast cell sessions
// watch for new jobs.
func New(client *upstream.Client, cache *jobs.Cache, jobCell *watch.Cell[*jobs.JobParams], payAddress, extraData string) *Supervisor {
	return &Supervisor{
		client:     client,
		cache:      cache,
		jobCell:    jobCell,
		payAddress: payAddress,
		extraData:  extraData,
	}
}

// Run starts the upstream client's initial subscription (GetInfo,
// NotifyNewBlockTemplate, GetBlockTemplate) and then drains events
// until the upstream client exits (ctx cancellation or a fatal
// duplex error), translating each event per spec.md §4.6.
func (s *Supervisor) Run(ctx context.Context) {
	s.client.RequestInfo()
	s.client.RequestNotifyNewTemplate()
	s.client.RequestTemplate(s.payAddress, s.extraData)

	for ev := range s.client.Events() {
		switch ev.Kind {
		case upstream.EventInfo:
			log.Infof("bridge: node info: version=%s synced=%v", ev.Info.ServerVersion, ev.Info.IsSynced)

		case upstream.EventNewTemplate:
			if !s.client.RequestTemplate(s.payAddress, s.extraData) {
				log.Warnf("bridge: command channel full, stopping supervisor")
				return
			}

		case upstream.EventTemplate:
			s.handleTemplate(ev.Template)
		}
	}
}

// handleTemplate implements the Template branch of spec.md §4.6:
// broadcast(block) inserts into the cache and, on success, publishes
// the fresh JobParams to the watch cell. upstream.Client's own event
// contract guarantees resp.Error is nil and resp.Block/Header are
// present by the time EventTemplate is emitted, so there is nothing
// to re-check here.
func (s *Supervisor) handleTemplate(resp *kaspadrpc.GetBlockTemplateResponse) {
	jp, ok := s.cache.Insert(resp.Block)
	if !ok {
		log.Warnf("bridge: failed to insert block template into cache")
		return
	}
	s.jobCell.Set(jp)
}

// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package connectivity

import (
	"context"
	"time"

	"github.com/surveykit/surveysync/internal/logging"
	"github.com/surveykit/surveysync/internal/remote"
)

// probeTimeout bounds a single reachability check so a black-holed
// connection cannot stall the probe loop.
const probeTimeout = 10 * time.Second

// Prober periodically pings the backend and feeds the result into the
// Monitor. It runs as a supervised service.
type Prober struct {
	adapter  remote.Adapter
	monitor  *Monitor
	interval time.Duration
	name     string
}

// NewProber creates a prober checking reachability every interval.
func NewProber(adapter remote.Adapter, monitor *Monitor, interval time.Duration) *Prober {
	return &Prober{
		adapter:  adapter,
		monitor:  monitor,
		interval: interval,
		name:     "connectivity-prober",
	}
}

// Serve implements suture.Service. It probes once immediately, then on
// every tick, until the context is canceled.
func (p *Prober) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", p.interval).Msg("Connectivity prober started")

	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Connectivity prober stopped")
			return ctx.Err()
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := p.adapter.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		// Shutdown, not an observation.
		return
	}
	p.monitor.SetOnline(err == nil)
}

// String implements fmt.Stringer for supervisor logging.
func (p *Prober) String() string {
	return p.name
}

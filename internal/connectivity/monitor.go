// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package connectivity

import (
	"sync"

	"github.com/surveykit/surveysync/internal/logging"
	"github.com/surveykit/surveysync/internal/metrics"
)

// Monitor holds the current backend reachability state and notifies
// subscribers on transitions.
//
// State changes are edge-triggered: setting the same value twice produces
// no notification, so subscribers only wake when reachability actually
// flips. Subscriber channels are buffered and never block the setter; a
// slow subscriber sees the most recent state, not every intermediate one.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(initial bool) *Monitor {
	m := &Monitor{
		online: initial,
		subs:   make(map[int]chan bool),
	}
	metrics.Online.Set(boolToFloat(initial))
	return m
}

// Online reports the current reachability state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a reachability observation. Subscribers are notified
// only when the state changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online
	metrics.Online.Set(boolToFloat(online))

	if online {
		logging.Info().Msg("Backend reachable again")
	} else {
		logging.Warn().Msg("Backend unreachable, operating offline")
	}

	for _, ch := range m.subs {
		// Replace a stale pending notification instead of blocking.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe registers for reachability transitions. The returned cancel
// function must be called to release the subscription.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	ch := make(chan bool, 1)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
	return ch, cancel
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

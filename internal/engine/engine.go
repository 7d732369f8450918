// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/surveykit/surveysync/internal/connectivity"
	"github.com/surveykit/surveysync/internal/logging"
	"github.com/surveykit/surveysync/internal/metrics"
	"github.com/surveykit/surveysync/internal/models"
	"github.com/surveykit/surveysync/internal/remote"
	"github.com/surveykit/surveysync/internal/store"
)

// State describes what the engine is currently doing.
type State string

const (
	// StateIdle means no drain is running and the last one succeeded.
	StateIdle State = "idle"
	// StateSyncing means a drain pass is in flight.
	StateSyncing State = "syncing"
	// StateError means the last drain halted on a failure; queued
	// mutations are preserved for the next attempt.
	StateError State = "error"
)

// Status is a snapshot of the engine, published to subscribers on every
// transition.
type Status struct {
	State     State     `json:"state"`
	Pending   int       `json:"pending"`
	LastError string    `json:"lastError,omitempty"`
	LastDrain time.Time `json:"lastDrain,omitempty"`
}

// itemResult classifies the handling of one queue item.
type itemResult string

const (
	resultPushed    itemResult = "pushed"
	resultSkipped   itemResult = "skipped"
	resultDiscarded itemResult = "discarded"
	resultHalt      itemResult = "failed"
)

// Engine drains the durable mutation queue to the backend.
//
// Exactly one drain pass runs at a time. A pass pops queue items in FIFO
// order and pushes each to the backend; the payload for create and update
// items is re-read from the local store at push time, so the backend
// always receives the latest local state and intermediate edits collapse
// into one push. The pass halts on the first retryable failure, leaving
// the failed item and everything behind it untouched.
type Engine struct {
	store   *store.Store
	adapter remote.Adapter
	monitor *connectivity.Monitor

	// onAuthRequired fires when a drain halts because the session
	// expired. Optional.
	onAuthRequired func()

	syncing atomic.Bool
	kick    chan struct{}
	name    string

	mu     sync.Mutex
	last   Status
	subs   map[int]chan Status
	nextID int
}

// New creates an engine over the given store and backend adapter.
func New(st *store.Store, adapter remote.Adapter, monitor *connectivity.Monitor) *Engine {
	e := &Engine{
		store:   st,
		adapter: adapter,
		monitor: monitor,
		kick:    make(chan struct{}, 1),
		name:    "sync-engine",
		subs:    make(map[int]chan Status),
		last:    Status{State: StateIdle},
	}
	if n, err := st.QueueLen(); err == nil {
		e.last.Pending = n
		metrics.QueueDepth.Set(float64(n))
	}
	return e
}

// OnAuthRequired registers a callback invoked when a drain halts because
// the backend session expired. Must be called before Serve.
func (e *Engine) OnAuthRequired(fn func()) {
	e.onAuthRequired = fn
}

// Status returns the most recently published snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Subscribe registers for status transitions. The current status is
// delivered immediately. The returned cancel function releases the
// subscription.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++

	ch := make(chan Status, 1)
	ch <- e.last
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
	return ch, cancel
}

// publish records a new status and fans it out without blocking.
func (e *Engine) publish(st Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.last = st
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// TrySync requests a drain pass. It never blocks: if a pass is already
// running or pending, the request coalesces into it.
func (e *Engine) TrySync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Serve implements suture.Service. It drains on startup, on every
// TrySync request, and whenever the backend transitions back to
// reachable.
func (e *Engine) Serve(ctx context.Context) error {
	online, cancel := e.monitor.Subscribe()
	defer cancel()

	logging.Info().Msg("Sync engine started")
	e.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Sync engine stopped")
			return ctx.Err()
		case up := <-online:
			if up {
				e.drain(ctx)
			}
		case <-e.kick:
			e.drain(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (e *Engine) String() string {
	return e.name
}

// drain runs one pass over the queue. It is single-flight: concurrent
// calls beyond the first return immediately.
func (e *Engine) drain(ctx context.Context) {
	if !e.syncing.CompareAndSwap(false, true) {
		metrics.DrainsTotal.WithLabelValues("busy").Inc()
		return
	}
	defer e.syncing.Store(false)
	// A trigger that arrived while this pass ran is dropped, not queued:
	// the pass it raced with already covered its work.
	defer func() {
		select {
		case <-e.kick:
		default:
		}
	}()

	if !e.monitor.Online() {
		// No-op: the published status keeps its pre-trigger value so an
		// earlier halt stays visible.
		metrics.DrainsTotal.WithLabelValues("offline").Inc()
		return
	}
	pending := e.queueLen()
	if pending == 0 {
		e.publish(Status{State: StateIdle, LastDrain: e.last.LastDrain})
		return
	}

	start := time.Now()
	e.publish(Status{State: StateSyncing, Pending: pending})
	logging.Info().Int("pending", pending).Msg("Draining mutation queue")

	var haltErr error
	for haltErr == nil {
		if err := ctx.Err(); err != nil {
			haltErr = err
			break
		}

		item, err := e.store.NextQueueItem()
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			haltErr = err
			break
		}

		res, err := e.processItem(ctx, item)
		metrics.QueueItemsTotal.WithLabelValues(string(item.Action), string(res)).Inc()

		if res == resultHalt {
			haltErr = err
			break
		}
		if err := e.store.RemoveQueueItem(item.Seq); err != nil {
			haltErr = err
			break
		}
		e.publish(Status{State: StateSyncing, Pending: e.queueLen()})
	}

	metrics.DrainDuration.Observe(time.Since(start).Seconds())
	remaining := e.queueLen()

	final := Status{Pending: remaining, LastDrain: time.Now()}
	if haltErr != nil {
		metrics.DrainsTotal.WithLabelValues("halted").Inc()
		final.State = StateError
		final.LastError = haltErr.Error()
		logging.Warn().Err(haltErr).Int("remaining", remaining).Msg("Drain halted")
	} else {
		metrics.DrainsTotal.WithLabelValues("drained").Inc()
		final.State = StateIdle
		logging.Info().Dur("took", time.Since(start)).Msg("Queue drained")
	}
	e.publish(final)
}

// processItem pushes one queue item to the backend and classifies the
// outcome. A resultHalt return stops the pass with the item still queued.
func (e *Engine) processItem(ctx context.Context, item *models.QueueItem) (itemResult, error) {
	switch item.Action {
	case models.ActionCreate, models.ActionUpdate:
		return e.pushProject(ctx, item)
	case models.ActionUpdateStatus:
		return e.pushStatus(ctx, item)
	case models.ActionDelete:
		return e.pushDelete(ctx, item)
	default:
		// Unknown actions cannot ever succeed; dropping them keeps the
		// queue moving.
		logging.Error().Str("action", string(item.Action)).Uint64("seq", item.Seq).Msg("Discarding queue item with unknown action")
		return resultDiscarded, nil
	}
}

// pushProject sends a create or update, reading the current local state
// rather than the state captured at enqueue time.
func (e *Engine) pushProject(ctx context.Context, item *models.QueueItem) (itemResult, error) {
	rec, err := e.store.Record(item.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted locally after this item was enqueued; the delete item
		// behind us carries the real intent.
		logging.Debug().Str("project", item.ProjectID).Msg("Skipping push for locally absent project")
		return resultSkipped, nil
	}
	if err != nil {
		return resultHalt, err
	}

	det, err := e.store.Detail(item.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		// Half-written project; pushing a record without its document
		// would clobber the backend copy.
		logging.Debug().Str("project", item.ProjectID).Msg("Skipping push for project with locally absent detail")
		return resultSkipped, nil
	} else if err != nil {
		return resultHalt, err
	}

	var resolved *models.Detail
	if item.Action == models.ActionCreate {
		resolved, err = e.adapter.Create(ctx, rec, det)
	} else {
		resolved, err = e.adapter.Update(ctx, rec, det)
	}
	if err != nil {
		return e.classifyFailure(item, err, false)
	}

	e.writeBack(item.ProjectID, det, resolved)
	return resultPushed, nil
}

// pushStatus sends a status change. The status is re-read from the local
// record so the latest value wins; the enqueued payload only serves as a
// fallback when the record carries no status.
func (e *Engine) pushStatus(ctx context.Context, item *models.QueueItem) (itemResult, error) {
	rec, err := e.store.Record(item.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		logging.Debug().Str("project", item.ProjectID).Msg("Skipping status push for locally absent project")
		return resultSkipped, nil
	}
	if err != nil {
		return resultHalt, err
	}

	status := rec.Status
	if status == "" {
		var p models.StatusPayload
		if err := json.Unmarshal(item.Payload, &p); err == nil {
			status = p.Status
		}
	}

	if err := e.adapter.UpdateStatus(ctx, item.ProjectID, status); err != nil {
		return e.classifyFailure(item, err, true)
	}
	return resultPushed, nil
}

// pushDelete sends a delete. A backend not-found counts as success.
func (e *Engine) pushDelete(ctx context.Context, item *models.QueueItem) (itemResult, error) {
	if err := e.adapter.Delete(ctx, item.ProjectID); err != nil {
		return e.classifyFailure(item, err, true)
	}
	return resultPushed, nil
}

// classifyFailure maps a push error to a queue decision.
// notFoundOK marks operations whose goal is already met when the backend
// never heard of the project.
func (e *Engine) classifyFailure(item *models.QueueItem, err error, notFoundOK bool) (itemResult, error) {
	switch remote.ErrorKind(err) {
	case remote.KindAuthRequired:
		logging.Warn().Str("project", item.ProjectID).Msg("Session expired, halting drain")
		if e.onAuthRequired != nil {
			e.onAuthRequired()
		}
		return resultHalt, err

	case remote.KindForbidden:
		// The backend will never accept this push from this user, so
		// retrying only poisons the queue.
		logging.Warn().Str("project", item.ProjectID).Str("action", string(item.Action)).Msg("Push forbidden, discarding queue item")
		return resultDiscarded, nil

	case remote.KindNotFound:
		if notFoundOK {
			logging.Debug().Str("project", item.ProjectID).Str("action", string(item.Action)).Msg("Project already absent on backend")
			return resultPushed, nil
		}
		return resultHalt, err

	default:
		var apiErr *remote.APIError
		if !errors.As(err, &apiErr) {
			// Transport failure rather than a backend verdict.
			e.monitor.SetOnline(false)
		}
		return resultHalt, err
	}
}

// writeBack persists the media-resolved detail returned by the backend,
// unless the user edited the document while the push was in flight. A
// lost race is fine: the newer local edit is already queued and its push
// will re-resolve.
func (e *Engine) writeBack(projectID string, pushed, resolved *models.Detail) {
	if resolved == nil {
		return
	}
	swapped, err := e.store.ReplaceDetail(projectID, pushed.Doc, resolved)
	if err != nil {
		logging.Warn().Err(err).Str("project", projectID).Msg("Failed to persist resolved media references")
		return
	}
	if !swapped {
		logging.Debug().Str("project", projectID).Msg("Detail changed during push, keeping local edit")
	}
}

func (e *Engine) queueLen() int {
	n, err := e.store.QueueLen()
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to read queue length")
		return e.last.Pending
	}
	metrics.QueueDepth.Set(float64(n))
	return n
}

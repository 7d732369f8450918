// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

// Package repo exposes the local-first data API.
//
// Every mutation lands in the local store and the durable queue before
// any network activity; the sync engine pushes it later. Reads prefer
// local data and never fail because the backend is away.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/surveykit/surveysync/internal/connectivity"
	"github.com/surveykit/surveysync/internal/engine"
	"github.com/surveykit/surveysync/internal/logging"
	"github.com/surveykit/surveysync/internal/models"
	"github.com/surveykit/surveysync/internal/remote"
	"github.com/surveykit/surveysync/internal/store"
)

// ErrNotFound reports a project absent both locally and, when reachable,
// on the backend.
var ErrNotFound = store.ErrNotFound

// Repository coordinates the local store, the mutation queue, and the
// backend adapter behind one API.
type Repository struct {
	store   *store.Store
	adapter remote.Adapter
	monitor *connectivity.Monitor
	engine  *engine.Engine
}

// New creates a repository over the given collaborators.
func New(st *store.Store, adapter remote.Adapter, monitor *connectivity.Monitor, eng *engine.Engine) *Repository {
	return &Repository{
		store:   st,
		adapter: adapter,
		monitor: monitor,
		engine:  eng,
	}
}

// NewProjectID mints an identifier for a locally created project. IDs are
// client-assigned so creation works offline.
func (r *Repository) NewProjectID() string {
	return uuid.NewString()
}

// List returns the project list. When the backend is reachable the fresh
// server list is merged into the local store first; any refresh failure
// falls back to local data silently, so listing never blocks on the
// network being healthy.
func (r *Repository) List(ctx context.Context) ([]models.Record, error) {
	if r.monitor.Online() {
		recs, err := r.adapter.List(ctx)
		if err == nil {
			for i := range recs {
				if perr := r.store.PutRecord(&recs[i]); perr != nil {
					return nil, fmt.Errorf("persist refreshed project %s: %w", recs[i].ID, perr)
				}
			}
		} else {
			logging.Debug().Err(err).Msg("Project list refresh failed, serving local data")
			r.noteTransportFailure(err)
		}
	}
	return r.store.Records()
}

// Get returns one project record from the local store.
func (r *Repository) Get(id string) (*models.Record, error) {
	return r.store.Record(id)
}

// GetDetail returns a project's detail document, fetching and caching it
// from the backend on a local miss.
func (r *Repository) GetDetail(ctx context.Context, id string) (*models.Detail, error) {
	det, err := r.store.Detail(id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err == nil {
		// Serve locally only when the record is cached too; a detail
		// without its record means the project list would miss it.
		if _, rerr := r.store.Record(id); rerr == nil {
			return det, nil
		} else if !errors.Is(rerr, store.ErrNotFound) {
			return nil, rerr
		}
	}
	if !r.monitor.Online() {
		if det != nil {
			// Best effort: the record backfill has to wait for
			// connectivity, but the document itself is here.
			return det, nil
		}
		return nil, ErrNotFound
	}

	rec, det, err := r.adapter.Fetch(ctx, id)
	if err != nil {
		r.noteTransportFailure(err)
		return nil, err
	}
	if err := r.store.PutRecord(rec); err != nil {
		return nil, fmt.Errorf("persist fetched project %s: %w", id, err)
	}
	if err := r.store.PutDetail(det); err != nil {
		return nil, fmt.Errorf("persist fetched detail %s: %w", id, err)
	}
	return det, nil
}

// Create persists a new project locally, queues its creation, and
// requests a sync. It returns as soon as the local write is durable.
func (r *Repository) Create(rec *models.Record, det *models.Detail) error {
	if rec.ID == "" {
		rec.ID = r.NewProjectID()
	}
	if det == nil {
		det = &models.Detail{ProjectID: rec.ID}
	}
	det.ProjectID = rec.ID

	if err := r.store.PutRecord(rec); err != nil {
		return err
	}
	if err := r.store.PutDetail(det); err != nil {
		return err
	}
	if _, err := r.store.Enqueue(models.ActionCreate, rec.ID, nil); err != nil {
		return err
	}

	logging.Info().Str("project", rec.ID).Msg("Project created locally")
	r.engine.TrySync()
	return nil
}

// Save persists changed project data locally, queues the update, and
// requests a sync.
func (r *Repository) Save(rec *models.Record, det *models.Detail) error {
	if rec.ID == "" {
		return fmt.Errorf("save project: missing id")
	}
	if det == nil {
		det = &models.Detail{ProjectID: rec.ID}
	}
	det.ProjectID = rec.ID

	if err := r.store.PutRecord(rec); err != nil {
		return err
	}
	if err := r.store.PutDetail(det); err != nil {
		return err
	}
	if _, err := r.store.Enqueue(models.ActionUpdate, rec.ID, nil); err != nil {
		return err
	}

	r.engine.TrySync()
	return nil
}

// UpdateStatus changes a project's workflow status locally and queues the
// change.
func (r *Repository) UpdateStatus(id string, status models.RecordStatus) error {
	rec, err := r.store.Record(id)
	if err != nil {
		return err
	}
	rec.Status = status
	if err := r.store.PutRecord(rec); err != nil {
		return err
	}

	payload, err := json.Marshal(models.StatusPayload{Status: status})
	if err != nil {
		return fmt.Errorf("encode status payload: %w", err)
	}
	if _, err := r.store.Enqueue(models.ActionUpdateStatus, id, payload); err != nil {
		return err
	}

	r.engine.TrySync()
	return nil
}

// Remove deletes a project locally and queues the deletion. Pending
// pushes for the project become no-ops; the queued delete carries the
// final intent.
func (r *Repository) Remove(id string) error {
	if err := r.store.DeleteRecord(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := r.store.DeleteDetail(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := r.store.Enqueue(models.ActionDelete, id, nil); err != nil {
		return err
	}

	logging.Info().Str("project", id).Msg("Project deleted locally")
	r.engine.TrySync()
	return nil
}

// EnsureSession verifies which backend account is active and wipes all
// local data when the account changed since the last run, so one user's
// drafts and queued mutations never leak into another user's session.
// An unreachable backend leaves the current session untouched.
func (r *Repository) EnsureSession(ctx context.Context) (*models.User, error) {
	user, err := r.adapter.CurrentUser(ctx)
	if err != nil {
		r.noteTransportFailure(err)
		if remote.IsAuthRequired(err) || remote.IsForbidden(err) {
			return nil, err
		}
		logging.Debug().Err(err).Msg("Session check skipped, backend unreachable")
		return nil, nil
	}

	last, err := r.store.LastUserID()
	if err != nil {
		return nil, err
	}
	if last != "" && last != user.ID {
		logging.Warn().Str("previous", last).Str("current", user.ID).Msg("Account changed, wiping local data")
		if err := r.store.Wipe(); err != nil {
			return nil, fmt.Errorf("wipe local data on account switch: %w", err)
		}
	}
	if err := r.store.SetLastUserID(user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// PendingCount reports how many mutations await push.
func (r *Repository) PendingCount() (int, error) {
	return r.store.QueueLen()
}

// noteTransportFailure flips the connectivity monitor offline when an
// error came from the transport rather than a backend verdict.
func (r *Repository) noteTransportFailure(err error) {
	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) {
		r.monitor.SetOnline(false)
	}
}

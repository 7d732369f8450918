// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/surveykit/surveysync/internal/engine"
	"github.com/surveykit/surveysync/internal/models"
	"github.com/surveykit/surveysync/internal/remote"
	"github.com/surveykit/surveysync/internal/repo"
)

// Handler serves the local HTTP surface backed by the repository and the
// sync engine.
type Handler struct {
	repo   *repo.Repository
	engine *engine.Engine
}

// NewHandler creates the HTTP handler set.
func NewHandler(r *repo.Repository, e *engine.Engine) *Handler {
	return &Handler{repo: r, engine: e}
}

// projectEnvelope mirrors the backend wire shape: the record plus its
// free-form detail document.
type projectEnvelope struct {
	Project    *models.Record  `json:"project"`
	ReportData json.RawMessage `json:"reportData,omitempty"`
}

type statusRequest struct {
	Status string `json:"status"`
}

// handleHealth reports liveness.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSyncStatus reports the engine's current state and backlog.
func (h *Handler) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Status())
}

// handleSyncTrigger requests a drain pass. The pass runs asynchronously;
// poll the status endpoint for the outcome.
func (h *Handler) handleSyncTrigger(w http.ResponseWriter, _ *http.Request) {
	h.engine.TrySync()
	respondJSON(w, http.StatusAccepted, h.engine.Status())
}

// handleListProjects returns the project list, refreshed from the
// backend when reachable.
func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	recs, err := h.repo.List(r.Context())
	if err != nil {
		respondRepoError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

// handleGetProject returns one project with its detail document.
func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.repo.Get(id)
	if err != nil {
		respondRepoError(w, err)
		return
	}
	det, err := h.repo.GetDetail(r.Context(), id)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		respondRepoError(w, err)
		return
	}

	env := projectEnvelope{Project: rec}
	if det != nil {
		env.ReportData = det.Doc
	}
	respondJSON(w, http.StatusOK, env)
}

// handleCreateProject stores a new project locally and queues its push.
func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var env projectEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if env.Project == nil || env.Project.Name == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "project with a name is required")
		return
	}

	det := &models.Detail{Doc: env.ReportData}
	if err := h.repo.Create(env.Project, det); err != nil {
		respondRepoError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, projectEnvelope{Project: env.Project, ReportData: det.Doc})
}

// handleUpdateProject stores changed project data locally and queues the
// push.
func (h *Handler) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var env projectEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if env.Project == nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "project is required")
		return
	}
	env.Project.ID = id

	det := &models.Detail{Doc: env.ReportData}
	if err := h.repo.Save(env.Project, det); err != nil {
		respondRepoError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, env)
}

// handleUpdateStatus changes a project's workflow status.
func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	status, err := models.ParseRecordStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	if err := h.repo.UpdateStatus(id, status); err != nil {
		respondRepoError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

// handleDeleteProject deletes a project locally and queues the deletion.
func (h *Handler) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.Remove(id); err != nil {
		respondRepoError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id})
}

// handleSession verifies the backend session, applying the account-switch
// wipe when the user changed.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	user, err := h.repo.EnsureSession(r.Context())
	if err != nil {
		respondRepoError(w, err)
		return
	}
	if user == nil {
		respondError(w, http.StatusServiceUnavailable, "OFFLINE", "backend unreachable, session unverified")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// respondRepoError maps repository and backend errors onto HTTP statuses.
func respondRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "project not found")
		return
	}
	switch remote.ErrorKind(err) {
	case remote.KindAuthRequired:
		respondError(w, http.StatusUnauthorized, string(remote.KindAuthRequired), err.Error())
	case remote.KindForbidden:
		respondError(w, http.StatusForbidden, string(remote.KindForbidden), err.Error())
	case remote.KindNotFound:
		respondError(w, http.StatusNotFound, string(remote.KindNotFound), err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surveykit/surveysync/internal/logging"
)

// NewRouter builds the chi router for the local HTTP surface.
func NewRouter(h *Handler, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sync/status", h.handleSyncStatus)
		r.Post("/sync", h.handleSyncTrigger)
		r.Get("/session", h.handleSession)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.handleListProjects)
			r.Post("/", h.handleCreateProject)
			r.Get("/{id}", h.handleGetProject)
			r.Put("/{id}", h.handleUpdateProject)
			r.Patch("/{id}/status", h.handleUpdateStatus)
			r.Delete("/{id}", h.handleDeleteProject)
		})
	})

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

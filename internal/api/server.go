// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/surveykit/surveysync/internal/config"
	"github.com/surveykit/surveysync/internal/logging"
)

// shutdownGrace bounds how long in-flight requests may run after the
// service is asked to stop.
const shutdownGrace = 10 * time.Second

// Server runs the local HTTP surface as a supervised service.
type Server struct {
	srv  *http.Server
	name string
}

// NewServer creates the HTTP server for the given handler set.
func NewServer(cfg *config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.Timeout,
			WriteTimeout:      cfg.Timeout,
			IdleTimeout:       60 * time.Second,
		},
		name: "http-server",
	}
}

// Serve implements suture.Service. It listens until the context is
// canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (s *Server) String() string {
	return s.name
}

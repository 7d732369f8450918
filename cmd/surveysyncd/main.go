// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

// Package main is the entry point for the SurveySync daemon.
//
// SurveySync is a local-first sync engine for field survey clients that
// must keep working without connectivity. Every mutation is written to an
// embedded BadgerDB store and a durable FIFO queue before any network
// activity; a supervised engine replays the queue to the survey backend
// whenever it is reachable. Local reads never block on the network.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: Load settings from config file and environment (Koanf v2)
//  2. Store: Open the embedded BadgerDB database (records, details, queue)
//  3. Remote: Build the backend HTTP adapter, optionally circuit-broken
//  4. Connectivity: Start the reachability monitor and prober
//  5. Engine: Start the queue drain engine
//  6. HTTP Server: Local REST surface plus /metrics and /healthz
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (prefix SURVEYSYNC_)
//   - Config file (config.yaml, or SURVEYSYNC_CONFIG)
//   - Built-in defaults
//
// # Signal Handling
//
// The daemon handles graceful shutdown on SIGINT and SIGTERM: the
// supervisor tree stops all services, in-flight HTTP requests get a 10s
// grace period, and the store is closed last so every accepted mutation
// is durable.
//
// # Example Usage
//
//	export SURVEYSYNC_REMOTE_BASE_URL=https://survey.example.com
//	export SURVEYSYNC_STORE_PATH=/data/surveysync
//	./surveysyncd
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/surveykit/surveysync/internal/api"
	"github.com/surveykit/surveysync/internal/config"
	"github.com/surveykit/surveysync/internal/connectivity"
	"github.com/surveykit/surveysync/internal/engine"
	"github.com/surveykit/surveysync/internal/logging"
	"github.com/surveykit/surveysync/internal/remote"
	"github.com/surveykit/surveysync/internal/repo"
	"github.com/surveykit/surveysync/internal/store"
	"github.com/surveykit/surveysync/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Default logger, configuration is not available yet.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	logging.Info().Str("backend", cfg.Remote.BaseURL).Msg("Starting SurveySync daemon")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open local store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close local store")
		}
	}()

	client, err := remote.NewClient(&cfg.Remote)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build backend client")
	}
	var adapter remote.Adapter = client
	if cfg.Remote.BreakerEnabled {
		adapter = remote.NewBreakerAdapter(adapter)
	}

	monitor := connectivity.NewMonitor(false)
	prober := connectivity.NewProber(adapter, monitor, cfg.Sync.ProbeInterval)

	eng := engine.New(st, adapter, monitor)
	eng.OnAuthRequired(func() {
		logging.Warn().Msg("Backend session expired, sign in again to resume sync")
	})

	repository := repo.New(st, adapter, monitor, eng)

	handler := api.NewHandler(repository, eng)
	router := api.NewRouter(handler, cfg.Server.Timeout)
	server := api.NewServer(&cfg.Server, router)

	slogger := slog.New(logging.NewSlogHandler())
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	tree.AddSyncService(prober)
	tree.AddSyncService(eng)
	tree.AddAPIService(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session check is best-effort at startup; an unreachable backend is
	// the normal case in the field.
	if user, err := repository.EnsureSession(ctx); err != nil {
		logging.Warn().Err(err).Msg("Session check failed")
	} else if user != nil {
		logging.Info().Str("user", user.Email).Msg("Backend session verified")
	}

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited")
	}
	logging.Info().Msg("SurveySync daemon stopped")
}

// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/surveykit/surveysync/internal/config"
	"github.com/surveykit/surveysync/internal/metrics"
	"github.com/surveykit/surveysync/internal/models"
)

// Adapter is the remote side of the sync engine: per-entity CRUD against
// the backend REST API plus identity and reachability checks. It owns no
// state; it is a pure request translator.
//
// Create and Update return the media-resolved detail document (inline
// fields replaced by uploaded references) so the caller can persist it and
// avoid re-uploading on later pushes.
//
// All methods are safe for concurrent use.
type Adapter interface {
	List(ctx context.Context) ([]models.Record, error)
	Fetch(ctx context.Context, id string) (*models.Record, *models.Detail, error)
	Create(ctx context.Context, rec *models.Record, det *models.Detail) (*models.Detail, error)
	Update(ctx context.Context, rec *models.Record, det *models.Detail) (*models.Detail, error)
	UpdateStatus(ctx context.Context, id string, status models.RecordStatus) error
	Delete(ctx context.Context, id string) error
	CurrentUser(ctx context.Context) (*models.User, error)
	Ping(ctx context.Context) error
}

// projectEnvelope is the wire shape of a full project push or fetch.
type projectEnvelope struct {
	Project    *models.Record  `json:"project"`
	ReportData json.RawMessage `json:"reportData"`
}

// Client implements Adapter over HTTP. Authentication is ambient: the
// backend sets session cookies, which the client's jar carries on every
// call. No per-call tokens exist.
type Client struct {
	baseURL       string
	httpc         *http.Client
	uploadLimiter *rate.Limiter
}

// NewClient creates a backend API client from configuration.
func NewClient(cfg *config.RemoteConfig) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.UploadRatePerSecond > 0 {
		burst := cfg.UploadBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.UploadRatePerSecond), burst)
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpc: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
		},
		uploadLimiter: limiter,
	}, nil
}

// do performs one JSON request. A 2xx/204 response decodes into out (when
// out is non-nil and a body exists); anything else classifies into an
// *APIError. Transport failures return plain wrapped errors, which
// classify as KindUnknown.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, fallback string) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(resp, fallback)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// observe records the outcome of one remote operation.
func observe(operation string, err error) {
	kind := "ok"
	if err != nil {
		kind = string(ErrorKind(err))
	}
	metrics.RemoteRequestsTotal.WithLabelValues(operation, kind).Inc()
}

// List fetches all project records visible to the session.
func (c *Client) List(ctx context.Context) ([]models.Record, error) {
	var records []models.Record
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, &records, "failed to list projects")
	observe("list", err)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Fetch retrieves one project's record and detail document.
func (c *Client) Fetch(ctx context.Context, id string) (*models.Record, *models.Detail, error) {
	var env projectEnvelope
	err := c.do(ctx, http.MethodGet, "/api/projects/"+id, nil, &env, "failed to fetch project")
	observe("fetch", err)
	if err != nil {
		return nil, nil, err
	}
	if env.Project == nil {
		err := fmt.Errorf("fetch project %s: response missing project", id)
		return nil, nil, err
	}
	return env.Project, &models.Detail{ProjectID: id, Doc: env.ReportData}, nil
}

// Create pushes a new project. Media fields in inline form are uploaded
// first and substituted with their references; the resolved detail is
// returned. The caller's detail document is never mutated.
func (c *Client) Create(ctx context.Context, rec *models.Record, det *models.Detail) (*models.Detail, error) {
	resolved, err := c.resolveMedia(ctx, rec.ID, det)
	if err != nil {
		observe("create", err)
		return nil, err
	}

	body := projectEnvelope{Project: rec, ReportData: resolved.Doc}
	err = c.do(ctx, http.MethodPost, "/api/projects", body, nil, "failed to create project")
	observe("create", err)
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// Update overwrites an existing project, last writer wins. Media handling
// matches Create.
func (c *Client) Update(ctx context.Context, rec *models.Record, det *models.Detail) (*models.Detail, error) {
	resolved, err := c.resolveMedia(ctx, rec.ID, det)
	if err != nil {
		observe("update", err)
		return nil, err
	}

	body := projectEnvelope{Project: rec, ReportData: resolved.Doc}
	err = c.do(ctx, http.MethodPut, "/api/projects/"+rec.ID, body, nil, "failed to update project")
	observe("update", err)
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// UpdateStatus patches just the lifecycle status of a project.
func (c *Client) UpdateStatus(ctx context.Context, id string, status models.RecordStatus) error {
	body := models.StatusPayload{Status: status}
	err := c.do(ctx, http.MethodPatch, "/api/projects/"+id+"/status", body, nil, "failed to update project status")
	observe("updateStatus", err)
	return err
}

// Delete removes a project server-side.
func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/api/projects/"+id, nil, nil, "failed to delete project")
	observe("delete", err)
	return err
}

// CurrentUser returns the identity behind the ambient session credentials.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var user models.User
	err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &user, "failed to fetch current user")
	observe("currentUser", err)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Ping verifies backend reachability. Used by the connectivity prober.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil, "backend unreachable")
}

// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package remote

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// Kind is the machine-readable classification of a remote failure. Every
// non-2xx/204 response maps onto exactly one Kind; transport failures and
// anything unrecognized map onto KindUnknown.
type Kind string

// Failure kinds, matching the backend's structured error codes.
const (
	// KindAuthRequired means the ambient session is invalid. Not retryable
	// by the engine; the caller must re-authenticate.
	KindAuthRequired Kind = "AUTH_REQUIRED"

	// KindForbidden means the session lacks rights over the entity. Not
	// retryable.
	KindForbidden Kind = "FORBIDDEN"

	// KindNotFound means the entity vanished server-side.
	KindNotFound Kind = "NOT_FOUND"

	// KindUnknown covers everything else, network failures included.
	// Retryable on the next drain.
	KindUnknown Kind = "UNKNOWN"
)

// maxErrorBodySize bounds how much of an error response body is read for
// classification and diagnostics.
const maxErrorBodySize = 64 * 1024

// APIError is a classified remote failure.
type APIError struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote: %s (%s)", e.Message, e.Kind)
	}
	return fmt.Sprintf("remote: %s (HTTP %d, %s)", e.Message, e.StatusCode, e.Kind)
}

// ErrorKind extracts the classification from any error. Errors that are
// not an *APIError classify as KindUnknown, which keeps transport and
// unexpected failures on the retryable path.
func ErrorKind(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsAuthRequired reports whether err demands a re-authentication flow.
func IsAuthRequired(err error) bool { return ErrorKind(err) == KindAuthRequired }

// IsForbidden reports whether err is a permission denial.
func IsForbidden(err error) bool { return ErrorKind(err) == KindForbidden }

// IsNotFound reports whether err means the entity is gone upstream.
func IsNotFound(err error) bool { return ErrorKind(err) == KindNotFound }

// errorBody is the structured body the backend attaches to failures when
// it can.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classifyResponse turns a non-2xx response into an *APIError. A
// machine-readable code in the body wins; without one, a bare 403 is
// treated as AUTH_REQUIRED and a bare 404 as NOT_FOUND.
func classifyResponse(resp *http.Response, fallback string) *APIError {
	apiErr := &APIError{
		Kind:       KindUnknown,
		StatusCode: resp.StatusCode,
		Message:    fallback,
	}
	switch resp.StatusCode {
	case http.StatusForbidden:
		apiErr.Kind = KindAuthRequired
	case http.StatusNotFound:
		apiErr.Kind = KindNotFound
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil || len(body) == 0 {
		return apiErr
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil {
			if eb.Message != "" {
				apiErr.Message = eb.Message
			}
			switch Kind(eb.Code) {
			case KindAuthRequired, KindForbidden, KindNotFound:
				apiErr.Kind = Kind(eb.Code)
			}
		}
		return apiErr
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		apiErr.Message = text
	}
	return apiErr
}

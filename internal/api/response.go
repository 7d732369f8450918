// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/surveykit/surveysync/internal/logging"
)

// Response is the wrapper every endpoint returns.
type Response struct {
	// Success indicates whether the request was successful
	Success bool `json:"success"`

	// Data contains the response payload (null on error)
	Data interface{} `json:"data,omitempty"`

	// Error contains error details (null on success)
	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError carries a machine-readable code plus a human-readable
// message.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondJSON writes a success response with the given payload.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: true, Data: data}); err != nil {
		logging.Warn().Err(err).Msg("Failed to encode response")
	}
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := Response{Success: false, Error: &ResponseError{Code: code, Message: message}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Warn().Err(err).Msg("Failed to encode error response")
	}
}

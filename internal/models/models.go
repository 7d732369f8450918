// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

// Package models defines the shared domain types: survey project records,
// report detail documents, the durable mutation queue, and the
// authenticated user identity.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// RecordStatus is the lifecycle state of a survey project.
type RecordStatus string

// Project lifecycle states. The set is closed; anything else is rejected
// by ParseRecordStatus.
const (
	StatusEditing   RecordStatus = "editing"
	StatusCompleted RecordStatus = "completed"
)

// ParseRecordStatus validates a raw status string.
func ParseRecordStatus(s string) (RecordStatus, error) {
	switch RecordStatus(s) {
	case StatusEditing, StatusCompleted:
		return RecordStatus(s), nil
	default:
		return "", fmt.Errorf("unknown project status %q", s)
	}
}

// Record is the summary half of a survey project: the listing attributes
// and lifecycle metadata. The full report lives in Detail.
//
// IDs are assigned client-side at creation time so that a create can be
// queued without a server round-trip.
type Record struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Location    string       `json:"location"`
	Status      RecordStatus `json:"status"`
	SurveyDate  string       `json:"surveyDate,omitempty"`
	Surveyors   string       `json:"surveyors,omitempty"`
	ProjectType string       `json:"projectType,omitempty"`
	OwnerEmail  string       `json:"ownerEmail,omitempty"`
}

// Detail is the full report document attached 1:1 to a Record. Doc is an
// arbitrarily nested JSON document; any string leaf holding a data: URI is
// a media field in inline form, and is replaced by a stable server
// reference (uploaded form) when the document is pushed.
type Detail struct {
	ProjectID string          `json:"projectId"`
	Doc       json.RawMessage `json:"doc"`
}

// Clone returns a Detail whose document bytes are independent of the
// receiver's.
func (d *Detail) Clone() *Detail {
	doc := make(json.RawMessage, len(d.Doc))
	copy(doc, d.Doc)
	return &Detail{ProjectID: d.ProjectID, Doc: doc}
}

// InlineMediaPrefix marks a media field in inline form: a self-contained
// data: URI with the binary content embedded.
const InlineMediaPrefix = "data:"

// IsInlineMedia reports whether a string leaf is a media field still in
// inline form.
func IsInlineMedia(v string) bool {
	return strings.HasPrefix(v, InlineMediaPrefix)
}

// Action is the kind of queued mutation.
type Action string

// Queued mutation kinds, mirroring the remote per-entity operations.
const (
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionUpdateStatus Action = "updateStatus"
	ActionDelete       Action = "delete"
)

// QueueItem is one durable pending mutation. Items are strictly ordered by
// Seq and replayed in that order.
//
// Create and Update items intentionally carry no payload snapshot: they are
// a signal that the named project's current local state must be pushed, and
// the content is re-read from the store at drain time. Rapid repeated edits
// therefore collapse to pushes of the same final state.
type QueueItem struct {
	Seq        uint64          `json:"seq"`
	Action     Action          `json:"action"`
	ProjectID  string          `json:"projectId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// StatusPayload is the payload of an updateStatus queue item.
type StatusPayload struct {
	Status RecordStatus `json:"status"`
}

// User is the authenticated identity behind the ambient session
// credentials. The repository's session-switch guard compares User.ID
// against the last identity recorded locally.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

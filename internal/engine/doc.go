// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

/*
Package engine drains the durable mutation queue to the backend.

The engine is the only component that removes items from the queue. A
drain pass is single-flight, processes items strictly in enqueue order,
re-reads the local record and detail at push time so the freshest state
is sent, and halts on the first retryable failure with the remaining
queue intact. Passes are triggered by explicit TrySync requests (after
every local mutation), by connectivity regaining the backend, and at
service startup.

Failure handling per push:

  - Session expired: halt, keep the item, fire the re-auth callback
  - Forbidden: discard the item and continue, it can never succeed
  - Not found: success for deletes and status changes, halt otherwise
  - Anything else: halt and retry on the next pass

Status snapshots (state, pending count, last error) are observable via
Subscribe, which the HTTP API uses to report sync progress.
*/
package engine

// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

/*
Package remote implements the HTTP adapter for the survey backend.

This package owns every network interaction: project CRUD against the REST
API, media uploads, the authenticated-user lookup, and the reachability
probe. The rest of the system speaks to the backend only through the
Adapter interface, so tests and the circuit breaker can substitute
implementations freely.

Key Components:

  - Adapter: The interface every backend implementation satisfies
  - Client: The concrete HTTP client with cookie-based session handling
  - BreakerAdapter: Circuit breaker decorator around any Adapter
  - APIError: Classified backend failures (auth, forbidden, not-found, unknown)

Media Resolution:

Before a project push, Client walks the detail document and uploads every
media field still in inline (data URL) form, substituting the stable
reference the backend returns. Re-pushing an already-resolved document
performs zero uploads, which keeps retries idempotent with respect to
media storage. Uploads are rate-limited to avoid saturating slow field
uplinks.

Error Classification:

Non-2xx responses become APIError values with a Kind derived from the
HTTP status and, if present, the machine-readable code in the JSON body.
Transport failures stay unclassified and are treated as retryable.
*/
package remote

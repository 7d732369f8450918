// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/surveykit/surveysync/internal/logging"
	"github.com/surveykit/surveysync/internal/metrics"
	"github.com/surveykit/surveysync/internal/models"
)

// fetchResult bundles the two values Fetch returns so they can pass
// through the breaker as a single result.
type fetchResult struct {
	record *models.Record
	detail *models.Detail
}

// BreakerAdapter wraps an Adapter with circuit breaker protection so a
// failing backend stops absorbing push attempts.
//
// DETERMINISM NOTE: the breaker uses real time (via sony/gobreaker) for
// its interval and timeout calculations. The timing only determines when
// to retry recovery, never data integrity; unit tests should exercise the
// wrapped adapter directly.
type BreakerAdapter struct {
	inner Adapter
	cb    *gobreaker.CircuitBreaker[interface{}]
	name  string
}

// NewBreakerAdapter creates a circuit breaker around inner.
// Breaker configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 2 minute timeout before attempting recovery
// - Opens after 60% failure rate with minimum 10 requests
func NewBreakerAdapter(inner Adapter) *BreakerAdapter {
	cbName := "survey-backend"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		// Opens when failure rate >= 60% with minimum 10 requests
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6

			if shouldTrip {
				logging.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_rate", failureRatio*100).Msg("[CIRCUIT BREAKER] Opening circuit")
			}

			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)

			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &BreakerAdapter{
		inner: inner,
		cb:    cb,
		name:  cbName,
	}
}

// execute wraps a backend call with circuit breaker protection. Rejections
// (open circuit, half-open saturation) surface as retryable errors.
func (b *BreakerAdapter) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			logging.Warn().Err(err).Msg("[CIRCUIT BREAKER] Request rejected")
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		}
		return nil, err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	return result, nil
}

// castResult safely type-casts the circuit breaker result with error checking.
func castResult[T any](result interface{}, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// List retrieves the project list with circuit breaker protection.
func (b *BreakerAdapter) List(ctx context.Context) ([]models.Record, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.inner.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	records, ok := result.([]models.Record)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return records, nil
}

// Fetch retrieves one project and its detail with circuit breaker protection.
func (b *BreakerAdapter) Fetch(ctx context.Context, id string) (*models.Record, *models.Detail, error) {
	res, err := castResult[fetchResult](b.execute(func() (interface{}, error) {
		rec, det, err := b.inner.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		return &fetchResult{record: rec, detail: det}, nil
	}))
	if err != nil {
		return nil, nil, err
	}
	return res.record, res.detail, nil
}

// Create pushes a new project with circuit breaker protection.
func (b *BreakerAdapter) Create(ctx context.Context, rec *models.Record, det *models.Detail) (*models.Detail, error) {
	return castResult[models.Detail](b.execute(func() (interface{}, error) {
		return b.inner.Create(ctx, rec, det)
	}))
}

// Update pushes changed project data with circuit breaker protection.
func (b *BreakerAdapter) Update(ctx context.Context, rec *models.Record, det *models.Detail) (*models.Detail, error) {
	return castResult[models.Detail](b.execute(func() (interface{}, error) {
		return b.inner.Update(ctx, rec, det)
	}))
}

// UpdateStatus pushes a status change with circuit breaker protection.
func (b *BreakerAdapter) UpdateStatus(ctx context.Context, id string, status models.RecordStatus) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.UpdateStatus(ctx, id, status)
	})
	return err
}

// Delete removes a project with circuit breaker protection.
func (b *BreakerAdapter) Delete(ctx context.Context, id string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.Delete(ctx, id)
	})
	return err
}

// CurrentUser resolves the authenticated user with circuit breaker protection.
func (b *BreakerAdapter) CurrentUser(ctx context.Context) (*models.User, error) {
	return castResult[models.User](b.execute(func() (interface{}, error) {
		return b.inner.CurrentUser(ctx)
	}))
}

// Ping probes backend reachability with circuit breaker protection.
func (b *BreakerAdapter) Ping(ctx context.Context) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.Ping(ctx)
	})
	return err
}

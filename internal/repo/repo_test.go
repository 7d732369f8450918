// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package repo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"

	"github.com/surveykit/surveysync/internal/connectivity"
	"github.com/surveykit/surveysync/internal/engine"
	"github.com/surveykit/surveysync/internal/models"
	"github.com/surveykit/surveysync/internal/remote"
	"github.com/surveykit/surveysync/internal/store"
)

// mockAdapter implements remote.Adapter for repository tests.
type mockAdapter struct {
	listFn  func() ([]models.Record, error)
	fetchFn func(id string) (*models.Record, *models.Detail, error)
	userFn  func() (*models.User, error)

	lists   atomic.Int64
	fetches atomic.Int64
	pushes  atomic.Int64
}

func (m *mockAdapter) List(context.Context) ([]models.Record, error) {
	m.lists.Add(1)
	if m.listFn != nil {
		return m.listFn()
	}
	return nil, nil
}

func (m *mockAdapter) Fetch(_ context.Context, id string) (*models.Record, *models.Detail, error) {
	m.fetches.Add(1)
	if m.fetchFn != nil {
		return m.fetchFn(id)
	}
	return nil, nil, &remote.APIError{Kind: remote.KindNotFound, StatusCode: 404, Message: "gone"}
}

func (m *mockAdapter) Create(_ context.Context, _ *models.Record, det *models.Detail) (*models.Detail, error) {
	m.pushes.Add(1)
	return det.Clone(), nil
}

func (m *mockAdapter) Update(_ context.Context, _ *models.Record, det *models.Detail) (*models.Detail, error) {
	m.pushes.Add(1)
	return det.Clone(), nil
}

func (m *mockAdapter) UpdateStatus(context.Context, string, models.RecordStatus) error {
	m.pushes.Add(1)
	return nil
}

func (m *mockAdapter) Delete(context.Context, string) error {
	m.pushes.Add(1)
	return nil
}

func (m *mockAdapter) CurrentUser(context.Context) (*models.User, error) {
	if m.userFn != nil {
		return m.userFn()
	}
	return &models.User{ID: "u-1", Email: "kim@example.com"}, nil
}

func (m *mockAdapter) Ping(context.Context) error { return nil }

func newTestRepo(t *testing.T, adapter *mockAdapter, online bool) (*Repository, *store.Store, *connectivity.Monitor) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	monitor := connectivity.NewMonitor(online)
	eng := engine.New(st, adapter, monitor)
	return New(st, adapter, monitor, eng), st, monitor
}

func TestCreateIsDurableBeforeAnyNetwork(t *testing.T) {
	adapter := &mockAdapter{}
	r, st, _ := newTestRepo(t, adapter, false)

	rec := &models.Record{Name: "Harbor", Status: models.StatusEditing}
	det := &models.Detail{Doc: json.RawMessage(`{"note":"x"}`)}
	if err := r.Create(rec, det); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected client-assigned id")
	}

	// Everything is durable locally with no adapter involvement.
	if _, err := st.Record(rec.ID); err != nil {
		t.Errorf("record not durable: %v", err)
	}
	if _, err := st.Detail(rec.ID); err != nil {
		t.Errorf("detail not durable: %v", err)
	}
	n, err := st.QueueLen()
	if err != nil {
		t.Fatalf("queue len: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 queued mutation, got %d", n)
	}
	if got := adapter.pushes.Load(); got != 0 {
		t.Errorf("create touched the network, %d pushes", got)
	}
}

func TestListRefreshesFromBackendWhenOnline(t *testing.T) {
	adapter := &mockAdapter{
		listFn: func() ([]models.Record, error) {
			return []models.Record{{ID: "p1", Name: "Harbor", Status: models.StatusEditing}}, nil
		},
	}
	r, st, _ := newTestRepo(t, adapter, true)

	recs, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "p1" {
		t.Fatalf("unexpected list: %+v", recs)
	}
	// The refreshed record is cached locally.
	if _, err := st.Record("p1"); err != nil {
		t.Errorf("refreshed record not cached: %v", err)
	}
}

func TestListFallsBackToLocalOnRefreshFailure(t *testing.T) {
	adapter := &mockAdapter{
		listFn: func() ([]models.Record, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	r, st, monitor := newTestRepo(t, adapter, true)

	if err := st.PutRecord(&models.Record{ID: "p1", Name: "Cached"}); err != nil {
		t.Fatalf("put record: %v", err)
	}

	recs, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("list should fall back silently, got %v", err)
	}
	if len(recs) != 1 || recs[0].Name != "Cached" {
		t.Fatalf("expected cached record, got %+v", recs)
	}
	if monitor.Online() {
		t.Error("expected transport failure to flip the monitor offline")
	}
}

func TestListServesLocalWhenOffline(t *testing.T) {
	adapter := &mockAdapter{}
	r, st, _ := newTestRepo(t, adapter, false)

	if err := st.PutRecord(&models.Record{ID: "p1", Name: "Cached"}); err != nil {
		t.Fatalf("put record: %v", err)
	}

	recs, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if got := adapter.lists.Load(); got != 0 {
		t.Errorf("offline list hit the adapter %d times", got)
	}
}

func TestGetDetailFetchesAndCachesOnMiss(t *testing.T) {
	adapter := &mockAdapter{
		fetchFn: func(id string) (*models.Record, *models.Detail, error) {
			return &models.Record{ID: id, Name: "Fetched"},
				&models.Detail{ProjectID: id, Doc: json.RawMessage(`{"note":"remote"}`)}, nil
		},
	}
	r, st, _ := newTestRepo(t, adapter, true)

	det, err := r.GetDetail(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get detail: %v", err)
	}
	if string(det.Doc) != `{"note":"remote"}` {
		t.Errorf("unexpected detail: %s", det.Doc)
	}
	if _, err := st.Record("p1"); err != nil {
		t.Errorf("fetched record not cached: %v", err)
	}

	// Second read is served locally.
	if _, err := r.GetDetail(context.Background(), "p1"); err != nil {
		t.Fatalf("second get detail: %v", err)
	}
	if got := adapter.fetches.Load(); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}
}

func TestGetDetailOfflineMissReturnsNotFound(t *testing.T) {
	adapter := &mockAdapter{}
	r, _, _ := newTestRepo(t, adapter, false)

	if _, err := r.GetDetail(context.Background(), "p-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := adapter.fetches.Load(); got != 0 {
		t.Errorf("offline miss hit the adapter %d times", got)
	}
}

func TestGetDetailBackfillsMissingRecord(t *testing.T) {
	adapter := &mockAdapter{
		fetchFn: func(id string) (*models.Record, *models.Detail, error) {
			return &models.Record{ID: id, Name: "Harbor"},
				&models.Detail{ProjectID: id, Doc: json.RawMessage(`{"v":2}`)}, nil
		},
	}
	r, st, _ := newTestRepo(t, adapter, true)

	// Detail cached without its record, e.g. after a partial wipe or a
	// crash between writes.
	if err := st.PutDetail(&models.Detail{ProjectID: "p1", Doc: json.RawMessage(`{"v":1}`)}); err != nil {
		t.Fatalf("put detail: %v", err)
	}

	det, err := r.GetDetail(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetDetail: %v", err)
	}
	if string(det.Doc) != `{"v":2}` {
		t.Errorf("expected fetched detail, got %s", det.Doc)
	}
	if got := adapter.fetches.Load(); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}
	if rec, err := st.Record("p1"); err != nil || rec.Name != "Harbor" {
		t.Errorf("expected record backfilled, got %+v, %v", rec, err)
	}
}

func TestGetDetailOfflineServesCachedDetailWithoutRecord(t *testing.T) {
	adapter := &mockAdapter{}
	r, st, _ := newTestRepo(t, adapter, false)

	if err := st.PutDetail(&models.Detail{ProjectID: "p1", Doc: json.RawMessage(`{"v":1}`)}); err != nil {
		t.Fatalf("put detail: %v", err)
	}

	det, err := r.GetDetail(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetDetail: %v", err)
	}
	if string(det.Doc) != `{"v":1}` {
		t.Errorf("expected cached detail, got %s", det.Doc)
	}
	if got := adapter.fetches.Load(); got != 0 {
		t.Errorf("offline read hit the adapter %d times", got)
	}
}

func TestUpdateStatusPatchesLocallyAndQueues(t *testing.T) {
	adapter := &mockAdapter{}
	r, st, _ := newTestRepo(t, adapter, false)

	if err := st.PutRecord(&models.Record{ID: "p1", Name: "Harbor", Status: models.StatusEditing}); err != nil {
		t.Fatalf("put record: %v", err)
	}

	if err := r.UpdateStatus("p1", models.StatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}

	rec, err := st.Record("p1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != models.StatusCompleted {
		t.Errorf("local status = %q, want completed", rec.Status)
	}

	item, err := st.NextQueueItem()
	if err != nil {
		t.Fatalf("next queue item: %v", err)
	}
	if item.Action != models.ActionUpdateStatus {
		t.Errorf("queued action = %q", item.Action)
	}
	var p models.StatusPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Status != models.StatusCompleted {
		t.Errorf("payload status = %q", p.Status)
	}
}

func TestUpdateStatusUnknownProject(t *testing.T) {
	adapter := &mockAdapter{}
	r, _, _ := newTestRepo(t, adapter, false)

	if err := r.UpdateStatus("p-missing", models.StatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveDeletesLocallyAndQueues(t *testing.T) {
	adapter := &mockAdapter{}
	r, st, _ := newTestRepo(t, adapter, false)

	if err := st.PutRecord(&models.Record{ID: "p1", Name: "Harbor"}); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := st.PutDetail(&models.Detail{ProjectID: "p1", Doc: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("put detail: %v", err)
	}

	if err := r.Remove("p1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, err := st.Record("p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record still present: %v", err)
	}
	if _, err := st.Detail("p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("detail still present: %v", err)
	}
	item, err := st.NextQueueItem()
	if err != nil {
		t.Fatalf("next queue item: %v", err)
	}
	if item.Action != models.ActionDelete || item.ProjectID != "p1" {
		t.Errorf("unexpected queued item: %+v", item)
	}
}

func TestEnsureSessionWipesOnAccountSwitch(t *testing.T) {
	adapter := &mockAdapter{
		userFn: func() (*models.User, error) {
			return &models.User{ID: "u-new", Email: "new@example.com"}, nil
		},
	}
	r, st, _ := newTestRepo(t, adapter, true)

	if err := st.SetLastUserID("u-old"); err != nil {
		t.Fatalf("set last user: %v", err)
	}
	if err := st.PutRecord(&models.Record{ID: "p1", Name: "Old user's draft"}); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if _, err := st.Enqueue(models.ActionCreate, "p1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	user, err := r.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if user == nil || user.ID != "u-new" {
		t.Fatalf("unexpected user: %+v", user)
	}

	recs, err := st.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("previous user's data survived the switch: %d records", len(recs))
	}
	n, err := st.QueueLen()
	if err != nil {
		t.Fatalf("queue len: %v", err)
	}
	if n != 0 {
		t.Errorf("previous user's queue survived the switch: %d items", n)
	}
	last, err := st.LastUserID()
	if err != nil {
		t.Fatalf("last user: %v", err)
	}
	if last != "u-new" {
		t.Errorf("last user = %q, want u-new", last)
	}
}

func TestEnsureSessionSameUserKeepsData(t *testing.T) {
	adapter := &mockAdapter{}
	r, st, _ := newTestRepo(t, adapter, true)

	if err := st.SetLastUserID("u-1"); err != nil {
		t.Fatalf("set last user: %v", err)
	}
	if err := st.PutRecord(&models.Record{ID: "p1", Name: "Draft"}); err != nil {
		t.Fatalf("put record: %v", err)
	}

	if _, err := r.EnsureSession(context.Background()); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	if _, err := st.Record("p1"); err != nil {
		t.Errorf("same-user session check lost data: %v", err)
	}
}

func TestEnsureSessionUnreachableBackendKeepsSession(t *testing.T) {
	adapter := &mockAdapter{
		userFn: func() (*models.User, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	r, st, monitor := newTestRepo(t, adapter, true)

	if err := st.SetLastUserID("u-1"); err != nil {
		t.Fatalf("set last user: %v", err)
	}
	if err := st.PutRecord(&models.Record{ID: "p1", Name: "Draft"}); err != nil {
		t.Fatalf("put record: %v", err)
	}

	user, err := r.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("expected unreachable backend to be tolerated, got %v", err)
	}
	if user != nil {
		t.Errorf("expected no user while unreachable, got %+v", user)
	}
	if _, err := st.Record("p1"); err != nil {
		t.Errorf("data lost on unreachable session check: %v", err)
	}
	if monitor.Online() {
		t.Error("expected monitor flipped offline")
	}
}

func TestEnsureSessionAuthRequiredPropagates(t *testing.T) {
	adapter := &mockAdapter{
		userFn: func() (*models.User, error) {
			return nil, &remote.APIError{Kind: remote.KindAuthRequired, StatusCode: 403, Message: "expired"}
		},
	}
	r, _, _ := newTestRepo(t, adapter, true)

	if _, err := r.EnsureSession(context.Background()); !remote.IsAuthRequired(err) {
		t.Fatalf("expected auth-required error, got %v", err)
	}
}

// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package store

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"

	"github.com/surveykit/surveysync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func TestRecordCRUD(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Record("p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}

	rec := &models.Record{ID: "p1", Name: "Harbor Survey", Status: models.StatusEditing}
	if err := s.PutRecord(rec); err != nil {
		t.Fatalf("put record: %v", err)
	}

	got, err := s.Record("p1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Name != "Harbor Survey" || got.Status != models.StatusEditing {
		t.Errorf("unexpected record: %+v", got)
	}

	// Overwrite
	rec.Status = models.StatusCompleted
	if err := s.PutRecord(rec); err != nil {
		t.Fatalf("overwrite record: %v", err)
	}
	got, err = s.Record("p1")
	if err != nil {
		t.Fatalf("get record after overwrite: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("expected completed status, got %q", got.Status)
	}

	if err := s.PutRecord(&models.Record{ID: "p2", Name: "Bridge Survey"}); err != nil {
		t.Fatalf("put second record: %v", err)
	}
	all, err := s.Records()
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}

	if err := s.DeleteRecord("p1"); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	if _, err := s.Record("p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting an absent record is not an error.
	if err := s.DeleteRecord("p1"); err != nil {
		t.Fatalf("delete absent record: %v", err)
	}
}

func TestDetailRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Detail("p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing detail, got %v", err)
	}

	det := &models.Detail{ProjectID: "p1", Doc: json.RawMessage(`{"roof":"data:image/png;base64,AAAA"}`)}
	if err := s.PutDetail(det); err != nil {
		t.Fatalf("put detail: %v", err)
	}

	got, err := s.Detail("p1")
	if err != nil {
		t.Fatalf("get detail: %v", err)
	}
	if string(got.Doc) != string(det.Doc) {
		t.Errorf("detail doc mismatch: %s", got.Doc)
	}

	if err := s.DeleteDetail("p1"); err != nil {
		t.Fatalf("delete detail: %v", err)
	}
	if _, err := s.Detail("p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestReplaceDetailCAS(t *testing.T) {
	s := newTestStore(t)

	oldDoc := json.RawMessage(`{"v":1}`)
	newDoc := json.RawMessage(`{"v":2}`)

	// Missing detail: no swap, no error.
	swapped, err := s.ReplaceDetail("p1", oldDoc, &models.Detail{ProjectID: "p1", Doc: newDoc})
	if err != nil {
		t.Fatalf("replace on missing detail: %v", err)
	}
	if swapped {
		t.Fatal("expected no swap for missing detail")
	}

	if err := s.PutDetail(&models.Detail{ProjectID: "p1", Doc: oldDoc}); err != nil {
		t.Fatalf("put detail: %v", err)
	}

	// Matching document swaps.
	swapped, err = s.ReplaceDetail("p1", oldDoc, &models.Detail{ProjectID: "p1", Doc: newDoc})
	if err != nil {
		t.Fatalf("replace detail: %v", err)
	}
	if !swapped {
		t.Fatal("expected swap for matching document")
	}
	got, err := s.Detail("p1")
	if err != nil {
		t.Fatalf("get detail: %v", err)
	}
	if string(got.Doc) != string(newDoc) {
		t.Errorf("expected swapped doc, got %s", got.Doc)
	}

	// Stale expectation leaves the stored document alone.
	swapped, err = s.ReplaceDetail("p1", oldDoc, &models.Detail{ProjectID: "p1", Doc: json.RawMessage(`{"v":3}`)})
	if err != nil {
		t.Fatalf("replace with stale expectation: %v", err)
	}
	if swapped {
		t.Fatal("expected no swap for stale expectation")
	}
	got, err = s.Detail("p1")
	if err != nil {
		t.Fatalf("get detail: %v", err)
	}
	if string(got.Doc) != string(newDoc) {
		t.Errorf("stored doc changed despite stale expectation: %s", got.Doc)
	}
}

func TestQueueFIFO(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.NextQueueItem(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty queue, got %v", err)
	}

	seq1, err := s.Enqueue(models.ActionCreate, "p1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	seq2, err := s.Enqueue(models.ActionUpdate, "p1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	seq3, err := s.Enqueue(models.ActionDelete, "p2", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !(seq1 < seq2 && seq2 < seq3) {
		t.Fatalf("sequences not strictly increasing: %d %d %d", seq1, seq2, seq3)
	}

	n, err := s.QueueLen()
	if err != nil {
		t.Fatalf("queue len: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pending items, got %d", n)
	}

	wantOrder := []models.Action{models.ActionCreate, models.ActionUpdate, models.ActionDelete}
	for i, want := range wantOrder {
		item, err := s.NextQueueItem()
		if err != nil {
			t.Fatalf("next item %d: %v", i, err)
		}
		if item.Action != want {
			t.Fatalf("item %d: expected action %q, got %q", i, want, item.Action)
		}
		if err := s.RemoveQueueItem(item.Seq); err != nil {
			t.Fatalf("remove item %d: %v", i, err)
		}
	}

	if _, err := s.NextQueueItem(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected empty queue after drain, got %v", err)
	}
}

func TestQueueSequenceNeverReused(t *testing.T) {
	s := newTestStore(t)

	seq1, err := s.Enqueue(models.ActionCreate, "p1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.RemoveQueueItem(seq1); err != nil {
		t.Fatalf("remove: %v", err)
	}

	seq2, err := s.Enqueue(models.ActionUpdate, "p1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequence reused after removal: %d then %d", seq1, seq2)
	}
}

func TestQueuePayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	payload, err := json.Marshal(models.StatusPayload{Status: models.StatusCompleted})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if _, err := s.Enqueue(models.ActionUpdateStatus, "p1", payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	item, err := s.NextQueueItem()
	if err != nil {
		t.Fatalf("next item: %v", err)
	}
	var got models.StatusPayload
	if err := json.Unmarshal(item.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("expected completed payload, got %q", got.Status)
	}
	if item.EnqueuedAt.IsZero() {
		t.Error("expected EnqueuedAt to be set")
	}
}

func TestLastUserID(t *testing.T) {
	s := newTestStore(t)

	id, err := s.LastUserID()
	if err != nil {
		t.Fatalf("last user on fresh store: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty last user, got %q", id)
	}

	if err := s.SetLastUserID("u-42"); err != nil {
		t.Fatalf("set last user: %v", err)
	}
	id, err = s.LastUserID()
	if err != nil {
		t.Fatalf("last user: %v", err)
	}
	if id != "u-42" {
		t.Errorf("expected u-42, got %q", id)
	}
}

func TestWipeClearsAllCollections(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutRecord(&models.Record{ID: "p1", Name: "A"}); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := s.PutDetail(&models.Detail{ProjectID: "p1", Doc: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("put detail: %v", err)
	}
	if _, err := s.Enqueue(models.ActionCreate, "p1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.SetLastUserID("u-1"); err != nil {
		t.Fatalf("set last user: %v", err)
	}

	if err := s.Wipe(); err != nil {
		t.Fatalf("wipe: %v", err)
	}

	recs, err := s.Records()
	if err != nil {
		t.Fatalf("records after wipe: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records after wipe, got %d", len(recs))
	}
	if _, err := s.Detail("p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no detail after wipe, got %v", err)
	}
	n, err := s.QueueLen()
	if err != nil {
		t.Fatalf("queue len after wipe: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue after wipe, got %d", n)
	}

	// The sequence counter resets with the queue.
	seq, err := s.Enqueue(models.ActionCreate, "p2", nil)
	if err != nil {
		t.Fatalf("enqueue after wipe: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected sequence restart at 1 after wipe, got %d", seq)
	}

	// The identity marker survives; the caller overwrites it right after.
	id, err := s.LastUserID()
	if err != nil {
		t.Fatalf("last user after wipe: %v", err)
	}
	if id != "u-1" {
		t.Errorf("expected last user to survive wipe, got %q", id)
	}
}

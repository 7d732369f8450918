// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

// Package store is the durable local store backing the sync engine: a thin
// wrapper over BadgerDB holding three collections (project records, report
// detail documents, and the append-only mutation queue) plus two small
// session markers. It contains no business logic.
//
// Collections are key prefixes inside a single Badger instance, so
// multi-collection operations (Wipe in particular) are a single atomic
// transaction. Reads of missing keys return ErrNotFound rather than
// panicking or fabricating zero values; write failures surface as wrapped
// Badger errors, never silent drops.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/surveykit/surveysync/internal/models"
)

// Key prefixes for the three collections and the out-of-band markers.
const (
	recordKeyPrefix = "record:"
	detailKeyPrefix = "detail:"
	queueKeyPrefix  = "queue:"
	queueSeqKey     = "meta:queue_seq"
	lastUserKey     = "meta:last_user"
)

// ErrNotFound is returned when a record, detail, or queue item does not
// exist. Callers distinguish absence from storage failure with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Store wraps a Badger database with the collections the engine needs.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) the local store at the given path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// recordKey returns the key for a project record.
func recordKey(id string) []byte { return []byte(recordKeyPrefix + id) }

// detailKey returns the key for a report detail document.
func detailKey(id string) []byte { return []byte(detailKeyPrefix + id) }

// queueKey returns the key for a queue item. The sequence is zero-padded
// so lexicographic key order equals numeric sequence order.
func queueKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", queueKeyPrefix, seq))
}

// Records returns all project records. The result is empty, never nil
// semantics beyond len()==0, when the collection is empty.
func (s *Store) Records() ([]models.Record, error) {
	records := []models.Record{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(recordKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec models.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode record %s: %w", it.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Record returns the project record with the given id, or ErrNotFound.
func (s *Store) Record(id string) (*models.Record, error) {
	var rec models.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutRecord stores or overwrites a project record.
func (s *Store) PutRecord(rec *models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(rec.ID), data); err != nil {
			return fmt.Errorf("set record: %w", err)
		}
		return nil
	})
}

// DeleteRecord removes a project record. Deleting an absent record is not
// an error.
func (s *Store) DeleteRecord(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(recordKey(id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete record: %w", err)
		}
		return nil
	})
}

// Detail returns the report detail document for a project, or ErrNotFound.
func (s *Store) Detail(id string) (*models.Detail, error) {
	var det models.Detail
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(detailKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get detail: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &det)
		})
	})
	if err != nil {
		return nil, err
	}
	return &det, nil
}

// PutDetail stores or overwrites a report detail document.
func (s *Store) PutDetail(det *models.Detail) error {
	data, err := json.Marshal(det)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(detailKey(det.ProjectID), data); err != nil {
			return fmt.Errorf("set detail: %w", err)
		}
		return nil
	})
}

// ReplaceDetail swaps the stored detail document for a project only if its
// current document bytes still equal old. It returns false when the stored
// document has changed (or vanished) in the meantime, in which case nothing
// is written. The engine uses this to persist media-resolved documents
// without clobbering edits made while a push was in flight.
func (s *Store) ReplaceDetail(id string, old json.RawMessage, next *models.Detail) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("marshal detail: %w", err)
	}

	replaced := false
	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(detailKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get detail: %w", err)
		}

		var cur models.Detail
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cur)
		}); err != nil {
			return fmt.Errorf("decode detail: %w", err)
		}
		if !bytes.Equal(cur.Doc, old) {
			return nil
		}

		if err := txn.Set(detailKey(id), data); err != nil {
			return fmt.Errorf("set detail: %w", err)
		}
		replaced = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return replaced, nil
}

// DeleteDetail removes a report detail document. Absence is not an error.
func (s *Store) DeleteDetail(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(detailKey(id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete detail: %w", err)
		}
		return nil
	})
}

// Enqueue appends a mutation to the queue, allocating the next sequence
// number in the same transaction as the item write.
func (s *Store) Enqueue(action models.Action, projectID string, payload json.RawMessage) (uint64, error) {
	var seq uint64

	err := s.db.Update(func(txn *badger.Txn) error {
		next, err := nextSeq(txn)
		if err != nil {
			return err
		}

		item := models.QueueItem{
			Seq:        next,
			Action:     action,
			ProjectID:  projectID,
			Payload:    payload,
			EnqueuedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("marshal queue item: %w", err)
		}

		if err := txn.Set(queueKey(next), data); err != nil {
			return fmt.Errorf("set queue item: %w", err)
		}
		if err := txn.Set([]byte(queueSeqKey), encodeSeq(next)); err != nil {
			return fmt.Errorf("set queue sequence: %w", err)
		}

		seq = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// nextSeq reads the sequence counter inside a transaction and returns the
// next value. The counter starts at 1 on a fresh store.
func nextSeq(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(queueSeqKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get queue sequence: %w", err)
	}

	var cur uint64
	if err := item.Value(func(val []byte) error {
		cur, err = decodeSeq(val)
		return err
	}); err != nil {
		return 0, err
	}
	return cur + 1, nil
}

func encodeSeq(seq uint64) []byte {
	return []byte(fmt.Sprintf("%d", seq))
}

func decodeSeq(val []byte) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(string(val), "%d", &seq); err != nil {
		return 0, fmt.Errorf("decode queue sequence %q: %w", val, err)
	}
	return seq, nil
}

// Queue returns all pending queue items in ascending sequence order.
func (s *Store) Queue() ([]models.QueueItem, error) {
	items := []models.QueueItem{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(queueKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var qi models.QueueItem
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &qi)
			})
			if err != nil {
				return fmt.Errorf("decode queue item %s: %w", it.Item().Key(), err)
			}
			items = append(items, qi)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// NextQueueItem returns the lowest-sequence pending item, or ErrNotFound
// when the queue is empty. The drain loop fetches items one at a time so
// work enqueued mid-drain is picked up in the same pass.
func (s *Store) NextQueueItem() (*models.QueueItem, error) {
	var qi models.QueueItem
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(queueKeyPrefix)
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return ErrNotFound
		}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &qi)
		})
	})
	if err != nil {
		return nil, err
	}
	return &qi, nil
}

// RemoveQueueItem removes one queue item by sequence. The engine calls this
// only after the item's remote effect has durably landed (or the item was
// confirmed skippable).
func (s *Store) RemoveQueueItem(seq uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(queueKey(seq)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete queue item: %w", err)
		}
		return nil
	})
}

// QueueLen returns the number of pending queue items.
func (s *Store) QueueLen() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(queueKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// LastUserID returns the identity recorded by the last successful session,
// or "" when no identity has been seen yet.
func (s *Store) LastUserID() (string, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lastUserKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get last user: %w", err)
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetLastUserID records the authenticated identity that owns the cached
// data from now on.
func (s *Store) SetLastUserID(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(lastUserKey), []byte(id)); err != nil {
			return fmt.Errorf("set last user: %w", err)
		}
		return nil
	})
}

// Wipe clears records, details, and the queue (sequence counter included)
// in one transaction. Partial application would leak one identity's queued
// mutations into another's session, so atomicity here is a correctness
// requirement, not an optimization.
func (s *Store) Wipe() error {
	return s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for _, prefix := range [][]byte{
			[]byte(recordKeyPrefix),
			[]byte(detailKeyPrefix),
			[]byte(queueKeyPrefix),
		} {
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		it.Close()

		keys = append(keys, []byte(queueSeqKey))
		for _, key := range keys {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("wipe %s: %w", key, err)
			}
		}
		return nil
	})
}

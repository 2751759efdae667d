// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package webhooktest provides in-memory implementations of the webhook
// store interfaces for tests.
package webhooktest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uploadgate/uploadgate/gateway/webhook"
)

// DB is an in-memory webhook.DB.
type DB struct {
	mu      sync.Mutex
	records map[string]*webhook.Record
}

// NewDB creates an empty in-memory webhook store.
func NewDB() *DB {
	return &DB{records: make(map[string]*webhook.Record)}
}

func (db *DB) clone(record *webhook.Record) *webhook.Record {
	copied := *record
	return &copied
}

// Create implements webhook.DB.
func (db *DB) Create(ctx context.Context, record *webhook.Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.records[record.ID]; ok {
		return webhook.Error.New("duplicate id %q", record.ID)
	}
	now := time.Now().UTC()
	copied := *record
	copied.CreatedAt = now
	copied.UpdatedAt = now
	db.records[record.ID] = &copied
	return nil
}

// Get implements webhook.DB.
func (db *DB) Get(ctx context.Context, id string) (*webhook.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	record, ok := db.records[id]
	if !ok {
		return nil, webhook.ErrNotFound.New("%q", id)
	}
	return db.clone(record), nil
}

// GetForTenant implements webhook.DB.
func (db *DB) GetForTenant(ctx context.Context, tenantID, id string) (*webhook.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	record, ok := db.records[id]
	if !ok || record.TenantID != tenantID {
		return nil, webhook.ErrNotFound.New("%q", id)
	}
	return db.clone(record), nil
}

// List implements webhook.DB.
func (db *DB) List(ctx context.Context, tenantID string, status *webhook.Status, limit, offset int) ([]*webhook.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var matched []*webhook.Record
	for _, record := range db.records {
		if record.TenantID != tenantID {
			continue
		}
		if status != nil && record.Status != *status {
			continue
		}
		matched = append(matched, db.clone(record))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// SetConfirmed implements webhook.DB.
func (db *DB) SetConfirmed(ctx context.Context, id, etag string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	record, ok := db.records[id]
	if !ok {
		return webhook.ErrNotFound.New("%q", id)
	}
	if record.Status != webhook.StatusPending {
		return nil
	}
	record.Status = webhook.StatusVerifying
	if etag != "" {
		record.ETag = etag
	}
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyUpdate implements webhook.DB. Updates against completed or
// dead-lettered records are dropped.
func (db *DB) ApplyUpdate(ctx context.Context, id string, update webhook.Update) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	record, ok := db.records[id]
	if !ok {
		return webhook.ErrNotFound.New("%q", id)
	}
	if record.Status == webhook.StatusCompleted || record.Status == webhook.StatusDeadLetter {
		return nil
	}

	record.Status = update.Status
	record.AttemptCount = update.AttemptCount
	record.LastAttemptAt = update.LastAttemptAt
	record.NextRetryAt = update.NextRetryAt
	record.ErrorMessage = update.ErrorMessage
	record.ResponseStatus = update.ResponseStatus
	record.ResponseBody = update.ResponseBody
	if update.ETag != "" {
		record.ETag = update.ETag
	}
	if update.FileSize > 0 {
		record.FileSize = update.FileSize
	}
	if update.CompletedAt != nil {
		record.CompletedAt = update.CompletedAt
	}
	if update.FailedAt != nil {
		record.FailedAt = update.FailedAt
	}
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// ResetForRetry implements webhook.DB.
func (db *DB) ResetForRetry(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	record, ok := db.records[id]
	if !ok {
		return webhook.ErrNotFound.New("%q", id)
	}
	if record.Status == webhook.StatusCompleted {
		return webhook.ErrCompleted.New("%q", id)
	}
	record.Status = webhook.StatusPending
	record.AttemptCount = 0
	record.ErrorMessage = ""
	record.NextRetryAt = nil
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete implements webhook.DB.
func (db *DB) Delete(ctx context.Context, tenantID, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	record, ok := db.records[id]
	if !ok || record.TenantID != tenantID {
		return webhook.ErrNotFound.New("%q", id)
	}
	if record.Status == webhook.StatusCompleted {
		return webhook.ErrCompleted.New("%q", id)
	}
	delete(db.records, id)
	return nil
}

// DeleteCompletedBefore implements webhook.DB.
func (db *DB) DeleteCompletedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var deleted int64
	for id, record := range db.records {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if record.Status != webhook.StatusCompleted {
			continue
		}
		if record.CompletedAt == nil || !record.CompletedAt.Before(before) {
			continue
		}
		delete(db.records, id)
		deleted++
	}
	return deleted, nil
}

// DeadLetterDB is an in-memory webhook.DeadLetterDB.
type DeadLetterDB struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*webhook.DeadLetterEntry
}

// NewDeadLetterDB creates an empty in-memory dead-letter store.
func NewDeadLetterDB() *DeadLetterDB {
	return &DeadLetterDB{entries: make(map[int64]*webhook.DeadLetterEntry)}
}

// Insert implements webhook.DeadLetterDB.
func (db *DeadLetterDB) Insert(ctx context.Context, entry *webhook.DeadLetterEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.nextID++
	copied := *entry
	copied.ID = db.nextID
	copied.CreatedAt = time.Now().UTC()
	db.entries[copied.ID] = &copied
	entry.ID = copied.ID
	return nil
}

// DueForRetry implements webhook.DeadLetterDB.
func (db *DeadLetterDB) DueForRetry(ctx context.Context, now time.Time, limit int) ([]*webhook.DeadLetterEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var due []*webhook.DeadLetterEntry
	for _, entry := range db.entries {
		if entry.Resolved || entry.RetryAfter.After(now) {
			continue
		}
		copied := *entry
		due = append(due, &copied)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Resolve implements webhook.DeadLetterDB.
func (db *DeadLetterDB) Resolve(ctx context.Context, id int64, actorID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	entry, ok := db.entries[id]
	if !ok {
		return webhook.ErrNotFound.New("dead letter %d", id)
	}
	now := time.Now().UTC()
	entry.Resolved = true
	entry.ResolvedAt = &now
	entry.ResolvedBy = actorID
	return nil
}

// Delete implements webhook.DeadLetterDB.
func (db *DeadLetterDB) Delete(ctx context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.entries[id]; !ok {
		return webhook.ErrNotFound.New("dead letter %d", id)
	}
	delete(db.entries, id)
	return nil
}

// Entries returns a snapshot of all dead-letter entries, for assertions.
func (db *DeadLetterDB) Entries() []*webhook.DeadLetterEntry {
	db.mu.Lock()
	defer db.mu.Unlock()

	var all []*webhook.DeadLetterEntry
	for _, entry := range db.entries {
		copied := *entry
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

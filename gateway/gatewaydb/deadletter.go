// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/private/tagsql"

	"github.com/uploadgate/uploadgate/gateway/webhook"
)

// deadLetterDB implements webhook.DeadLetterDB.
//
// architecture: Database
type deadLetterDB struct {
	db tagsql.DB
}

// Insert adds a dead-letter entry.
func (db *deadLetterDB) Insert(ctx context.Context, entry *webhook.DeadLetterEntry) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `
		INSERT INTO webhook_dead_letter (
			webhook_id, original_snapshot, failure_reason, attempt_count, retry_after
		) VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		entry.WebhookID, entry.OriginalSnapshot, entry.FailureReason,
		entry.AttemptCount, entry.RetryAfter,
	).Scan(&entry.ID, &entry.CreatedAt)
	return webhook.Error.Wrap(err)
}

// DueForRetry returns unresolved entries whose retryAfter has passed.
func (db *deadLetterDB) DueForRetry(ctx context.Context, now time.Time, limit int) (_ []*webhook.DeadLetterEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, webhook_id, original_snapshot, failure_reason, attempt_count,
			created_at, retry_after, resolved, resolved_at, resolved_by
		FROM webhook_dead_letter
		WHERE resolved = false AND retry_after <= $1
		ORDER BY retry_after
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, webhook.Error.Wrap(err)
	}
	defer func() { err = webhook.Error.Wrap(errs.Combine(err, rows.Err(), rows.Close())) }()

	var entries []*webhook.DeadLetterEntry
	for rows.Next() {
		var entry webhook.DeadLetterEntry
		err := rows.Scan(&entry.ID, &entry.WebhookID, &entry.OriginalSnapshot,
			&entry.FailureReason, &entry.AttemptCount, &entry.CreatedAt,
			&entry.RetryAfter, &entry.Resolved, &entry.ResolvedAt, &entry.ResolvedBy)
		if err != nil {
			return nil, webhook.Error.Wrap(err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Resolve marks an entry handled by an operator without requeueing.
func (db *deadLetterDB) Resolve(ctx context.Context, id int64, actorID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE webhook_dead_letter
		SET resolved = true, resolved_at = now(), resolved_by = $2
		WHERE id = $1`,
		id, actorID)
	if err != nil {
		return webhook.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return webhook.Error.Wrap(err)
	}
	if affected == 0 {
		return webhook.ErrNotFound.New("dead letter %d", id)
	}
	return nil
}

// Delete removes an entry.
func (db *deadLetterDB) Delete(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx,
		`DELETE FROM webhook_dead_letter WHERE id = $1`, id)
	if err != nil {
		return webhook.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return webhook.Error.Wrap(err)
	}
	if affected == 0 {
		return webhook.ErrNotFound.New("dead letter %d", id)
	}
	return nil
}

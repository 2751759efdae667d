// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/zeebo/errs"

	"storj.io/private/tagsql"

	"github.com/uploadgate/uploadgate/gateway/webhook"
)

// webhooksDB implements webhook.DB.
//
// architecture: Database
type webhooksDB struct {
	db tagsql.DB
}

const webhookColumns = `
	id, tenant_id, api_key_id, target_url, secret, trigger_mode, provider,
	locator, filename, content_type, file_size, etag, status, attempt_count,
	last_attempt_at, next_retry_at, error_message, created_at, updated_at,
	expires_at, completed_at, failed_at, metadata, response_status, response_body`

// Create inserts a pending record.
func (db *webhooksDB) Create(ctx context.Context, record *webhook.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	locator, err := json.Marshal(record.Locator)
	if err != nil {
		return webhook.Error.Wrap(err)
	}
	var metadata []byte
	if record.Metadata != nil {
		metadata, err = json.Marshal(record.Metadata)
		if err != nil {
			return webhook.Error.Wrap(err)
		}
	}

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO webhooks (
			id, tenant_id, api_key_id, target_url, secret, trigger_mode,
			provider, locator, filename, content_type, file_size, status,
			metadata, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		record.ID, record.TenantID, record.APIKeyID, record.TargetURL,
		record.Secret, string(record.Trigger), string(record.Provider),
		locator, record.Filename, record.ContentType, record.FileSize,
		string(webhook.StatusPending), metadata, record.ExpiresAt)
	return webhook.Error.Wrap(err)
}

// Get returns a record by id regardless of owner.
func (db *webhooksDB) Get(ctx context.Context, id string) (_ *webhook.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	return scanWebhook(row, id)
}

// GetForTenant returns a record owned by tenantID.
func (db *webhooksDB) GetForTenant(ctx context.Context, tenantID, id string) (_ *webhook.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	return scanWebhook(row, id)
}

// List returns a tenant's records, newest first.
func (db *webhooksDB) List(ctx context.Context, tenantID string, status *webhook.Status, limit, offset int) (_ []*webhook.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit) + ` OFFSET ` + strconv.Itoa(offset)

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, webhook.Error.Wrap(err)
	}
	defer func() { err = webhook.Error.Wrap(errs.Combine(err, rows.Err(), rows.Close())) }()

	var records []*webhook.Record
	for rows.Next() {
		record, err := scanWebhook(rows, "")
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// SetConfirmed transitions pending -> verifying, recording the client
// supplied etag.
func (db *webhooksDB) SetConfirmed(ctx context.Context, id, etag string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE webhooks
		SET status = $2,
			etag = CASE WHEN $3 = '' THEN etag ELSE $3 END,
			updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, string(webhook.StatusVerifying), etag, string(webhook.StatusPending))
	return webhook.Error.Wrap(err)
}

// ApplyUpdate commits a delivery outcome. Completed and dead-lettered
// records are left untouched.
func (db *webhooksDB) ApplyUpdate(ctx context.Context, id string, update webhook.Update) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE webhooks
		SET status = $2,
			attempt_count = $3,
			last_attempt_at = $4,
			next_retry_at = $5,
			error_message = $6,
			response_status = $7,
			response_body = $8,
			etag = CASE WHEN $9 = '' THEN etag ELSE $9 END,
			file_size = CASE WHEN $10 <= 0 THEN file_size ELSE $10 END,
			completed_at = COALESCE($11, completed_at),
			failed_at = COALESCE($12, failed_at),
			updated_at = now()
		WHERE id = $1 AND status NOT IN ($13, $14)`,
		id, string(update.Status), update.AttemptCount,
		update.LastAttemptAt, update.NextRetryAt, update.ErrorMessage,
		update.ResponseStatus, update.ResponseBody,
		update.ETag, update.FileSize,
		update.CompletedAt, update.FailedAt,
		string(webhook.StatusCompleted), string(webhook.StatusDeadLetter))
	return webhook.Error.Wrap(err)
}

// ResetForRetry zeroes attempts and sets the record back to pending.
func (db *webhooksDB) ResetForRetry(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE webhooks
		SET status = $2, attempt_count = 0, error_message = '',
			next_retry_at = NULL, updated_at = now()
		WHERE id = $1 AND status <> $3`,
		id, string(webhook.StatusPending), string(webhook.StatusCompleted))
	if err != nil {
		return webhook.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return webhook.Error.Wrap(err)
	}
	if affected == 0 {
		return db.refusalReason(ctx, id)
	}
	return nil
}

// Delete removes a record. Refused for completed records.
func (db *webhooksDB) Delete(ctx context.Context, tenantID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		DELETE FROM webhooks
		WHERE id = $1 AND tenant_id = $2 AND status <> $3`,
		id, tenantID, string(webhook.StatusCompleted))
	if err != nil {
		return webhook.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return webhook.Error.Wrap(err)
	}
	if affected == 0 {
		return db.refusalReason(ctx, id)
	}
	return nil
}

// refusalReason distinguishes a missing record from a completed one after
// a guarded write matched no rows.
func (db *webhooksDB) refusalReason(ctx context.Context, id string) error {
	var status string
	err := db.db.QueryRowContext(ctx,
		`SELECT status FROM webhooks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.ErrNotFound.New("%q", id)
	}
	if err != nil {
		return webhook.Error.Wrap(err)
	}
	if status == string(webhook.StatusCompleted) {
		return webhook.ErrCompleted.New("%q", id)
	}
	return webhook.ErrNotFound.New("%q", id)
}

// DeleteCompletedBefore removes completed records older than the given
// time, up to limit rows.
func (db *webhooksDB) DeleteCompletedBefore(ctx context.Context, before time.Time, limit int) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		DELETE FROM webhooks
		WHERE id IN (
			SELECT id FROM webhooks
			WHERE status = $1 AND completed_at < $2
			LIMIT $3
		)`,
		string(webhook.StatusCompleted), before, limit)
	if err != nil {
		return 0, webhook.Error.Wrap(err)
	}
	deleted, err := result.RowsAffected()
	return deleted, webhook.Error.Wrap(err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWebhook(row rowScanner, id string) (*webhook.Record, error) {
	var record webhook.Record
	var trigger, provider, status string
	var locator []byte
	var metadata []byte

	err := row.Scan(
		&record.ID, &record.TenantID, &record.APIKeyID, &record.TargetURL,
		&record.Secret, &trigger, &provider,
		&locator, &record.Filename, &record.ContentType, &record.FileSize,
		&record.ETag, &status, &record.AttemptCount,
		&record.LastAttemptAt, &record.NextRetryAt, &record.ErrorMessage,
		&record.CreatedAt, &record.UpdatedAt, &record.ExpiresAt,
		&record.CompletedAt, &record.FailedAt, &metadata,
		&record.ResponseStatus, &record.ResponseBody)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrNotFound.New("%q", id)
	}
	if err != nil {
		return nil, webhook.Error.Wrap(err)
	}

	record.Trigger = webhook.TriggerMode(trigger)
	record.Provider = webhook.Provider(provider)
	record.Status = webhook.Status(status)
	if len(locator) > 0 {
		if err := json.Unmarshal(locator, &record.Locator); err != nil {
			return nil, webhook.Error.Wrap(err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return nil, webhook.Error.Wrap(err)
		}
	}
	return &record, nil
}

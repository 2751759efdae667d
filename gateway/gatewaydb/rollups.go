// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/zeebo/errs"

	"storj.io/private/tagsql"

	"github.com/uploadgate/uploadgate/gateway/accounting"
)

// rollupsDB implements accounting.RollupDB.
//
// architecture: Database
type rollupsDB struct {
	db tagsql.DB
}

// Upsert overwrites the daily_rollup row for (apiKeyID, date) wholesale
// and folds the request delta into the tenant's monthly provider_usage
// row. Re-rolling the same key is idempotent.
func (db *rollupsDB) Upsert(ctx context.Context, usage accounting.DailyUsage) (err error) {
	defer mon.Task()(&ctx)(&err)

	providers, err := json.Marshal(usage.Providers)
	if err != nil {
		return Error.Wrap(err)
	}
	fileTypes, err := json.Marshal(usage.FileTypes)
	if err != nil {
		return Error.Wrap(err)
	}
	fileCategories, err := json.Marshal(usage.FileCategories)
	if err != nil {
		return Error.Wrap(err)
	}
	if len(usage.Date) < 7 {
		return Error.New("malformed date %q", usage.Date)
	}
	month := usage.Date[:7]

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
	}()

	var previous int64
	err = tx.QueryRowContext(ctx, `
		SELECT total_requests FROM daily_rollup
		WHERE api_key_id = $1 AND date = $2`,
		usage.APIKeyID, usage.Date,
	).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_rollup (
			api_key_id, date, tenant_id, total_requests,
			providers, file_types, file_categories, last_used_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT ( api_key_id, date ) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			total_requests = EXCLUDED.total_requests,
			providers = EXCLUDED.providers,
			file_types = EXCLUDED.file_types,
			file_categories = EXCLUDED.file_categories,
			last_used_at = EXCLUDED.last_used_at,
			updated_at = now()`,
		usage.APIKeyID, usage.Date, usage.TenantID, usage.TotalRequests,
		providers, fileTypes, fileCategories, usage.LastUsedAt)
	if err != nil {
		return err
	}

	if delta := usage.TotalRequests - previous; delta != 0 && usage.TenantID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO provider_usage ( tenant_id, month, used )
			VALUES ($1, $2, $3)
			ON CONFLICT ( tenant_id, month ) DO UPDATE SET
				used = provider_usage.used + $3,
				updated_at = now()`,
			usage.TenantID, month, delta)
		if err != nil {
			return err
		}
	}

	return Error.Wrap(tx.Commit())
}

// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package gatewaydb implements the gateway's master database on
// postgres.
package gatewaydb

import (
	"context"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/private/dbutil"
	"storj.io/private/tagsql"

	"github.com/uploadgate/uploadgate/gateway"
	"github.com/uploadgate/uploadgate/gateway/accounting"
	"github.com/uploadgate/uploadgate/gateway/admission"
	"github.com/uploadgate/uploadgate/gateway/webhook"
)

var (
	// Error is a gatewaydb error.
	Error = errs.Class("gatewaydb")

	mon = monkit.Package()
)

// DB is the postgres master database.
//
// architecture: Master Database
type DB struct {
	log *zap.Logger
	db  tagsql.DB
}

var _ gateway.DB = (*DB)(nil)

// Open connects to the master database.
func Open(ctx context.Context, log *zap.Logger, connstr string) (*DB, error) {
	db, err := tagsql.Open(ctx, "pgx", connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	dbutil.Configure(ctx, db, "gatewaydb", mon)

	return &DB{log: log, db: db}, nil
}

// MigrateToLatest initializes or upgrades the schema.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.migration().Run(ctx, db.log.Named("migrate"), db.db)
}

// Webhooks returns the webhook record store.
func (db *DB) Webhooks() webhook.DB { return &webhooksDB{db: db.db} }

// DeadLetters returns the dead-letter store.
func (db *DB) DeadLetters() webhook.DeadLetterDB { return &deadLetterDB{db: db.db} }

// Quotas returns the monthly tenant quota store.
func (db *DB) Quotas() admission.QuotaDB { return &quotasDB{db: db.db} }

// Rollups returns the daily usage rollup store.
func (db *DB) Rollups() accounting.RollupDB { return &rollupsDB{db: db.db} }

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

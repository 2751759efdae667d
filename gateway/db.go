// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package gateway

import (
	"context"

	"github.com/uploadgate/uploadgate/gateway/accounting"
	"github.com/uploadgate/uploadgate/gateway/admission"
	"github.com/uploadgate/uploadgate/gateway/webhook"
)

// DB is the master database for the gateway.
//
// architecture: Master Database
type DB interface {
	// MigrateToLatest initializes or upgrades the schema.
	MigrateToLatest(ctx context.Context) error

	// Webhooks returns the webhook record store.
	Webhooks() webhook.DB
	// DeadLetters returns the dead-letter store.
	DeadLetters() webhook.DeadLetterDB
	// Quotas returns the monthly tenant quota store.
	Quotas() admission.QuotaDB
	// Rollups returns the daily usage rollup store.
	Rollups() accounting.RollupDB

	// Close closes the database.
	Close() error
}

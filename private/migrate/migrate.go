// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package migrate runs versioned schema migrations against a tagsql
// database.
package migrate

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/private/tagsql"
)

// Error is a migration error.
var Error = errs.Class("migrate")

// Step is a single schema version. Statements run inside one transaction
// together with the version bump.
type Step struct {
	Version     int
	Description string
	Statements  []string
}

// Migration is an ordered list of steps tracked in a versions table.
type Migration struct {
	Table string
	Steps []Step
}

// Run applies all steps past the database's current version, each in its
// own transaction.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger, db tagsql.DB) error {
	if migration.Table == "" {
		return Error.New("versions table not set")
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migration.Table+` (
			version integer NOT NULL,
			commited_at timestamp with time zone NOT NULL,
			PRIMARY KEY ( version )
		)`)
	if err != nil {
		return Error.Wrap(err)
	}

	current, err := migration.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range migration.Steps {
		if step.Version <= current {
			continue
		}
		if err := migration.runStep(ctx, db, step); err != nil {
			return Error.New("step %d (%s): %v", step.Version, step.Description, err)
		}
		log.Info("schema migrated", zap.Int("version", step.Version), zap.String("description", step.Description))
	}
	return nil
}

// CurrentVersion returns the highest applied version, or -1 for a fresh
// database.
func (migration *Migration) CurrentVersion(ctx context.Context, db tagsql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT max(version) FROM `+migration.Table).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return -1, Error.Wrap(err)
	}
	if !version.Valid {
		return -1, nil
	}
	return int(version.Int64), nil
}

func (migration *Migration) runStep(ctx context.Context, db tagsql.DB, step Step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	for _, statement := range step.Statements {
		if _, err = tx.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+migration.Table+` (version, commited_at) VALUES ($1, now())`, step.Version)
	if err != nil {
		return err
	}
	return tx.Commit()
}

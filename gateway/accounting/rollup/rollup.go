// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package rollup moves daily usage aggregates from the counter store into
// the durable store.
package rollup

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/uploadgate/uploadgate/gateway/accounting"
)

var (
	// Error is a rollup error.
	Error = errs.Class("rollup")

	mon = monkit.Package()
)

// Config configures the rollup chore.
type Config struct {
	Interval time.Duration `help:"how often the rollup runs" default:"24h"`
	PageSize int64         `help:"counter store keys scanned per page" default:"200"`
}

// Service periodically rolls counter-store aggregates up into the durable
// store. Each key is an independent unit of work: the counter-store key is
// deleted only after its durable upsert commits, so a failed upsert is
// simply retried on the next run.
//
// architecture: Chore
type Service struct {
	log        *zap.Logger
	aggregator *accounting.Aggregator
	db         accounting.RollupDB
	config     Config

	Loop *sync2.Cycle
}

// New creates a rollup service.
func New(log *zap.Logger, aggregator *accounting.Aggregator, db accounting.RollupDB, config Config) *Service {
	return &Service{
		log:        log,
		aggregator: aggregator,
		db:         db,
		config:     config,
		Loop:       sync2.NewCycle(config.Interval),
	}
}

// Run runs the rollup on its interval.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if _, err := service.RollupAll(ctx); err != nil {
			service.log.Error("rollup failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the rollup loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// RollupAll rolls up every pending aggregate and returns how many rows
// were committed.
func (service *Service) RollupAll(ctx context.Context) (rolled int, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.rollup(ctx, "")
}

// RollupDate rolls up aggregates for a single date, for on-demand
// operator runs.
func (service *Service) RollupDate(ctx context.Context, date string) (rolled int, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return 0, Error.New("invalid date %q", date)
	}
	return service.rollup(ctx, date)
}

func (service *Service) rollup(ctx context.Context, dateFilter string) (rolled int, err error) {
	var cursor uint64
	for {
		page, err := service.aggregator.ReadPage(ctx, cursor, service.config.PageSize)
		if err != nil {
			return rolled, err
		}

		for _, usage := range page.Usages {
			if dateFilter != "" && usage.Date != dateFilter {
				continue
			}
			if err := service.db.Upsert(ctx, usage); err != nil {
				// leave the key for the next run
				service.log.Error("rollup upsert failed",
					zap.String("apiKeyId", usage.APIKeyID),
					zap.String("date", usage.Date),
					zap.Error(err))
				continue
			}
			if err := service.aggregator.DeleteKey(ctx, usage.APIKeyID, usage.Date); err != nil {
				service.log.Warn("rolled up key not deleted",
					zap.String("apiKeyId", usage.APIKeyID),
					zap.String("date", usage.Date),
					zap.Error(err))
				continue
			}
			rolled++
		}

		if page.Next == 0 {
			return rolled, nil
		}
		cursor = page.Next
	}
}

// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package reaper gives dead-lettered webhooks another chance: due entries
// are reset and re-enqueued, resolved entries stay put.
package reaper

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/uploadgate/uploadgate/gateway/webhook"
)

var (
	// Error is a reaper error.
	Error = errs.Class("dead-letter reaper")

	mon = monkit.Package()
)

// Config configures the reaper.
type Config struct {
	Interval time.Duration `help:"how often due dead-letter entries are retried" default:"5m"`
	Limit    int           `help:"entries retried per run" default:"100"`
}

// Queue re-enqueues reaped webhooks.
type Queue interface {
	Enqueue(ctx context.Context, id string, payload []byte, priority int) error
}

// Service periodically retries dead-lettered webhooks whose retryAfter
// has passed.
//
// architecture: Chore
type Service struct {
	log     *zap.Logger
	db      webhook.DB
	letters webhook.DeadLetterDB
	queue   Queue
	config  Config

	Loop *sync2.Cycle

	nowFn func() time.Time
}

// New creates a reaper.
func New(log *zap.Logger, db webhook.DB, letters webhook.DeadLetterDB, queue Queue, config Config) *Service {
	return &Service{
		log:     log,
		db:      db,
		letters: letters,
		queue:   queue,
		config:  config,
		Loop:    sync2.NewCycle(config.Interval),
		nowFn:   time.Now,
	}
}

// Run runs the reaper on its interval.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if _, err := service.RunOnce(ctx); err != nil {
			service.log.Error("reap failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the reaper loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// RunOnce retries all currently due entries and returns how many were
// re-enqueued. Each entry is an independent unit of work.
func (service *Service) RunOnce(ctx context.Context) (reaped int, err error) {
	defer mon.Task()(&ctx)(&err)

	due, err := service.letters.DueForRetry(ctx, service.nowFn().UTC(), service.config.Limit)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	for _, entry := range due {
		if err := service.reap(ctx, entry); err != nil {
			service.log.Error("dead-letter retry failed",
				zap.Int64("deadLetterId", entry.ID),
				zap.String("webhookId", entry.WebhookID),
				zap.Error(err))
			continue
		}
		reaped++
	}
	mon.IntVal("dead_letters_reaped").Observe(int64(reaped))
	return reaped, nil
}

func (service *Service) reap(ctx context.Context, entry *webhook.DeadLetterEntry) error {
	if err := service.db.ResetForRetry(ctx, entry.WebhookID); err != nil {
		if webhook.ErrNotFound.Has(err) {
			// record deleted since dead-lettering; drop the entry
			return Error.Wrap(service.letters.Delete(ctx, entry.ID))
		}
		return Error.Wrap(err)
	}
	if err := service.letters.Delete(ctx, entry.ID); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(service.queue.Enqueue(ctx, entry.WebhookID, nil, 1))
}

// Resolve marks a dead-letter entry handled by an operator without
// re-queueing its webhook.
func (service *Service) Resolve(ctx context.Context, deadLetterID int64, actorID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(service.letters.Resolve(ctx, deadLetterID, actorID))
}

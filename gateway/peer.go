// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package gateway wires the upload gateway's event pipeline together:
// admission, usage accounting, and the webhook delivery engine with its
// queue, verifier, reaper and rollup chores.
package gateway

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uploadgate/uploadgate/gateway/accounting"
	"github.com/uploadgate/uploadgate/gateway/accounting/rollup"
	"github.com/uploadgate/uploadgate/gateway/admission"
	"github.com/uploadgate/uploadgate/gateway/webhook"
	"github.com/uploadgate/uploadgate/gateway/webhook/delivery"
	"github.com/uploadgate/uploadgate/gateway/webhook/queue"
	"github.com/uploadgate/uploadgate/gateway/webhook/reaper"
	"github.com/uploadgate/uploadgate/gateway/webhook/verify"
	"github.com/uploadgate/uploadgate/private/credcrypt"
	"github.com/uploadgate/uploadgate/private/kvstore"
	"github.com/uploadgate/uploadgate/private/lifecycle"
)

var (
	// Error is a gateway error.
	Error = errs.Class("gateway")

	mon = monkit.Package()
)

// Config is the gateway configuration.
type Config struct {
	CredentialsKey string `help:"hex-encoded aes-256 key sealing provider credentials" default:"" setup:"true"`

	Admission admission.Config
	Webhook   webhook.Config
	Verify    verify.Config
	Delivery  delivery.Config
	Reaper    reaper.Config
	Rollup    rollup.Config
}

// Core is the gateway peer.
//
// architecture: Peer
type Core struct {
	Log   *zap.Logger
	DB    DB
	Store kvstore.Store

	Services *lifecycle.Group

	Admission *admission.Service

	Accounting struct {
		Aggregator *accounting.Aggregator
		Rollup     *rollup.Service
	}

	Webhook struct {
		Service  *webhook.Service
		Queue    *queue.Queue
		Verifier *verify.Verifier
		Delivery *delivery.Engine
		Reaper   *reaper.Service
	}
}

// New creates a gateway peer.
func New(log *zap.Logger, db DB, store kvstore.Store, config Config) (*Core, error) {
	peer := &Core{
		Log:   log,
		DB:    db,
		Store: store,

		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup admission
		peer.Admission = admission.NewService(log.Named("admission"),
			store, db.Quotas(), config.Admission)
	}

	{ // setup accounting
		peer.Accounting.Aggregator = accounting.NewAggregator(log.Named("accounting"), store)
		peer.Accounting.Rollup = rollup.New(log.Named("rollup"),
			peer.Accounting.Aggregator, db.Rollups(), config.Rollup)
		peer.Services.Add(lifecycle.Item{
			Name:  "rollup",
			Run:   peer.Accounting.Rollup.Run,
			Close: peer.Accounting.Rollup.Close,
		})
	}

	{ // setup webhook pipeline
		key, err := credcrypt.KeyFromHex(config.CredentialsKey)
		if err != nil {
			return nil, Error.Wrap(err)
		}

		peer.Webhook.Queue = queue.New(store)
		peer.Webhook.Service = webhook.NewService(log.Named("webhook"),
			db.Webhooks(), store, peer.Webhook.Queue, config.Webhook)
		peer.Webhook.Verifier = verify.New(log.Named("verify"), key, config.Verify)

		peer.Webhook.Delivery = delivery.NewEngine(log.Named("delivery"),
			db.Webhooks(), db.DeadLetters(), peer.Webhook.Queue,
			peer.Webhook.Verifier, config.Delivery)
		peer.Services.Add(lifecycle.Item{
			Name:  "delivery",
			Run:   peer.Webhook.Delivery.Run,
			Close: peer.Webhook.Delivery.Close,
		})

		peer.Webhook.Reaper = reaper.New(log.Named("reaper"),
			db.Webhooks(), db.DeadLetters(), peer.Webhook.Queue, config.Reaper)
		peer.Services.Add(lifecycle.Item{
			Name:  "reaper",
			Run:   peer.Webhook.Reaper.Run,
			Close: peer.Webhook.Reaper.Close,
		})
	}

	return peer, nil
}

// Run runs the gateway until it's either closed or it errors.
func (peer *Core) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Services.Run(ctx, group)
	return group.Wait()
}

// Close closes all the resources.
func (peer *Core) Close() error {
	peer.Accounting.Aggregator.Wait()
	return peer.Services.Close()
}

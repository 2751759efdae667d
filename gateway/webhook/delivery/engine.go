// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package delivery runs the webhook delivery workers: batch dequeue,
// object verification, signed HTTP delivery with retries and per-host
// circuit breaking, and dead-lettering on exhaustion.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/sync2"
	"storj.io/eventkit"

	"github.com/uploadgate/uploadgate/gateway/webhook"
	"github.com/uploadgate/uploadgate/gateway/webhook/queue"
	"github.com/uploadgate/uploadgate/gateway/webhook/sign"
	"github.com/uploadgate/uploadgate/gateway/webhook/verify"
)

var (
	// Error is a delivery error.
	Error = errs.Class("webhook delivery")

	mon = monkit.Package()
	ek  = eventkit.Package()
)

// Failure reasons recorded on the webhook.
const (
	ReasonFileNotFoundYet = "file_not_found_yet"
	ReasonCircuitOpen     = "circuit_open"
	ReasonExpired         = "webhook expired"
)

const (
	maxStoredResponseBody = 1000
	maxErrorResponseBody  = 200
)

// Config configures the delivery engine.
type Config struct {
	WorkerCount    int           `help:"number of delivery worker loops, 0 means one per core" default:"0"`
	BatchSize      int           `help:"deliveries dequeued per worker tick" default:"100"`
	MaxConcurrent  int           `help:"concurrent outbound requests per batch" default:"20"`
	MaxAttempts    int           `help:"delivery attempts before dead-lettering" default:"3"`
	RetryDelay1    time.Duration `help:"delay before the second attempt" default:"1s"`
	RetryDelay2    time.Duration `help:"delay before the third attempt" default:"5s"`
	RetryDelay3    time.Duration `help:"delay before the fourth attempt" default:"30s"`
	RequestTimeout time.Duration `help:"per-request deadline" default:"15s"`
	BatchTimeout   time.Duration `help:"per-batch deadline" default:"1m"`
	PollInterval   time.Duration `help:"wait between ticks when the queue is empty" default:"1s"`
	NotFoundDelay  time.Duration `help:"requeue delay while waiting for the object to appear" default:"30s"`

	RequeueInterval time.Duration `help:"how often due delayed items move back onto the queue" default:"5s"`

	DeadLetterRetryAfter time.Duration `help:"how long dead-lettered webhooks wait before the reaper retries them" default:"1h"`

	CircuitThreshold uint32        `help:"consecutive failures before a host's circuit opens" default:"5"`
	CircuitOpenFor   time.Duration `help:"how long an open circuit fails fast" default:"5m"`
	CircuitWindow    time.Duration `help:"rolling window for the failure count" default:"1m"`
}

// Verifier checks that an uploaded object exists before its webhook fires.
type Verifier interface {
	Verify(ctx context.Context, record *webhook.Record) (verify.Result, error)
}

// outcome is one record's pending durable writes, collected during
// phase 1 and committed in phase 2.
type outcome struct {
	id         string
	update     *webhook.Update
	deadLetter *webhook.DeadLetterEntry
}

// Engine delivers queued webhooks.
//
// architecture: Service
type Engine struct {
	log      *zap.Logger
	db       webhook.DB
	letters  webhook.DeadLetterDB
	queue    *queue.Queue
	verifier Verifier
	config   Config

	breakers *breakerSet
	client   *http.Client

	RequeueLoop *sync2.Cycle

	nowFn func() time.Time
}

// NewEngine creates a delivery engine.
func NewEngine(log *zap.Logger, db webhook.DB, letters webhook.DeadLetterDB, q *queue.Queue, verifier Verifier, config Config) *Engine {
	if config.WorkerCount <= 0 {
		config.WorkerCount = runtime.NumCPU()
	}
	return &Engine{
		log:         log,
		db:          db,
		letters:     letters,
		queue:       q,
		verifier:    verifier,
		config:      config,
		breakers:    newBreakerSet(config.CircuitThreshold, config.CircuitWindow, config.CircuitOpenFor),
		client:      &http.Client{Timeout: config.RequestTimeout},
		RequeueLoop: sync2.NewCycle(config.RequeueInterval),
		nowFn:       time.Now,
	}
}

// Run runs the worker loops and the delayed-requeue poller until the
// context is canceled. On shutdown each worker finishes its in-flight
// batch before exiting.
func (engine *Engine) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < engine.config.WorkerCount; i++ {
		group.Go(func() error {
			engine.worker(ctx)
			return nil
		})
	}
	group.Go(func() error {
		return engine.RequeueLoop.Run(ctx, func(ctx context.Context) error {
			if _, err := engine.queue.RequeueDue(ctx); err != nil {
				engine.log.Warn("delayed requeue poll failed", zap.Error(err))
			}
			return nil
		})
	})
	return group.Wait()
}

// Close stops the delayed-requeue poller.
func (engine *Engine) Close() error {
	engine.RequeueLoop.Close()
	return nil
}

func (engine *Engine) worker(ctx context.Context) {
	for ctx.Err() == nil {
		items, err := engine.queue.DequeueBatch(ctx, engine.config.BatchSize)
		if err != nil {
			engine.log.Warn("dequeue failed", zap.Error(err))
			if !sync2.Sleep(ctx, engine.config.PollInterval) {
				return
			}
			continue
		}
		if len(items) == 0 {
			if !sync2.Sleep(ctx, engine.config.PollInterval) {
				return
			}
			continue
		}
		engine.ProcessBatch(ctx, items)
	}
}

// ProcessBatch runs one batch: a capped concurrent delivery phase, then
// one concurrent volley of durable writes. The batch runs on its own
// deadline detached from ctx so a shutdown drains rather than aborts.
func (engine *Engine) ProcessBatch(ctx context.Context, items []queue.Item) {
	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), engine.config.BatchTimeout)
	defer cancel()

	var err error
	defer mon.Task()(&batchCtx)(&err)

	// re-enqueueing the same record is allowed, so one batch can carry
	// duplicate ids; only one attempt per record may run
	seen := make(map[string]bool, len(items))
	deduped := items[:0]
	for _, item := range items {
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		deduped = append(deduped, item)
	}
	items = deduped

	// phase 1: HTTP, verification and queue ops
	outcomes := make([]*outcome, len(items))
	group, groupCtx := errgroup.WithContext(batchCtx)
	group.SetLimit(engine.config.MaxConcurrent)
	for i, item := range items {
		i, item := i, item
		group.Go(func() error {
			outcomes[i] = engine.attempt(groupCtx, item)
			return nil
		})
	}
	err = group.Wait()

	// phase 2: commit all durable writes at once
	var writes errgroup.Group
	for _, out := range outcomes {
		out := out
		if out == nil {
			continue
		}
		if out.update != nil {
			writes.Go(func() error {
				if err := engine.db.ApplyUpdate(batchCtx, out.id, *out.update); err != nil {
					engine.log.Error("state transition dropped",
						zap.String("component", "delivery"),
						zap.String("webhookId", out.id),
						zap.Error(err))
				}
				return nil
			})
		}
		if out.deadLetter != nil {
			writes.Go(func() error {
				if err := engine.letters.Insert(batchCtx, out.deadLetter); err != nil {
					engine.log.Error("dead-letter insert dropped",
						zap.String("component", "delivery"),
						zap.String("webhookId", out.deadLetter.WebhookID),
						zap.Error(err))
				}
				return nil
			})
		}
	}
	_ = writes.Wait()
}

// attempt runs the per-record delivery algorithm and returns the pending
// durable writes. A nil outcome means there is nothing to commit.
func (engine *Engine) attempt(ctx context.Context, item queue.Item) *outcome {
	record, err := engine.db.Get(ctx, item.ID)
	if err != nil {
		if webhook.ErrNotFound.Has(err) {
			// deleted while queued
			return nil
		}
		engine.log.Warn("record load failed",
			zap.String("component", "delivery"),
			zap.String("webhookId", item.ID),
			zap.Error(err))
		return nil
	}
	if record.Status.Terminal() {
		return nil
	}

	now := engine.nowFn().UTC()
	if record.Expired(now) {
		failedAt := now
		mon.Counter("webhook_expired").Inc(1)
		return &outcome{id: record.ID, update: &webhook.Update{
			Status:       webhook.StatusFailed,
			AttemptCount: record.AttemptCount,
			ErrorMessage: ReasonExpired,
			FailedAt:     &failedAt,
		}}
	}

	out := &outcome{id: record.ID}

	if record.Trigger == webhook.TriggerAuto &&
		(record.Status == webhook.StatusPending || record.Status == webhook.StatusVerifying) {
		result, err := engine.verifier.Verify(ctx, record)
		switch {
		case err != nil:
			return engine.failed(ctx, record, item, err.Error())
		case !result.Exists:
			if err := engine.queue.Requeue(ctx, record.ID, item.Payload, engine.config.NotFoundDelay); err != nil {
				engine.log.Warn("requeue failed",
					zap.String("webhookId", record.ID), zap.Error(err))
			}
			nextRetry := now.Add(engine.config.NotFoundDelay)
			out.update = &webhook.Update{
				Status:       webhook.StatusPending,
				AttemptCount: record.AttemptCount,
				ErrorMessage: ReasonFileNotFoundYet,
				NextRetryAt:  &nextRetry,
			}
			return out
		case result.Metadata != nil:
			record.ETag = result.Metadata.ETag
			record.FileSize = result.Metadata.ContentLength
			record.ContentType = result.Metadata.ContentType
		}
	}

	// intermediate write, ahead of the batch volley: the record is now
	// delivering, and metadata learned during verification must survive a
	// failed attempt.
	if err := engine.db.ApplyUpdate(ctx, record.ID, webhook.Update{
		Status:       webhook.StatusDelivering,
		AttemptCount: record.AttemptCount,
		ETag:         record.ETag,
		FileSize:     record.FileSize,
	}); err != nil {
		engine.log.Warn("delivering transition failed",
			zap.String("webhookId", record.ID), zap.Error(err))
	}

	payload, err := sign.BuildPayload(record, nil, now)
	if err != nil {
		return engine.failed(ctx, record, item, err.Error())
	}
	signature := sign.Sign(payload, record.Secret)

	status, body, err := engine.deliver(ctx, record, payload, signature)
	if err != nil {
		return engine.failed(ctx, record, item, err.Error())
	}

	attempts := record.AttemptCount + 1
	completedAt := engine.nowFn().UTC()
	lastAttempt := completedAt
	mon.Counter("webhook_delivered").Inc(1)
	ek.Event("delivery",
		eventkit.String("webhook_id", record.ID),
		eventkit.String("tenant_id", record.TenantID),
		eventkit.Bool("success", true),
		eventkit.Int64("attempt", int64(attempts)))

	out.update = &webhook.Update{
		Status:         webhook.StatusCompleted,
		AttemptCount:   attempts,
		LastAttemptAt:  &lastAttempt,
		ResponseStatus: &status,
		ResponseBody:   truncate(body, maxStoredResponseBody),
		ETag:           record.ETag,
		FileSize:       record.FileSize,
		CompletedAt:    &completedAt,
	}
	return out
}

// failed applies the retry/dead-letter policy for one failed attempt.
func (engine *Engine) failed(ctx context.Context, record *webhook.Record, item queue.Item, reason string) *outcome {
	now := engine.nowFn().UTC()
	attempts := record.AttemptCount + 1
	reason = truncate(reason, maxErrorResponseBody)

	engine.log.Error("delivery failed",
		zap.String("component", "delivery"),
		zap.String("webhookId", record.ID),
		zap.Int("attempt", attempts),
		zap.String("host", hostOf(record.TargetURL)),
		zap.String("reason", reason))
	mon.Counter("webhook_failed").Inc(1)
	ek.Event("delivery",
		eventkit.String("webhook_id", record.ID),
		eventkit.String("tenant_id", record.TenantID),
		eventkit.Bool("success", false),
		eventkit.Int64("attempt", int64(attempts)),
		eventkit.String("error", reason))

	out := &outcome{id: record.ID}

	if attempts >= engine.config.MaxAttempts {
		snapshot, err := json.Marshal(record)
		if err != nil {
			snapshot = []byte(`{}`)
		}
		failedAt := now
		out.update = &webhook.Update{
			Status:        webhook.StatusDeadLetter,
			AttemptCount:  attempts,
			LastAttemptAt: &now,
			ErrorMessage:  reason,
			FailedAt:      &failedAt,
		}
		out.deadLetter = &webhook.DeadLetterEntry{
			WebhookID:        record.ID,
			OriginalSnapshot: snapshot,
			FailureReason:    reason,
			AttemptCount:     attempts,
			RetryAfter:       now.Add(engine.config.DeadLetterRetryAfter),
		}
		mon.Counter("webhook_dead_lettered").Inc(1)
		return out
	}

	delay := engine.retryDelay(attempts)
	if err := engine.queue.Requeue(ctx, record.ID, item.Payload, delay); err != nil {
		engine.log.Warn("retry requeue failed",
			zap.String("webhookId", record.ID), zap.Error(err))
	}
	nextRetry := now.Add(delay)
	out.update = &webhook.Update{
		Status:        webhook.StatusPending,
		AttemptCount:  attempts,
		LastAttemptAt: &now,
		NextRetryAt:   &nextRetry,
		ErrorMessage:  reason,
	}
	return out
}

// retryDelay returns the backoff before the next attempt, with up to a
// second of jitter to decorrelate retries across workers.
func (engine *Engine) retryDelay(attempt int) time.Duration {
	delays := []time.Duration{engine.config.RetryDelay1, engine.config.RetryDelay2, engine.config.RetryDelay3}
	index := attempt - 1
	if index >= len(delays) {
		index = len(delays) - 1
	}
	return delays[index] + time.Duration(rand.Intn(1001))*time.Millisecond
}

// deliver POSTs the signed payload through the destination host's circuit
// breaker. Non-2xx responses are failures carrying a truncated body.
func (engine *Engine) deliver(ctx context.Context, record *webhook.Record, payload []byte, signature string) (status int, body string, err error) {
	defer mon.Task()(&ctx)(&err)

	breaker := engine.breakers.forHost(hostOf(record.TargetURL))
	result, err := breaker.Execute(func() (interface{}, error) {
		return engine.post(ctx, record, payload, signature)
	})
	if err != nil {
		if isCircuitOpen(err) {
			mon.Counter("webhook_circuit_open").Inc(1)
			return 0, "", Error.New("%s: %s", ReasonCircuitOpen, hostOf(record.TargetURL))
		}
		return 0, "", err
	}

	response := result.(*postResult)
	return response.status, response.body, nil
}

type postResult struct {
	status int
	body   string
}

func (engine *Engine) post(ctx context.Context, record *webhook.Record, payload []byte, signature string) (*postResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, engine.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, record.TargetURL, bytes.NewReader(payload))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sign.HeaderSignature, signature)
	req.Header.Set(sign.HeaderTimestamp, strconv.FormatInt(engine.nowFn().UnixMilli(), 10))
	req.Header.Set(sign.HeaderWebhookID, record.ID)
	req.Header.Set(sign.HeaderEvent, sign.EventUploadCompleted)
	req.Header.Set("User-Agent", sign.UserAgent)

	resp, err := engine.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	limited, _ := io.ReadAll(io.LimitReader(resp.Body, maxStoredResponseBody+1))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Error.New("unexpected status %d: %s", resp.StatusCode, truncate(string(limited), maxErrorResponseBody))
	}
	return &postResult{status: resp.StatusCode, body: string(limited)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func hostOf(target string) string {
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(target)
	}
	return strings.ToLower(parsed.Hostname())
}

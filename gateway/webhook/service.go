// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/uploadgate/uploadgate/private/kvstore"
)

var mon = monkit.Package()

// Config configures the webhook service.
type Config struct {
	DefaultExpiry time.Duration `help:"how long a new webhook may wait for its upload" default:"24h"`
	// ConfirmLockTTL covers the worst case batch cycle: the 60s contract
	// plus the request timeout and the longest retry delay.
	ConfirmLockTTL time.Duration `help:"idempotency lock held per upload confirmation" default:"105s"`
	ListLimit      int           `help:"default page size for listing webhooks" default:"20"`
}

// Queue is the subset of queue operations the service needs.
type Queue interface {
	Enqueue(ctx context.Context, id string, payload []byte, priority int) error
	Remove(ctx context.Context, id string) error
}

// CreateParams describes a webhook to create.
type CreateParams struct {
	TenantID string
	APIKeyID string

	TargetURL string
	Trigger   TriggerMode
	Provider  Provider
	Locator   Locator

	Filename    string
	ContentType string
	FileSize    int64

	Metadata  map[string]interface{}
	ExpiresAt time.Time
}

// StatusView is the public view of a record returned to clients.
type StatusView struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	AttemptCount int        `json:"attemptCount"`
	LastAttempt  *time.Time `json:"lastAttemptAt"`
	NextRetryAt  *time.Time `json:"nextRetryAt"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	WebhookURL   string     `json:"webhookUrl"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
}

// Service is the producer/consumer API over webhook records: the
// signed-URL handlers create and confirm records, clients poll and
// operators retry or delete them.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     DB
	store  kvstore.Store
	queue  Queue
	config Config

	nowFn func() time.Time
}

// NewService creates a webhook service.
func NewService(log *zap.Logger, db DB, store kvstore.Store, queue Queue, config Config) *Service {
	return &Service{
		log:    log,
		db:     db,
		store:  store,
		queue:  queue,
		config: config,
		nowFn:  time.Now,
	}
}

// Create validates and inserts a pending record and returns it along with
// its freshly generated signing secret. Auto-triggered webhooks are
// enqueued immediately.
func (service *Service) Create(ctx context.Context, params CreateParams) (_ *Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := validateCreate(&params); err != nil {
		return nil, err
	}

	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, Error.Wrap(err)
	}

	now := service.nowFn().UTC()
	expiresAt := params.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(service.config.DefaultExpiry)
	}

	record := &Record{
		ID:          id.String(),
		TenantID:    params.TenantID,
		APIKeyID:    params.APIKeyID,
		TargetURL:   params.TargetURL,
		Secret:      []byte(hex.EncodeToString(secret)),
		Trigger:     params.Trigger,
		Provider:    params.Provider,
		Locator:     params.Locator,
		Filename:    params.Filename,
		ContentType: params.ContentType,
		FileSize:    params.FileSize,
		Status:      StatusPending,
		Metadata:    params.Metadata,
		ExpiresAt:   expiresAt,
	}
	if err := service.db.Create(ctx, record); err != nil {
		return nil, Error.Wrap(err)
	}

	if record.Trigger == TriggerAuto {
		if err := service.queue.Enqueue(ctx, record.ID, nil, 0); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return record, nil
}

func validateCreate(params *CreateParams) error {
	if params.TenantID == "" {
		return ErrValidation.New("missing tenant id")
	}
	parsed, err := url.Parse(params.TargetURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return ErrValidation.New("invalid target url %q", params.TargetURL)
	}
	switch params.Trigger {
	case TriggerManual, TriggerAuto:
	default:
		return ErrValidation.New("invalid trigger mode %q", params.Trigger)
	}
	switch params.Provider {
	case ProviderS3, ProviderR2, ProviderSupabase, ProviderUploadcare, ProviderVercel:
	default:
		return ErrValidation.New("invalid provider %q", params.Provider)
	}
	return nil
}

// Enqueue re-enqueues a record for delivery. Safe to call repeatedly; the
// engine skips records that have since completed.
func (service *Service) Enqueue(ctx context.Context, id string, payload []byte, priority int) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(service.queue.Enqueue(ctx, id, payload, priority))
}

// ConfirmUpload transitions a pending record to verifying and enqueues
// it. A second confirm inside the lock window returns duplicated=true
// without re-enqueueing. Confirming an expired record fails it.
func (service *Service) ConfirmUpload(ctx context.Context, tenantID, id, etag string) (duplicated bool, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.db.GetForTenant(ctx, tenantID, id)
	if err != nil {
		return false, err
	}

	acquired, err := service.store.SetNX(ctx, "confirm:"+id, []byte("1"), service.config.ConfirmLockTTL)
	if err != nil {
		return false, Error.Wrap(err)
	}
	if !acquired {
		return true, nil
	}

	now := service.nowFn().UTC()
	if record.Expired(now) {
		failedAt := now
		err := service.db.ApplyUpdate(ctx, id, Update{
			Status:       StatusFailed,
			AttemptCount: record.AttemptCount,
			ErrorMessage: "webhook expired",
			FailedAt:     &failedAt,
		})
		if err != nil {
			return false, Error.Wrap(err)
		}
		return false, ErrExpired.New("%q expired at %s", id, record.ExpiresAt.Format(time.RFC3339))
	}

	if err := service.db.SetConfirmed(ctx, id, etag); err != nil {
		return false, Error.Wrap(err)
	}
	return false, Error.Wrap(service.queue.Enqueue(ctx, id, nil, 0))
}

// GetStatus returns the public view of a record. Cross-tenant reads are
// reported as not found.
func (service *Service) GetStatus(ctx context.Context, tenantID, id string) (_ StatusView, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.db.GetForTenant(ctx, tenantID, id)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		ID:           record.ID,
		Status:       record.Status,
		AttemptCount: record.AttemptCount,
		LastAttempt:  record.LastAttemptAt,
		NextRetryAt:  record.NextRetryAt,
		ErrorMessage: record.ErrorMessage,
		WebhookURL:   record.TargetURL,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
		CompletedAt:  record.CompletedAt,
	}, nil
}

// List returns a tenant's records, newest first, optionally filtered by
// status. A non-positive limit uses the configured default.
func (service *Service) List(ctx context.Context, tenantID string, status *Status, limit, offset int) (_ []*Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = service.config.ListLimit
	}
	records, err := service.db.List(ctx, tenantID, status, limit, offset)
	return records, Error.Wrap(err)
}

// Retry resets a non-completed record and re-enqueues it at priority 1.
func (service *Service) Retry(ctx context.Context, tenantID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.db.GetForTenant(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if record.Status == StatusCompleted {
		return ErrCompleted.New("%q", id)
	}
	if err := service.db.ResetForRetry(ctx, id); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(service.queue.Enqueue(ctx, id, nil, 1))
}

// Delete removes a non-completed record and any pending delayed requeue.
// Items already in the FIFO are skipped at delivery time once the record
// is gone.
func (service *Service) Delete(ctx context.Context, tenantID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.db.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	return Error.Wrap(service.queue.Remove(ctx, id))
}

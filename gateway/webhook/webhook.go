// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package webhook defines the webhook record model, its durable store
// interfaces and the producer/consumer service used by the signed-URL
// handlers and operators.
package webhook

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is a webhook error.
	Error = errs.Class("webhook")

	// ErrNotFound is returned when a record does not exist or belongs to a
	// different tenant.
	ErrNotFound = errs.Class("webhook not found")

	// ErrValidation is returned for malformed input. Records failing
	// validation are never enqueued.
	ErrValidation = errs.Class("webhook validation")

	// ErrExpired is returned when a record past its expiration is confirmed.
	ErrExpired = errs.Class("webhook expired")

	// ErrCompleted is returned when an operation is refused on a completed
	// record.
	ErrCompleted = errs.Class("webhook completed")
)

// Status is the delivery state of a webhook record. The success path is
// pending -> verifying -> delivering -> completed; dead_letter is reachable
// from any non-terminal state; completed and dead_letter are terminal.
type Status string

// Webhook statuses.
const (
	StatusPending    Status = "pending"
	StatusVerifying  Status = "verifying"
	StatusDelivering Status = "delivering"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether no further delivery attempts may happen from
// this status. failed is terminal for the engine but may be retried by an
// operator.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter || s == StatusFailed
}

// TriggerMode selects who vouches for the upload having happened.
type TriggerMode string

// Trigger modes.
const (
	// TriggerManual means the client confirms the upload; the engine never
	// verifies against the provider.
	TriggerManual TriggerMode = "manual"
	// TriggerAuto means the engine verifies object existence before firing.
	TriggerAuto TriggerMode = "auto"
)

// Provider identifies the backing object store.
type Provider string

// Providers.
const (
	ProviderS3         Provider = "S3"
	ProviderR2         Provider = "R2"
	ProviderSupabase   Provider = "SUPABASE"
	ProviderUploadcare Provider = "UPLOADCARE"
	ProviderVercel     Provider = "VERCEL"
)

// Locator describes where the uploaded object lives, shaped per provider.
// SealedCredentials holds credcrypt-sealed provider credentials; records
// without credentials degrade to skipped verification.
type Locator struct {
	Bucket   string `json:"bucket,omitempty"`
	Key      string `json:"key,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Region   string `json:"region,omitempty"`

	// FileKey and CDNUUID address Uploadcare/Supabase objects.
	FileKey string `json:"fileKey,omitempty"`
	CDNUUID string `json:"cdnUuid,omitempty"`

	PublicURL string `json:"publicUrl,omitempty"`

	SealedCredentials []byte `json:"sealedCredentials,omitempty"`
}

// Record is a webhook delivery record.
type Record struct {
	ID       string
	TenantID string
	APIKeyID string

	TargetURL string
	Secret    []byte

	Trigger  TriggerMode
	Provider Provider
	Locator  Locator

	Filename    string
	ContentType string
	FileSize    int64
	ETag        string

	Status       Status
	AttemptCount int

	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	ErrorMessage  string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time

	Metadata map[string]interface{}

	ResponseStatus *int
	ResponseBody   string
}

// Expired reports whether the record may no longer complete.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Update carries the durable state transition produced by a delivery
// attempt. Writes against terminal records are dropped by the store.
type Update struct {
	Status       Status
	AttemptCount int

	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	ErrorMessage  string

	ResponseStatus *int
	ResponseBody   string

	// ETag and FileSize backfill metadata learned during verification.
	ETag     string
	FileSize int64

	CompletedAt *time.Time
	FailedAt    *time.Time
}

// DeadLetterEntry is a dead-lettered webhook held for operator review.
type DeadLetterEntry struct {
	ID               int64
	WebhookID        string
	OriginalSnapshot []byte
	FailureReason    string
	AttemptCount     int
	CreatedAt        time.Time
	RetryAfter       time.Time
	Resolved         bool
	ResolvedAt       *time.Time
	ResolvedBy       string
}

// DB stores webhook records.
//
// architecture: Database
type DB interface {
	// Create inserts a pending record.
	Create(ctx context.Context, record *Record) error
	// Get returns a record by id regardless of owner. Pipeline-internal.
	Get(ctx context.Context, id string) (*Record, error)
	// GetForTenant returns a record owned by tenantID, or ErrNotFound.
	GetForTenant(ctx context.Context, tenantID, id string) (*Record, error)
	// List returns records for a tenant, optionally filtered by status,
	// newest first.
	List(ctx context.Context, tenantID string, status *Status, limit, offset int) ([]*Record, error)
	// SetConfirmed transitions pending -> verifying, recording the client
	// supplied etag.
	SetConfirmed(ctx context.Context, id, etag string) error
	// ApplyUpdate commits a delivery outcome. Terminal records are left
	// untouched.
	ApplyUpdate(ctx context.Context, id string, update Update) error
	// ResetForRetry zeroes attempts and the error message and sets the
	// record back to pending. Refused for completed records.
	ResetForRetry(ctx context.Context, id string) error
	// Delete removes a record. Refused for completed records.
	Delete(ctx context.Context, tenantID, id string) error
	// DeleteCompletedBefore removes completed records older than the given
	// time, up to limit rows, returning how many were deleted.
	DeleteCompletedBefore(ctx context.Context, before time.Time, limit int) (int64, error)
}

// DeadLetterDB stores dead-lettered webhooks.
//
// architecture: Database
type DeadLetterDB interface {
	// Insert adds a dead-letter entry.
	Insert(ctx context.Context, entry *DeadLetterEntry) error
	// DueForRetry returns unresolved entries whose retryAfter has passed.
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]*DeadLetterEntry, error)
	// Resolve marks an entry handled by an operator without requeueing.
	Resolve(ctx context.Context, id int64, actorID string) error
	// Delete removes an entry.
	Delete(ctx context.Context, id int64) error
}

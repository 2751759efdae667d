// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package verify checks that an uploaded object actually exists at the
// backing provider before its webhook fires.
package verify

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/uploadgate/uploadgate/gateway/webhook"
	"github.com/uploadgate/uploadgate/private/credcrypt"
)

var (
	// Error is a verification error. Errors of this class are retryable.
	Error = errs.Class("webhook verify")

	// ErrEtagMismatch means the stored object's etag differs from the one
	// the client reported. Retryable: replication may still be settling.
	ErrEtagMismatch = errs.Class("etag mismatch")

	mon = monkit.Package()
)

// Skip reasons.
const (
	ReasonProviderNoVerification = "provider_no_verification"
	ReasonNoCredentialsStored    = "no_credentials_stored"
)

// Config configures the verifier.
type Config struct {
	PollInterval   time.Duration `help:"initial poll interval for wait-for-object" default:"500ms"`
	PollMultiplier float64       `help:"poll interval growth factor" default:"1.5"`
	PollMax        time.Duration `help:"poll interval cap" default:"5s"`
	MaxWait        time.Duration `help:"how long wait-for-object polls before giving up" default:"2m"`
}

// Metadata is what a HEAD of the object reports.
type Metadata struct {
	ContentLength int64
	ContentType   string
	ETag          string
	LastModified  time.Time
	UserMetadata  map[string]string
}

// Result is the outcome of a verification.
type Result struct {
	Exists   bool
	Skipped  bool
	Reason   string
	Metadata *Metadata
}

// credentials is the sealed payload carried on the record's locator.
type credentials struct {
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
}

// Verifier checks object existence against S3-compatible providers.
type Verifier struct {
	log    *zap.Logger
	key    *credcrypt.Key
	config Config
}

// New creates a verifier. key unseals provider credentials embedded in
// webhook records.
func New(log *zap.Logger, key *credcrypt.Key, config Config) *Verifier {
	return &Verifier{log: log, key: key, config: config}
}

// Verify checks that the record's object exists at the provider. A 404 is
// reported as Exists=false with a nil error; any other provider failure is
// retryable. Providers without a HEAD equivalent, and records carrying no
// credentials, are skipped as existing.
func (verifier *Verifier) Verify(ctx context.Context, record *webhook.Record) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	switch record.Provider {
	case webhook.ProviderS3, webhook.ProviderR2:
	default:
		return Result{Exists: true, Skipped: true, Reason: ReasonProviderNoVerification}, nil
	}

	if len(record.Locator.SealedCredentials) == 0 {
		return Result{Exists: true, Skipped: true, Reason: ReasonNoCredentialsStored}, nil
	}

	plaintext, err := verifier.key.Open(record.Locator.SealedCredentials)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}
	var creds credentials
	err = json.Unmarshal(plaintext, &creds)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}

	client, err := verifier.openClient(record.Locator, creds)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}

	info, err := client.StatObject(ctx, record.Locator.Bucket, record.Locator.Key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == 404 || resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return Result{Exists: false}, nil
		}
		return Result{}, Error.Wrap(err)
	}

	etag := strings.Trim(info.ETag, `"`)
	if record.ETag != "" && etag != "" && !strings.EqualFold(etag, strings.Trim(record.ETag, `"`)) {
		return Result{}, ErrEtagMismatch.New("stored %q, reported %q", etag, record.ETag)
	}

	return Result{
		Exists: true,
		Metadata: &Metadata{
			ContentLength: info.Size,
			ContentType:   info.ContentType,
			ETag:          etag,
			LastModified:  info.LastModified,
			UserMetadata:  info.UserMetadata,
		},
	}, nil
}

// WaitForObject polls Verify with exponential backoff until the object
// exists, maxWait elapses, or the context is done. maxWait <= 0 uses the
// configured default. Skipped results count as existing.
func (verifier *Verifier) WaitForObject(ctx context.Context, record *webhook.Record, maxWait time.Duration) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if maxWait <= 0 {
		maxWait = verifier.config.MaxWait
	}
	deadline := time.Now().Add(maxWait)
	interval := verifier.config.PollInterval

	for {
		result, err := verifier.Verify(ctx, record)
		if err != nil && !ErrEtagMismatch.Has(err) {
			return Result{}, err
		}
		if err == nil && result.Exists {
			return result, nil
		}

		if time.Now().Add(interval).After(deadline) {
			if err != nil {
				return Result{}, err
			}
			return Result{Exists: false}, nil
		}
		if !sync2.Sleep(ctx, interval) {
			return Result{}, Error.Wrap(ctx.Err())
		}

		interval = time.Duration(float64(interval) * verifier.config.PollMultiplier)
		if interval > verifier.config.PollMax {
			interval = verifier.config.PollMax
		}
	}
}

// openClient builds an S3 client for the record's locator. R2 records
// carry a custom endpoint; plain S3 defaults to AWS with the locator's
// region.
func (verifier *Verifier) openClient(locator webhook.Locator, creds credentials) (*minio.Client, error) {
	endpoint := locator.Endpoint
	secure := true
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
		if locator.Region != "" && locator.Region != "us-east-1" {
			endpoint = "s3." + locator.Region + ".amazonaws.com"
		}
	} else if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		secure = parsed.Scheme != "http"
		endpoint = parsed.Host
	}

	return minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: secure,
		Region: locator.Region,
	})
}

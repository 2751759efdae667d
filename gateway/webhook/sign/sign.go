// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package sign builds the canonical delivery payload and its HMAC
// signature. Receivers recompute the MAC of the raw body with the shared
// secret and compare it to the X-Webhook-Signature header.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"github.com/uploadgate/uploadgate/gateway/webhook"
)

// Error is a signing error.
var Error = errs.Class("webhook sign")

// Delivery headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderWebhookID = "X-Webhook-ID"
	HeaderEvent     = "X-Webhook-Event"

	// UserAgent identifies the gateway on outbound deliveries.
	UserAgent = "Uploadgate-Webhook/1.0"

	// EventUploadCompleted is the only event the pipeline emits today.
	EventUploadCompleted = "upload.completed"
)

// payload is the canonical delivery body. Field order is part of the
// signing contract; absent values marshal as explicit nulls so the
// signature input stays stable.
type payload struct {
	ID          string                 `json:"id"`
	Event       string                 `json:"event"`
	Provider    *string                `json:"provider"`
	Filename    *string                `json:"filename"`
	ContentType *string                `json:"contentType"`
	FileSize    *int64                 `json:"fileSize"`
	ETag        *string                `json:"etag"`
	PublicURL   *string                `json:"publicUrl"`
	Metadata    map[string]interface{} `json:"metadata"`
	Timestamp   string                 `json:"timestamp"`
}

// BuildPayload renders the canonical JSON body for a record. Extras are
// merged into the record's metadata without mutating it; on a key clash
// the extra wins.
func BuildPayload(record *webhook.Record, extras map[string]interface{}, now time.Time) ([]byte, error) {
	p := payload{
		ID:        record.ID,
		Event:     EventUploadCompleted,
		Timestamp: now.UTC().Format(time.RFC3339),
	}

	if record.Provider != "" {
		provider := string(record.Provider)
		p.Provider = &provider
	}
	if record.Filename != "" {
		p.Filename = &record.Filename
	}
	if record.ContentType != "" {
		p.ContentType = &record.ContentType
	}
	if record.FileSize > 0 {
		p.FileSize = &record.FileSize
	}
	if record.ETag != "" {
		p.ETag = &record.ETag
	}
	if record.Locator.PublicURL != "" {
		p.PublicURL = &record.Locator.PublicURL
	}

	if len(record.Metadata) > 0 || len(extras) > 0 {
		p.Metadata = make(map[string]interface{}, len(record.Metadata)+len(extras))
		for k, v := range record.Metadata {
			p.Metadata[k] = v
		}
		for k, v := range extras {
			p.Metadata[k] = v
		}
	}

	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return encoded, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of the payload.
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the payload, in constant time.
func Verify(body []byte, signature string, secret []byte) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

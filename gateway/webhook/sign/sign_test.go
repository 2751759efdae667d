// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package sign_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uploadgate/uploadgate/gateway/webhook"
	"github.com/uploadgate/uploadgate/gateway/webhook/sign"
)

func TestSignVerify(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"id":"w1"}`)

	sig := sign.Sign(body, secret)
	require.Equal(t, strings.ToLower(sig), sig)
	require.Len(t, sig, 64)

	require.True(t, sign.Verify(body, sig, secret))
	require.False(t, sign.Verify(body, sig, []byte("other-secret")))
	require.False(t, sign.Verify([]byte(`{"id":"w2"}`), sig, secret))
	require.False(t, sign.Verify(body, "not-hex", secret))
}

func TestBuildPayloadFieldOrder(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	record := &webhook.Record{
		ID:          "w1",
		Provider:    webhook.ProviderS3,
		Filename:    "photo.jpg",
		ContentType: "image/jpeg",
		FileSize:    1024,
		ETag:        "abc",
		Locator:     webhook.Locator{PublicURL: "https://cdn.example.com/photo.jpg"},
		Metadata:    map[string]interface{}{"album": "vacation"},
	}

	body, err := sign.BuildPayload(record, nil, now)
	require.NoError(t, err)

	require.JSONEq(t, `{
		"id": "w1",
		"event": "upload.completed",
		"provider": "S3",
		"filename": "photo.jpg",
		"contentType": "image/jpeg",
		"fileSize": 1024,
		"etag": "abc",
		"publicUrl": "https://cdn.example.com/photo.jpg",
		"metadata": {"album": "vacation"},
		"timestamp": "2024-05-01T12:00:00Z"
	}`, string(body))

	// field order is part of the signing contract
	require.True(t, strings.Index(string(body), `"id"`) < strings.Index(string(body), `"event"`))
	require.True(t, strings.Index(string(body), `"event"`) < strings.Index(string(body), `"provider"`))
	require.True(t, strings.Index(string(body), `"metadata"`) < strings.Index(string(body), `"timestamp"`))
}

func TestBuildPayloadExplicitNulls(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	record := &webhook.Record{ID: "w1", Provider: webhook.ProviderR2}

	body, err := sign.BuildPayload(record, nil, now)
	require.NoError(t, err)

	for _, field := range []string{`"filename":null`, `"contentType":null`, `"fileSize":null`, `"etag":null`, `"publicUrl":null`, `"metadata":null`} {
		require.Contains(t, string(body), field)
	}
}

func TestBuildPayloadDeterministic(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	record := &webhook.Record{ID: "w1", Provider: webhook.ProviderS3, Filename: "a.txt"}

	first, err := sign.BuildPayload(record, nil, now)
	require.NoError(t, err)
	second, err := sign.BuildPayload(record, nil, now)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Equal(t, sign.Sign(first, []byte("s")), sign.Sign(second, []byte("s")))
}

func TestBuildPayloadExtras(t *testing.T) {
	now := time.Now()
	record := &webhook.Record{
		ID:       "w1",
		Metadata: map[string]interface{}{"album": "vacation", "kept": true},
	}

	body, err := sign.BuildPayload(record, map[string]interface{}{"album": "work"}, now)
	require.NoError(t, err)
	require.Contains(t, string(body), `"album":"work"`)
	require.Contains(t, string(body), `"kept":true`)

	// the record's own metadata is untouched
	require.Equal(t, "vacation", record.Metadata["album"])
}

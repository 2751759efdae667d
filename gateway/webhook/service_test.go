// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package webhook_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/uploadgate/uploadgate/gateway/webhook"
	"github.com/uploadgate/uploadgate/gateway/webhook/queue"
	"github.com/uploadgate/uploadgate/gateway/webhook/webhooktest"
	"github.com/uploadgate/uploadgate/private/testredis"
)

func openService(t *testing.T, ctx *testcontext.Context) (*webhook.Service, *webhooktest.DB, *queue.Queue) {
	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, server.Close()) })

	store, err := server.Client(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	db := webhooktest.NewDB()
	q := queue.New(store)
	service := webhook.NewService(zaptest.NewLogger(t), db, store, q, webhook.Config{
		DefaultExpiry:  24 * time.Hour,
		ConfirmLockTTL: 105 * time.Second,
		ListLimit:      20,
	})
	return service, db, q
}

func validParams() webhook.CreateParams {
	return webhook.CreateParams{
		TenantID:  "t1",
		APIKeyID:  "key1",
		TargetURL: "https://example.com/hook",
		Trigger:   webhook.TriggerManual,
		Provider:  webhook.ProviderS3,
		Filename:  "photo.jpg",
	}
}

func TestCreate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, q := openService(t, ctx)

	record, err := service.Create(ctx, validParams())
	require.NoError(t, err)
	require.NotEmpty(t, record.ID)
	require.NotEmpty(t, record.Secret)
	require.Equal(t, webhook.StatusPending, record.Status)
	require.True(t, record.ExpiresAt.After(time.Now()))

	stored, err := db.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, "t1", stored.TenantID)

	// manual trigger does not enqueue
	n, err := q.Length(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// secrets are unique per record
	second, err := service.Create(ctx, validParams())
	require.NoError(t, err)
	require.NotEqual(t, record.Secret, second.Secret)
}

func TestCreateAutoEnqueues(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, q := openService(t, ctx)

	params := validParams()
	params.Trigger = webhook.TriggerAuto
	record, err := service.Create(ctx, params)
	require.NoError(t, err)

	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, record.ID, items[0].ID)
}

func TestCreateValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, q := openService(t, ctx)

	bad := validParams()
	bad.TargetURL = "not a url"
	_, err := service.Create(ctx, bad)
	require.True(t, webhook.ErrValidation.Has(err))

	bad = validParams()
	bad.TenantID = ""
	_, err = service.Create(ctx, bad)
	require.True(t, webhook.ErrValidation.Has(err))

	bad = validParams()
	bad.Provider = "FTP"
	_, err = service.Create(ctx, bad)
	require.True(t, webhook.ErrValidation.Has(err))

	bad = validParams()
	bad.Trigger = "sometimes"
	_, err = service.Create(ctx, bad)
	require.True(t, webhook.ErrValidation.Has(err))

	// invalid records are never enqueued
	n, err := q.Length(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConfirmUpload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, q := openService(t, ctx)

	record, err := service.Create(ctx, validParams())
	require.NoError(t, err)

	duplicated, err := service.ConfirmUpload(ctx, "t1", record.ID, "etag-1")
	require.NoError(t, err)
	require.False(t, duplicated)

	stored, err := db.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusVerifying, stored.Status)
	require.Equal(t, "etag-1", stored.ETag)

	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// second confirm within the lock window is a duplicate, not an error
	duplicated, err = service.ConfirmUpload(ctx, "t1", record.ID, "etag-1")
	require.NoError(t, err)
	require.True(t, duplicated)

	n, err := q.Length(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConfirmUploadExpired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, _ := openService(t, ctx)

	params := validParams()
	params.ExpiresAt = time.Now().Add(-time.Hour)
	record, err := service.Create(ctx, params)
	require.NoError(t, err)

	_, err = service.ConfirmUpload(ctx, "t1", record.ID, "")
	require.True(t, webhook.ErrExpired.Has(err))

	stored, err := db.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusFailed, stored.Status)
	require.NotNil(t, stored.FailedAt)
}

func TestGetStatusCrossTenant(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, _ := openService(t, ctx)

	record, err := service.Create(ctx, validParams())
	require.NoError(t, err)

	view, err := service.GetStatus(ctx, "t1", record.ID)
	require.NoError(t, err)
	require.Equal(t, record.ID, view.ID)
	require.Equal(t, webhook.StatusPending, view.Status)
	require.Equal(t, "https://example.com/hook", view.WebhookURL)

	// another tenant sees not-found, not a permission error
	_, err = service.GetStatus(ctx, "t2", record.ID)
	require.True(t, webhook.ErrNotFound.Has(err))
}

func TestList(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, _ := openService(t, ctx)

	var last *webhook.Record
	for i := 0; i < 25; i++ {
		record, err := service.Create(ctx, validParams())
		require.NoError(t, err)
		last = record
	}
	completedAt := time.Now().UTC()
	status := 200
	require.NoError(t, db.ApplyUpdate(ctx, last.ID, webhook.Update{
		Status:         webhook.StatusCompleted,
		AttemptCount:   1,
		ResponseStatus: &status,
		CompletedAt:    &completedAt,
	}))

	records, err := service.List(ctx, "t1", nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 20) // default page size

	completed := webhook.StatusCompleted
	records, err = service.List(ctx, "t1", &completed, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	records, err = service.List(ctx, "t2", nil, 0, 0)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestRetry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, q := openService(t, ctx)

	record, err := service.Create(ctx, validParams())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, db.ApplyUpdate(ctx, record.ID, webhook.Update{
		Status:       webhook.StatusFailed,
		AttemptCount: 3,
		ErrorMessage: "boom",
		FailedAt:     &now,
	}))

	require.NoError(t, service.Retry(ctx, "t1", record.ID))

	stored, err := db.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, webhook.StatusPending, stored.Status)
	require.Zero(t, stored.AttemptCount)
	require.Empty(t, stored.ErrorMessage)

	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].Priority)
}

func TestRetryRefusedForCompleted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, _ := openService(t, ctx)

	record, err := service.Create(ctx, validParams())
	require.NoError(t, err)

	completedAt := time.Now().UTC()
	status := 200
	require.NoError(t, db.ApplyUpdate(ctx, record.ID, webhook.Update{
		Status:         webhook.StatusCompleted,
		AttemptCount:   1,
		ResponseStatus: &status,
		CompletedAt:    &completedAt,
	}))

	err = service.Retry(ctx, "t1", record.ID)
	require.True(t, webhook.ErrCompleted.Has(err))
}

func TestDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, _ := openService(t, ctx)

	record, err := service.Create(ctx, validParams())
	require.NoError(t, err)

	require.NoError(t, service.Delete(ctx, "t1", record.ID))
	_, err = db.Get(ctx, record.ID)
	require.True(t, webhook.ErrNotFound.Has(err))

	// deleting a completed record is refused
	record, err = service.Create(ctx, validParams())
	require.NoError(t, err)
	completedAt := time.Now().UTC()
	status := 200
	require.NoError(t, db.ApplyUpdate(ctx, record.ID, webhook.Update{
		Status:         webhook.StatusCompleted,
		AttemptCount:   1,
		ResponseStatus: &status,
		CompletedAt:    &completedAt,
	}))
	err = service.Delete(ctx, "t1", record.ID)
	require.True(t, webhook.ErrCompleted.Has(err))
}

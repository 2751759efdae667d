// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package reaper_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/uploadgate/uploadgate/gateway/webhook"
	"github.com/uploadgate/uploadgate/gateway/webhook/queue"
	"github.com/uploadgate/uploadgate/gateway/webhook/reaper"
	"github.com/uploadgate/uploadgate/gateway/webhook/webhooktest"
	"github.com/uploadgate/uploadgate/private/testredis"
)

func openReaper(t *testing.T, ctx *testcontext.Context) (*reaper.Service, *webhooktest.DB, *webhooktest.DeadLetterDB, *queue.Queue) {
	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, server.Close()) })

	store, err := server.Client(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	db := webhooktest.NewDB()
	letters := webhooktest.NewDeadLetterDB()
	q := queue.New(store)
	service := reaper.New(zaptest.NewLogger(t), db, letters, q, reaper.Config{
		Interval: 5 * time.Minute,
		Limit:    100,
	})
	return service, db, letters, q
}

func deadLetter(t *testing.T, ctx *testcontext.Context, db *webhooktest.DB, letters *webhooktest.DeadLetterDB, id string, retryAfter time.Time) *webhook.DeadLetterEntry {
	now := time.Now().UTC()
	require.NoError(t, db.Create(ctx, &webhook.Record{
		ID:        id,
		TenantID:  "t1",
		TargetURL: "https://example.com/hook",
		Status:    webhook.StatusPending,
	}))
	require.NoError(t, db.ApplyUpdate(ctx, id, webhook.Update{
		Status:       webhook.StatusDeadLetter,
		AttemptCount: 3,
		ErrorMessage: "exhausted",
		FailedAt:     &now,
	}))
	entry := &webhook.DeadLetterEntry{
		WebhookID:        id,
		OriginalSnapshot: []byte(`{}`),
		FailureReason:    "exhausted",
		AttemptCount:     3,
		RetryAfter:       retryAfter,
	}
	require.NoError(t, letters.Insert(ctx, entry))
	return entry
}

func TestReapDueEntries(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, letters, q := openReaper(t, ctx)

	deadLetter(t, ctx, db, letters, "due", time.Now().Add(-time.Minute))
	deadLetter(t, ctx, db, letters, "later", time.Now().Add(time.Hour))

	reaped, err := service.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	// due webhook is reset and queued at priority 1
	record, err := db.Get(ctx, "due")
	require.NoError(t, err)
	require.Equal(t, webhook.StatusPending, record.Status)
	require.Zero(t, record.AttemptCount)
	require.Empty(t, record.ErrorMessage)

	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "due", items[0].ID)
	require.Equal(t, 1, items[0].Priority)

	// the not-yet-due entry is untouched
	require.Len(t, letters.Entries(), 1)
	record, err = db.Get(ctx, "later")
	require.NoError(t, err)
	require.Equal(t, webhook.StatusDeadLetter, record.Status)
}

func TestResolveSkipsRequeue(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, letters, q := openReaper(t, ctx)

	entry := deadLetter(t, ctx, db, letters, "w1", time.Now().Add(-time.Minute))
	require.NoError(t, service.Resolve(ctx, entry.ID, "operator-7"))

	reaped, err := service.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, reaped)

	entries := letters.Entries()
	require.Len(t, entries, 1)
	require.True(t, entries[0].Resolved)
	require.Equal(t, "operator-7", entries[0].ResolvedBy)
	require.NotNil(t, entries[0].ResolvedAt)

	n, err := q.Length(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	record, err := db.Get(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, webhook.StatusDeadLetter, record.Status)
}

func TestReapDropsEntryForDeletedWebhook(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, letters, q := openReaper(t, ctx)

	deadLetter(t, ctx, db, letters, "w1", time.Now().Add(-time.Minute))
	require.NoError(t, db.Delete(ctx, "t1", "w1"))

	reaped, err := service.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, reaped)
	require.Empty(t, letters.Entries())

	n, err := q.Length(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

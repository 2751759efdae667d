// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package accounting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/uploadgate/uploadgate/private/kvstore"
	"github.com/uploadgate/uploadgate/private/testredis"
)

func openAggregator(t *testing.T, ctx *testcontext.Context) (*Aggregator, kvstore.Store) {
	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, server.Close()) })

	store, err := server.Client(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	return NewAggregator(zaptest.NewLogger(t), store), store
}

func TestRecordAndRead(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	aggregator, _ := openAggregator(t, ctx)
	aggregator.nowFn = func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, aggregator.record(ctx, Usage{
			APIKeyID:     "key1",
			TenantID:     "t1",
			Provider:     "S3",
			ContentType:  "image/jpeg",
			FileCategory: "image",
		}))
	}
	require.NoError(t, aggregator.record(ctx, Usage{
		APIKeyID:     "key1",
		TenantID:     "t-other", // uid is set-once, first writer wins
		Provider:     "R2",
		ContentType:  "application/pdf",
		FileCategory: "document",
	}))

	page, err := aggregator.ReadPage(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, page.Usages, 1)

	usage := page.Usages[0]
	require.Equal(t, "key1", usage.APIKeyID)
	require.Equal(t, "2024-05-01", usage.Date)
	require.Equal(t, "t1", usage.TenantID)
	require.EqualValues(t, 4, usage.TotalRequests)
	require.EqualValues(t, 3, usage.Providers["S3"])
	require.EqualValues(t, 1, usage.Providers["R2"])
	require.EqualValues(t, 3, usage.FileTypes["image/jpeg"])
	require.EqualValues(t, 1, usage.FileCategories["document"])
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), usage.LastUsedAt)
}

func TestRecordAsync(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	aggregator, _ := openAggregator(t, ctx)

	aggregator.Record(ctx, Usage{APIKeyID: "key1", TenantID: "t1", Provider: "S3"})
	aggregator.Wait()

	page, err := aggregator.ReadPage(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, page.Usages, 1)
	require.EqualValues(t, 1, page.Usages[0].TotalRequests)
}

func TestRecordMissingAPIKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	aggregator, _ := openAggregator(t, ctx)
	require.Error(t, aggregator.record(ctx, Usage{TenantID: "t1"}))
}

func TestReadPageSkipsForeignKeys(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	aggregator, store := openAggregator(t, ctx)

	require.NoError(t, aggregator.record(ctx, Usage{APIKeyID: "key1", TenantID: "t1"}))
	// a key with the right prefix but no date suffix is skipped
	require.NoError(t, store.Set(ctx, "m:garbage", []byte("x"), 0))

	page, err := aggregator.ReadPage(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, page.Usages, 1)
	require.Equal(t, "key1", page.Usages[0].APIKeyID)
}

func TestDeleteKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	aggregator, _ := openAggregator(t, ctx)
	aggregator.nowFn = func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	}

	require.NoError(t, aggregator.record(ctx, Usage{APIKeyID: "key1", TenantID: "t1"}))
	require.NoError(t, aggregator.DeleteKey(ctx, "key1", "2024-05-01"))

	page, err := aggregator.ReadPage(ctx, 0, 100)
	require.NoError(t, err)
	require.Empty(t, page.Usages)
}

// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"github.com/uploadgate/uploadgate/gateway/webhook/queue"
	"github.com/uploadgate/uploadgate/private/kvstore"
	"github.com/uploadgate/uploadgate/private/testredis"
)

func openQueue(t *testing.T, ctx *testcontext.Context) (*queue.Queue, kvstore.Store) {
	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, server.Close()) })

	store, err := server.Client(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	return queue.New(store), store
}

func TestFIFOOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := openQueue(t, ctx)

	require.NoError(t, q.Enqueue(ctx, "w1", []byte("p1"), 0))
	require.NoError(t, q.Enqueue(ctx, "w2", []byte("p2"), 0))
	require.NoError(t, q.Enqueue(ctx, "w3", []byte("p3"), 0))

	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "w1", items[0].ID)
	require.Equal(t, "w2", items[1].ID)
	require.Equal(t, "w3", items[2].ID)
}

func TestPriorityPrecedesFIFO(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := openQueue(t, ctx)

	require.NoError(t, q.Enqueue(ctx, "normal", []byte("n"), 1))
	require.NoError(t, q.Enqueue(ctx, "urgent", []byte("u"), 9))

	items, err := q.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "urgent", items[0].ID)
	require.Equal(t, "normal", items[1].ID)
}

func TestPriorityCapPerBatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := openQueue(t, ctx)

	for i := 0; i < 15; i++ {
		require.NoError(t, q.Enqueue(ctx, "prio", []byte{byte(i)}, 10))
	}
	require.NoError(t, q.Enqueue(ctx, "fifo", []byte("f"), 0))

	items, err := q.DequeueBatch(ctx, 100)
	require.NoError(t, err)
	// 10 priority items at most, then the FIFO item; the 5 remaining
	// priority items wait for the next cycle.
	require.Len(t, items, 11)
	require.Equal(t, "fifo", items[10].ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, stats.Priority)
}

func TestRequeueRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := openQueue(t, ctx)

	payload := testrand.Bytes(512)
	require.NoError(t, q.Requeue(ctx, "w1", payload, 0))

	// the item becomes due immediately with a zero delay
	time.Sleep(time.Millisecond)
	moved, err := q.RequeueDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	items, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "w1", items[0].ID)
	require.Equal(t, []byte(payload), items[0].Payload)
}

func TestRequeueNotDueYet(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := openQueue(t, ctx)

	require.NoError(t, q.Requeue(ctx, "w1", []byte("p"), time.Hour))

	moved, err := q.RequeueDue(ctx)
	require.NoError(t, err)
	require.Zero(t, moved)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Delayed)
}

func TestRemoveVetoesDelayedRequeue(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := openQueue(t, ctx)

	require.NoError(t, q.Requeue(ctx, "w1", []byte("p"), 0))
	require.NoError(t, q.Requeue(ctx, "w2", []byte("p"), 0))
	require.NoError(t, q.Remove(ctx, "w1"))

	time.Sleep(time.Millisecond)
	moved, err := q.RequeueDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "w2", items[0].ID)
}

func TestLengthAndStats(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := openQueue(t, ctx)

	require.NoError(t, q.Enqueue(ctx, "a", nil, 0))
	require.NoError(t, q.Enqueue(ctx, "b", nil, 9))
	require.NoError(t, q.Requeue(ctx, "c", nil, time.Hour))

	n, err := q.Length(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Normal)
	require.EqualValues(t, 1, stats.Priority)
	require.EqualValues(t, 1, stats.Delayed)
}

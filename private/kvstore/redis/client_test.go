// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package redis_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"github.com/uploadgate/uploadgate/private/kvstore"
	"github.com/uploadgate/uploadgate/private/kvstore/redis"
	"github.com/uploadgate/uploadgate/private/testredis"
)

func TestClient(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, server.Close()) }()

	client, err := redis.OpenClient(ctx, server.Addr(), "", 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, client.Close()) }()

	t.Run("get set", func(t *testing.T) {
		_, err := client.Get(ctx, "missing")
		require.True(t, kvstore.ErrKeyNotFound.Has(err))

		require.NoError(t, client.Set(ctx, "a", []byte("1"), 0))
		value, err := client.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, []byte("1"), value)

		require.NoError(t, client.Delete(ctx, "a"))
		_, err = client.Get(ctx, "a")
		require.True(t, kvstore.ErrKeyNotFound.Has(err))
	})

	t.Run("setnx", func(t *testing.T) {
		ok, err := client.SetNX(ctx, "lock", []byte("1"), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = client.SetNX(ctx, "lock", []byte("2"), time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("incr with ttl", func(t *testing.T) {
		n, err := client.IncrWithTTL(ctx, "counter", 1, time.Minute)
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		n, err = client.IncrWithTTL(ctx, "counter", 2, time.Minute)
		require.NoError(t, err)
		require.EqualValues(t, 3, n)

		server.FastForward(2 * time.Minute)
		n, err = client.IncrWithTTL(ctx, "counter", 1, time.Minute)
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	})

	t.Run("hash apply", func(t *testing.T) {
		require.NoError(t, client.HApply(ctx, "h",
			map[string]int64{"req": 1, "p:s3": 1},
			map[string]string{"ts": "100"},
			map[string]string{"uid": "tenant-a"},
		))
		require.NoError(t, client.HApply(ctx, "h",
			map[string]int64{"req": 1},
			map[string]string{"ts": "200"},
			map[string]string{"uid": "tenant-b"},
		))

		fields, err := client.HGetAll(ctx, "h")
		require.NoError(t, err)
		require.Equal(t, "2", fields["req"])
		require.Equal(t, "1", fields["p:s3"])
		require.Equal(t, "200", fields["ts"])
		require.Equal(t, "tenant-a", fields["uid"], "uid is set-once")
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, client.LPush(ctx, "list", []byte("1"), []byte("2"), []byte("3")))

		n, err := client.LLen(ctx, "list")
		require.NoError(t, err)
		require.EqualValues(t, 3, n)

		values, err := client.RPopCount(ctx, "list", 2)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("1"), []byte("2")}, values)

		values, err = client.RPopCount(ctx, "list", 2)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("3")}, values)

		values, err = client.RPopCount(ctx, "list", 2)
		require.NoError(t, err)
		require.Empty(t, values)
	})

	t.Run("sorted set", func(t *testing.T) {
		require.NoError(t, client.ZAdd(ctx, "z", 3, []byte("c")))
		require.NoError(t, client.ZAdd(ctx, "z", 1, []byte("a")))
		require.NoError(t, client.ZAdd(ctx, "z", 2, []byte("b")))

		n, err := client.ZCard(ctx, "z")
		require.NoError(t, err)
		require.EqualValues(t, 3, n)

		values, err := client.ZPopLowest(ctx, "z", 2, 10)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, values)

		members, err := client.ZMembers(ctx, "z")
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("c")}, members)

		require.NoError(t, client.ZRem(ctx, "z", []byte("c")))
		n, err = client.ZCard(ctx, "z")
		require.NoError(t, err)
		require.EqualValues(t, 0, n)
	})

	t.Run("scan", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "m:k1:2025-01-01", []byte("x"), 0))
		require.NoError(t, client.Set(ctx, "m:k2:2025-01-01", []byte("x"), 0))
		require.NoError(t, client.Set(ctx, "other", []byte("x"), 0))

		var keys []string
		var cursor uint64
		for {
			page, err := client.ScanKeys(ctx, "m:*", cursor, 10)
			require.NoError(t, err)
			keys = append(keys, page.Keys...)
			cursor = page.Next
			if cursor == 0 {
				break
			}
		}
		require.ElementsMatch(t, []string{"m:k1:2025-01-01", "m:k2:2025-01-01"}, keys)
	})
}

func TestInvalidConnection(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, err := redis.OpenClient(ctx, "localhost:0", "", 0)
	require.Error(t, err)
}

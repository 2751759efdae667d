// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package redis

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/uploadgate/uploadgate/private/kvstore"
)

var (
	// Error is a redis error.
	Error = errs.Class("redis")

	mon = monkit.Package()
)

// incrWithTTL increments a counter and sets the key expiration on the
// increment that created the key. Comparing the result against the
// increment detects the first write of a window, the same trick the
// redis documentation suggests for rate limiters.
const incrWithTTLScript = `local current
current = redis.call("incrby", KEYS[1], ARGV[1])
if tonumber(current) == tonumber(ARGV[1]) then
	redis.call("pexpire", KEYS[1], ARGV[2])
end
return current
`

// Client implements kvstore.Store on top of a redis connection pool.
type Client struct {
	db *redis.Client
}

var _ kvstore.Store = (*Client)(nil)

// OpenClient returns a configured Client instance, verifying a successful
// connection to redis.
func OpenClient(ctx context.Context, address, password string, db int) (*Client, error) {
	client := &Client{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}

	// ping here to verify we are able to connect to redis with the initialized client.
	if err := client.db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}

	return client, nil
}

// OpenClientFrom returns a configured Client instance from a redis address,
// verifying a successful connection to redis.
func OpenClientFrom(ctx context.Context, address string) (*Client, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, err
	}

	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()

	db := 0
	if dbstr := q.Get("db"); dbstr != "" {
		db, err = strconv.Atoi(dbstr)
		if err != nil {
			return nil, err
		}
	}

	return OpenClient(ctx, redisurl.Host, q.Get("password"), db)
}

// Get looks up the provided key from redis returning either an error or the result.
func (client *Client) Get(ctx context.Context, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	if key == "" {
		return nil, kvstore.ErrEmptyKey.New("")
	}
	value, err := client.db.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}

// Set adds a value to the provided key in redis, returning an error on failure.
func (client *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key == "" {
		return kvstore.ErrEmptyKey.New("")
	}
	if err := client.db.Set(ctx, key, value, ttl).Err(); err != nil {
		return Error.New("set error: %v", err)
	}
	return nil
}

// SetNX stores value only when key is absent.
func (client *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error) {
	defer mon.Task()(&ctx)(&err)
	if key == "" {
		return false, kvstore.ErrEmptyKey.New("")
	}
	ok, err = client.db.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, Error.New("setnx error: %v", err)
	}
	return ok, nil
}

// Delete deletes the given keys from redis.
func (client *Client) Delete(ctx context.Context, keys ...string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(keys) == 0 {
		return nil
	}
	if err := client.db.Del(ctx, keys...).Err(); err != nil {
		return Error.New("delete error: %v", err)
	}
	return nil
}

// IncrWithTTL increments the counter at key by delta in a single round trip,
// setting the window expiration when the increment creates the key.
func (client *Client) IncrWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if key == "" {
		return 0, kvstore.ErrEmptyKey.New("")
	}
	res, err := client.db.Eval(ctx, incrWithTTLScript, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, Error.New("incr error: %v", err)
	}
	return res, nil
}

// HApply applies hash increments, writes and set-once writes in one
// pipelined round trip.
func (client *Client) HApply(ctx context.Context, key string, incr map[string]int64, set map[string]string, setOnce map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key == "" {
		return kvstore.ErrEmptyKey.New("")
	}
	_, err = client.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, delta := range incr {
			pipe.HIncrBy(ctx, key, field, delta)
		}
		for field, value := range set {
			pipe.HSet(ctx, key, field, value)
		}
		for field, value := range setOnce {
			pipe.HSetNX(ctx, key, field, value)
		}
		return nil
	})
	if err != nil {
		return Error.New("happly error: %v", err)
	}
	return nil
}

// HGetAll returns all fields of the hash stored at key.
func (client *Client) HGetAll(ctx context.Context, key string) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)
	fields, err := client.db.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, Error.New("hgetall error: %v", err)
	}
	return fields, nil
}

// LPush pushes values at the head of the list at key.
func (client *Client) LPush(ctx context.Context, key string, values ...[]byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(values))
	for _, value := range values {
		args = append(args, value)
	}
	if err := client.db.LPush(ctx, key, args...).Err(); err != nil {
		return Error.New("lpush error: %v", err)
	}
	return nil
}

// RPopCount pops up to n values from the tail of the list at key.
func (client *Client) RPopCount(ctx context.Context, key string, n int) (_ [][]byte, err error) {
	defer mon.Task()(&ctx)(&err)
	out, err := client.db.RPopCount(ctx, key, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.New("rpop error: %v", err)
	}
	values := make([][]byte, 0, len(out))
	for _, s := range out {
		values = append(values, []byte(s))
	}
	return values, nil
}

// LLen returns the length of the list at key.
func (client *Client) LLen(ctx context.Context, key string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	n, err := client.db.LLen(ctx, key).Result()
	if err != nil {
		return 0, Error.New("llen error: %v", err)
	}
	return n, nil
}

// ZAdd adds member with the given score to the sorted set at key.
func (client *Client) ZAdd(ctx context.Context, key string, score float64, member []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.db.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return Error.New("zadd error: %v", err)
	}
	return nil
}

// ZPopLowest removes and returns up to limit members with the lowest scores
// not exceeding max.
func (client *Client) ZPopLowest(ctx context.Context, key string, max float64, limit int) (_ [][]byte, err error) {
	defer mon.Task()(&ctx)(&err)
	out, err := client.db.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(max, 'f', -1, 64),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, Error.New("zrangebyscore error: %v", err)
	}
	values := make([][]byte, 0, len(out))
	for _, s := range out {
		// members removed one by one; a concurrent consumer may win some of
		// them, in which case ZRem is a no-op and we skip the member.
		removed, err := client.db.ZRem(ctx, key, s).Result()
		if err != nil {
			return values, Error.New("zrem error: %v", err)
		}
		if removed == 0 {
			continue
		}
		values = append(values, []byte(s))
	}
	return values, nil
}

// ZRem removes member from the sorted set at key.
func (client *Client) ZRem(ctx context.Context, key string, member []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := client.db.ZRem(ctx, key, member).Err(); err != nil {
		return Error.New("zrem error: %v", err)
	}
	return nil
}

// ZMembers returns all members of the sorted set at key in score order.
func (client *Client) ZMembers(ctx context.Context, key string) (_ [][]byte, err error) {
	defer mon.Task()(&ctx)(&err)
	out, err := client.db.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, Error.New("zrange error: %v", err)
	}
	values := make([][]byte, 0, len(out))
	for _, s := range out {
		values = append(values, []byte(s))
	}
	return values, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (client *Client) ZCard(ctx context.Context, key string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	n, err := client.db.ZCard(ctx, key).Result()
	if err != nil {
		return 0, Error.New("zcard error: %v", err)
	}
	return n, nil
}

// ScanKeys returns one page of keys matching the glob pattern.
func (client *Client) ScanKeys(ctx context.Context, match string, cursor uint64, count int64) (_ kvstore.KeyPage, err error) {
	defer mon.Task()(&ctx)(&err)
	keys, next, err := client.db.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return kvstore.KeyPage{}, Error.New("scan error: %v", err)
	}
	// redis may return duplicates across pages; callers treat keys as a
	// best-effort enumeration and must tolerate re-reading a key.
	return kvstore.KeyPage{Keys: keys, Next: next}, nil
}

// Ping verifies the connection.
func (client *Client) Ping(ctx context.Context) error {
	if err := client.db.Ping(ctx).Err(); err != nil {
		return Error.New("ping failed: %v", err)
	}
	return nil
}

// Close closes the redis client.
func (client *Client) Close() error {
	return client.db.Close()
}

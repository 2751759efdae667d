// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package kvstore declares the shared counter store interface used by the
// admission gates, the usage aggregator and the webhook queue.
package kvstore

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrEmptyKey is returned when an empty key is used.
	ErrEmptyKey = errs.Class("empty key")
)

// KeyPage is a single page of a cursor scan over keys.
type KeyPage struct {
	Keys []string
	// Next is the cursor for the following page; zero means the scan is done.
	Next uint64
}

// Store describes the counter store operations the pipeline needs: plain
// TTL'd values, atomic windowed counters, hashes, FIFO lists and sorted
// sets.
type Store interface {
	// Get returns the value stored at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key. A zero ttl means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value at key only when the key is absent and reports
	// whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// IncrWithTTL atomically increments the counter at key by delta and, on
	// the increment that creates the key, sets its expiration to ttl. It
	// returns the counter value after the increment.
	IncrWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// HApply applies increments, field writes and set-once field writes to
	// the hash at key in a single round trip.
	HApply(ctx context.Context, key string, incr map[string]int64, set map[string]string, setOnce map[string]string) error
	// HGetAll returns all fields of the hash at key. A missing key yields an
	// empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// LPush pushes values at the head of the list at key.
	LPush(ctx context.Context, key string, values ...[]byte) error
	// RPopCount pops up to n values from the tail of the list at key.
	RPopCount(ctx context.Context, key string, n int) ([][]byte, error)
	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int64, error)

	// ZAdd adds member with the given score to the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member []byte) error
	// ZPopLowest removes and returns up to limit members with the lowest
	// scores not exceeding max. A non-positive limit pops every such member.
	ZPopLowest(ctx context.Context, key string, max float64, limit int) ([][]byte, error)
	// ZRem removes member from the sorted set at key.
	ZRem(ctx context.Context, key string, member []byte) error
	// ZMembers returns all members of the sorted set at key in score order.
	ZMembers(ctx context.Context, key string) ([][]byte, error)
	// ZCard returns the cardinality of the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// ScanKeys returns one page of keys matching the glob pattern.
	ScanKeys(ctx context.Context, match string, cursor uint64, count int64) (KeyPage, error)

	// Ping verifies the connection.
	Ping(ctx context.Context) error
	// Close releases the underlying connection pool.
	Close() error
}

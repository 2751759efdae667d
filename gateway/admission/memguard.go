// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package admission

import (
	"sync"
	"time"
)

// memGuard is the per-process burst absorber in front of the shared
// counter gate. It keeps a two-bucket sliding window per (tenant, op
// class) in a bounded map and fails open when the map is full.
type memGuard struct {
	window     time.Duration
	limit      int64
	maxEntries int

	mu      sync.Mutex
	entries map[string]*memWindow
}

type memWindow struct {
	windowStart time.Time
	current     int64
	previous    int64
}

func newMemGuard(window time.Duration, limit int64, maxEntries int) *memGuard {
	return &memGuard{
		window:     window,
		limit:      limit,
		maxEntries: maxEntries,
		entries:    make(map[string]*memWindow),
	}
}

// allow records one request for key and reports whether it fits in the
// sliding window. Unknown keys beyond maxEntries are always allowed.
func (guard *memGuard) allow(key string, now time.Time) (allowed bool, estimate int64) {
	guard.mu.Lock()
	defer guard.mu.Unlock()

	entry, ok := guard.entries[key]
	if !ok {
		if len(guard.entries) >= guard.maxEntries {
			return true, 0
		}
		entry = &memWindow{windowStart: now.Truncate(guard.window)}
		guard.entries[key] = entry
	}

	windowStart := now.Truncate(guard.window)
	switch elapsed := windowStart.Sub(entry.windowStart); {
	case elapsed <= 0:
	case elapsed < 2*guard.window:
		entry.previous = entry.current
		entry.current = 0
		entry.windowStart = windowStart
	default:
		entry.previous = 0
		entry.current = 0
		entry.windowStart = windowStart
	}

	// weight the previous bucket by how much of it still overlaps the
	// sliding window
	overlap := 1 - float64(now.Sub(entry.windowStart))/float64(guard.window)
	estimate = entry.current + int64(float64(entry.previous)*overlap)
	if estimate >= guard.limit {
		return false, estimate
	}

	entry.current++
	return true, estimate + 1
}

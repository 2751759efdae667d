// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package delivery

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakerSet holds one circuit breaker per destination host. The map is
// the only mutable state shared between workers; all access is under the
// mutex. State is per-process: N replicas may each open independently.
type breakerSet struct {
	threshold uint32
	window    time.Duration
	openFor   time.Duration

	mu     sync.Mutex
	byHost map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(threshold uint32, window, openFor time.Duration) *breakerSet {
	return &breakerSet{
		threshold: threshold,
		window:    window,
		openFor:   openFor,
		byHost:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (set *breakerSet) forHost(host string) *gobreaker.CircuitBreaker {
	set.mu.Lock()
	defer set.mu.Unlock()

	breaker, ok := set.byHost[host]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: 1,
			Interval:    set.window,
			Timeout:     set.openFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= set.threshold
			},
		})
		set.byHost[host] = breaker
	}
	return breaker
}

// isCircuitOpen reports whether err is the breaker failing fast rather
// than an actual delivery failure.
func isCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package queue implements the webhook delivery queue on the counter
// store: a FIFO list, a priority sorted set and a delayed re-queue lane.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/uploadgate/uploadgate/private/kvstore"
)

var (
	// Error is a queue error.
	Error = errs.Class("webhook queue")

	mon = monkit.Package()
)

const (
	normalKey   = "webhook:queue"
	priorityKey = "webhook:priority"
	delayedKey  = "webhook:delayed"

	processingPrefix = "processing:"

	// priorityThreshold is the priority above which items use the priority
	// lane.
	priorityThreshold = 5

	// maxPriorityPerBatch bounds priority dequeues per cycle so the FIFO
	// cannot starve.
	maxPriorityPerBatch = 10
)

// Item is a queued webhook delivery.
type Item struct {
	ID         string    `json:"id"`
	Payload    []byte    `json:"payload,omitempty"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Stats reports queue depths.
type Stats struct {
	Normal   int64
	Priority int64
	Delayed  int64
}

// Queue is the durable webhook delivery queue.
type Queue struct {
	store kvstore.Store
}

// New creates a queue on the given counter store.
func New(store kvstore.Store) *Queue {
	return &Queue{store: store}
}

// Enqueue adds a delivery to the queue. Items with priority above 5 go to
// the priority lane, scored by enqueue time so older items drain first.
func (queue *Queue) Enqueue(ctx context.Context, id string, payload []byte, priority int) (err error) {
	defer mon.Task()(&ctx)(&err)

	item := Item{ID: id, Payload: payload, Priority: priority, EnqueuedAt: time.Now().UTC()}
	encoded, err := json.Marshal(item)
	if err != nil {
		return Error.Wrap(err)
	}

	if priority > priorityThreshold {
		err = queue.store.ZAdd(ctx, priorityKey, float64(item.EnqueuedAt.UnixNano()), encoded)
	} else {
		err = queue.store.LPush(ctx, normalKey, encoded)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	mon.Meter("webhook_queue_push").Mark(1)
	return nil
}

// DequeueBatch pops up to n deliveries. Priority items (at most 10) always
// precede FIFO items within a batch.
func (queue *Queue) DequeueBatch(ctx context.Context, n int) (_ []Item, err error) {
	defer mon.Task()(&ctx)(&err)

	if n <= 0 {
		return nil, nil
	}

	var items []Item

	prioLimit := maxPriorityPerBatch
	if n < prioLimit {
		prioLimit = n
	}
	members, err := queue.store.ZPopLowest(ctx, priorityKey, float64(time.Now().UnixNano()), prioLimit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, member := range members {
		var item Item
		if err := json.Unmarshal(member, &item); err != nil {
			return nil, Error.Wrap(err)
		}
		items = append(items, item)
	}

	if remaining := n - len(items); remaining > 0 {
		values, err := queue.store.RPopCount(ctx, normalKey, remaining)
		if err != nil {
			return items, Error.Wrap(err)
		}
		for _, value := range values {
			var item Item
			if err := json.Unmarshal(value, &item); err != nil {
				return items, Error.Wrap(err)
			}
			items = append(items, item)
		}
	}

	mon.Meter("webhook_queue_pop").Mark(len(items))
	return items, nil
}

// Requeue schedules a delivery to re-enter the FIFO after delay. The
// processing:<id> marker key carries the delay as its TTL; RequeueDue moves
// due members back onto the FIFO once the marker has expired.
func (queue *Queue) Requeue(ctx context.Context, id string, payload []byte, delay time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	item := Item{ID: id, Payload: payload, EnqueuedAt: time.Now().UTC()}
	encoded, err := json.Marshal(item)
	if err != nil {
		return Error.Wrap(err)
	}

	readyAt := time.Now().Add(delay)
	if err := queue.store.ZAdd(ctx, delayedKey, float64(readyAt.UnixNano()), encoded); err != nil {
		return Error.Wrap(err)
	}
	marker := []byte(strconv.FormatInt(readyAt.UnixNano(), 10))
	if err := queue.store.Set(ctx, processingPrefix+id, marker, delay); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// RequeueDue moves deliveries whose delay has elapsed back onto the FIFO
// and returns how many were moved.
func (queue *Queue) RequeueDue(ctx context.Context) (moved int, err error) {
	defer mon.Task()(&ctx)(&err)

	members, err := queue.store.ZPopLowest(ctx, delayedKey, float64(time.Now().UnixNano()), -1)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	for _, member := range members {
		var item Item
		if err := json.Unmarshal(member, &item); err != nil {
			return moved, Error.Wrap(err)
		}

		// the marker normally expires on its own at the ready time; delete
		// it anyway in case the poller runs early.
		if err := queue.store.Delete(ctx, processingPrefix+item.ID); err != nil {
			return moved, Error.Wrap(err)
		}

		if err := queue.store.LPush(ctx, normalKey, member); err != nil {
			return moved, Error.Wrap(err)
		}
		moved++
	}
	return moved, nil
}

// Remove drops any pending delayed re-queue for id. Items already sitting
// in the FIFO are skipped at delivery time instead, after the record
// lookup fails.
func (queue *Queue) Remove(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := queue.store.Delete(ctx, processingPrefix+id); err != nil {
		return Error.Wrap(err)
	}

	members, err := queue.store.ZMembers(ctx, delayedKey)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, member := range members {
		var item Item
		if err := json.Unmarshal(member, &item); err != nil {
			continue
		}
		if item.ID != id {
			continue
		}
		if err := queue.store.ZRem(ctx, delayedKey, member); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Length returns the total number of queued deliveries across all lanes.
func (queue *Queue) Length(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	stats, err := queue.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Normal + stats.Priority + stats.Delayed, nil
}

// Stats returns per-lane queue depths.
func (queue *Queue) Stats(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	var stats Stats
	if stats.Normal, err = queue.store.LLen(ctx, normalKey); err != nil {
		return Stats{}, Error.Wrap(err)
	}
	if stats.Priority, err = queue.store.ZCard(ctx, priorityKey); err != nil {
		return Stats{}, Error.Wrap(err)
	}
	if stats.Delayed, err = queue.store.ZCard(ctx, delayedKey); err != nil {
		return Stats{}, Error.Wrap(err)
	}
	return stats, nil
}

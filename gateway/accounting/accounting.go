// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package accounting aggregates per-API-key usage into the counter store
// and reads it back for rollup and dashboards.
package accounting

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/uploadgate/uploadgate/private/kvstore"
)

var (
	// Error is an accounting error.
	Error = errs.Class("accounting")

	mon = monkit.Package()
)

const (
	keyPrefix = "m:"

	fieldRequests      = "req"
	fieldLastUsed      = "ts"
	fieldTenant        = "uid"
	prefixProvider     = "p:"
	prefixFileType     = "ft:"
	prefixFileCategory = "fc:"
)

// Usage is one request's worth of usage.
type Usage struct {
	APIKeyID     string
	TenantID     string
	Provider     string
	ContentType  string
	FileCategory string
}

// DailyUsage is the parsed aggregate for one (apiKeyId, date) pair.
type DailyUsage struct {
	APIKeyID string
	Date     string
	TenantID string

	TotalRequests  int64
	Providers      map[string]int64
	FileTypes      map[string]int64
	FileCategories map[string]int64

	LastUsedAt time.Time
}

// Page is one cursor page of daily usage aggregates.
type Page struct {
	Usages []DailyUsage
	// Next is the cursor for the following page; zero means done.
	Next uint64
}

// RollupDB persists daily usage aggregates.
//
// architecture: Database
type RollupDB interface {
	// Upsert overwrites the row for (usage.APIKeyID, usage.Date) wholesale.
	Upsert(ctx context.Context, usage DailyUsage) error
}

// Aggregator records usage into the counter store. Writes are
// fire-and-forget: the caller is never blocked and a counter-store outage
// only drops the sample.
//
// architecture: Service
type Aggregator struct {
	log   *zap.Logger
	store kvstore.Store

	writeTimeout time.Duration
	pending      sync.WaitGroup
	nowFn        func() time.Time
}

// NewAggregator creates a usage aggregator.
func NewAggregator(log *zap.Logger, store kvstore.Store) *Aggregator {
	return &Aggregator{
		log:          log,
		store:        store,
		writeTimeout: 5 * time.Second,
		nowFn:        time.Now,
	}
}

// Record registers usage asynchronously and returns immediately. Dropped
// writes increment metrics_dropped_total.
func (aggregator *Aggregator) Record(ctx context.Context, usage Usage) {
	aggregator.pending.Add(1)
	go func() {
		defer aggregator.pending.Done()

		// detach from the request context so the response does not wait
		// on the counter store
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), aggregator.writeTimeout)
		defer cancel()

		if err := aggregator.record(writeCtx, usage); err != nil {
			mon.Counter("metrics_dropped_total").Inc(1)
			aggregator.log.Warn("usage sample dropped",
				zap.String("apiKeyId", usage.APIKeyID),
				zap.Error(err))
		}
	}()
}

// record applies one usage sample in a single hash round trip.
func (aggregator *Aggregator) record(ctx context.Context, usage Usage) (err error) {
	defer mon.Task()(&ctx)(&err)

	if usage.APIKeyID == "" {
		return Error.New("missing api key id")
	}
	now := aggregator.nowFn().UTC()
	key := keyPrefix + usage.APIKeyID + ":" + now.Format(time.DateOnly)

	incr := map[string]int64{fieldRequests: 1}
	if usage.Provider != "" {
		incr[prefixProvider+usage.Provider] = 1
	}
	if usage.ContentType != "" {
		incr[prefixFileType+usage.ContentType] = 1
	}
	if usage.FileCategory != "" {
		incr[prefixFileCategory+usage.FileCategory] = 1
	}

	set := map[string]string{fieldLastUsed: strconv.FormatInt(now.Unix(), 10)}
	setOnce := map[string]string{fieldTenant: usage.TenantID}

	return Error.Wrap(aggregator.store.HApply(ctx, key, incr, set, setOnce))
}

// Wait blocks until all in-flight samples have been written. Used on
// shutdown and in tests.
func (aggregator *Aggregator) Wait() {
	aggregator.pending.Wait()
}

// ReadPage scans one page of m:* keys and parses them into aggregates.
// Keys that fail to parse are skipped with a warning, not returned as
// errors, so one corrupt key cannot wedge the rollup.
func (aggregator *Aggregator) ReadPage(ctx context.Context, cursor uint64, pageSize int64) (_ Page, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := aggregator.store.ScanKeys(ctx, keyPrefix+"*", cursor, pageSize)
	if err != nil {
		return Page{}, Error.Wrap(err)
	}

	page := Page{Next: keys.Next}
	for _, key := range keys.Keys {
		usage, err := aggregator.readKey(ctx, key)
		if err != nil {
			aggregator.log.Warn("skipping unparseable metrics key",
				zap.String("key", key), zap.Error(err))
			continue
		}
		page.Usages = append(page.Usages, usage)
	}
	return page, nil
}

// DeleteKey removes the counter-store aggregate for (apiKeyID, date).
// Called by rollup after the durable upsert commits.
func (aggregator *Aggregator) DeleteKey(ctx context.Context, apiKeyID, date string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(aggregator.store.Delete(ctx, keyPrefix+apiKeyID+":"+date))
}

func (aggregator *Aggregator) readKey(ctx context.Context, key string) (DailyUsage, error) {
	trimmed := strings.TrimPrefix(key, keyPrefix)
	split := strings.LastIndex(trimmed, ":")
	if split <= 0 || split == len(trimmed)-1 {
		return DailyUsage{}, Error.New("malformed key %q", key)
	}
	usage := DailyUsage{
		APIKeyID:       trimmed[:split],
		Date:           trimmed[split+1:],
		Providers:      map[string]int64{},
		FileTypes:      map[string]int64{},
		FileCategories: map[string]int64{},
	}
	if _, err := time.Parse(time.DateOnly, usage.Date); err != nil {
		return DailyUsage{}, Error.New("malformed key %q", key)
	}

	fields, err := aggregator.store.HGetAll(ctx, key)
	if err != nil {
		return DailyUsage{}, Error.Wrap(err)
	}

	for field, value := range fields {
		switch {
		case field == fieldRequests:
			usage.TotalRequests, err = strconv.ParseInt(value, 10, 64)
		case field == fieldTenant:
			usage.TenantID = value
		case field == fieldLastUsed:
			var epoch int64
			epoch, err = strconv.ParseInt(value, 10, 64)
			usage.LastUsedAt = time.Unix(epoch, 0).UTC()
		case strings.HasPrefix(field, prefixProvider):
			usage.Providers[strings.TrimPrefix(field, prefixProvider)], err = strconv.ParseInt(value, 10, 64)
		case strings.HasPrefix(field, prefixFileType):
			usage.FileTypes[strings.TrimPrefix(field, prefixFileType)], err = strconv.ParseInt(value, 10, 64)
		case strings.HasPrefix(field, prefixFileCategory):
			usage.FileCategories[strings.TrimPrefix(field, prefixFileCategory)], err = strconv.ParseInt(value, 10, 64)
		}
		if err != nil {
			return DailyUsage{}, Error.New("malformed field %q=%q in %q", field, value, key)
		}
	}
	return usage, nil
}

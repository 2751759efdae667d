// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package admission implements the three-gate request admission
// pipeline: a per-process memory guard, a shared windowed counter and a
// cached monthly quota check.
package admission

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/uploadgate/uploadgate/private/kvstore"
)

var (
	// Error is an admission error. Admission errors are always
	// recoverable and never corrupt state.
	Error = errs.Class("admission")

	mon = monkit.Package()
)

// Layers name the gate that produced a decision.
const (
	LayerMemory = "memory"
	LayerShared = "shared_counter"
	LayerQuota  = "quota"
)

// Config configures the admission pipeline.
type Config struct {
	Window        time.Duration `help:"rate limit window" default:"1m"`
	RequestLimit  int64         `help:"requests allowed per tenant per op class per window" default:"120"`
	BurstLimit    int64         `help:"per-process burst allowance per window" default:"240"`
	MaxMemEntries int           `help:"bound on the in-memory guard map; overflow fails open" default:"10000"`
	QuotaCacheTTL time.Duration `help:"how long monthly quota reads are cached" default:"5m"`
}

// Request is an admission check for one inbound call.
type Request struct {
	TenantID string
	OpClass  string
}

// Decision is the admission outcome. Layer names the gate that rejected
// (or, for allowed decisions, the last gate consulted). Warning flags a
// fail-open decision taken while the counter store or the quota source
// was unreachable; it is surfaced in telemetry, not to the caller.
type Decision struct {
	Allowed      bool
	Layer        string
	CurrentUsage int64
	Limit        int64
	Warning      bool
}

// Quota is a tenant's monthly allowance.
type Quota struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// QuotaDB reads monthly tenant quotas from the durable store.
//
// architecture: Database
type QuotaDB interface {
	// MonthlyQuota returns the tenant's current month usage and limit. A
	// zero limit means unmetered.
	MonthlyQuota(ctx context.Context, tenantID string) (Quota, error)
}

// Service is the admission pipeline.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	store  kvstore.Store
	quotas QuotaDB
	config Config

	guard *memGuard

	nowFn func() time.Time
}

// NewService creates an admission service.
func NewService(log *zap.Logger, store kvstore.Store, quotas QuotaDB, config Config) *Service {
	return &Service{
		log:    log,
		store:  store,
		quotas: quotas,
		config: config,
		guard:  newMemGuard(config.Window, config.BurstLimit, config.MaxMemEntries),
		nowFn:  time.Now,
	}
}

// Admit runs the three gates in order and short-circuits on the first
// rejection.
func (service *Service) Admit(ctx context.Context, request Request) (_ Decision, err error) {
	defer mon.Task()(&ctx)(&err)

	if request.TenantID == "" {
		return Decision{}, Error.New("missing tenant id")
	}
	now := service.nowFn()

	if allowed, estimate := service.guard.allow(request.TenantID+":"+request.OpClass, now); !allowed {
		mon.Counter("admission_rejected", monkit.NewSeriesTag("layer", LayerMemory)).Inc(1)
		return Decision{Layer: LayerMemory, CurrentUsage: estimate, Limit: service.config.BurstLimit}, nil
	}

	shared := service.admitShared(ctx, request, now)
	if !shared.Allowed {
		return shared, nil
	}

	decision, err := service.admitQuota(ctx, request)
	if err == nil {
		decision.Warning = decision.Warning || shared.Warning
	}
	return decision, err
}

// admitShared is the windowed counter shared across replicas:
// rl:<tenant>:<op>:<window>, incremented and read in one round trip. A
// counter-store outage fails open with the Warning flag set; the later
// gates still run.
func (service *Service) admitShared(ctx context.Context, request Request, now time.Time) Decision {
	windowID := now.Unix() / int64(service.config.Window.Seconds())
	key := "rl:" + request.TenantID + ":" + request.OpClass + ":" + strconv.FormatInt(windowID, 10)

	count, err := service.store.IncrWithTTL(ctx, key, 1, service.config.Window)
	if err != nil {
		mon.Counter("admission_counter_fail_open").Inc(1)
		service.log.Warn("counter store unreachable, failing open",
			zap.String("tenantId", request.TenantID), zap.Error(err))
		return Decision{Allowed: true, Layer: LayerShared, Warning: true}
	}
	if count > service.config.RequestLimit {
		mon.Counter("admission_rejected", monkit.NewSeriesTag("layer", LayerShared)).Inc(1)
		return Decision{Layer: LayerShared, CurrentUsage: count, Limit: service.config.RequestLimit}
	}
	return Decision{Allowed: true, Layer: LayerShared, CurrentUsage: count, Limit: service.config.RequestLimit}
}

// admitQuota checks the monthly tenant quota through a short-lived cache.
// When the durable store is unreachable the gate fails open with the
// Warning flag set.
func (service *Service) admitQuota(ctx context.Context, request Request) (Decision, error) {
	quota, warning, err := service.loadQuota(ctx, request.TenantID)
	if err != nil {
		return Decision{}, err
	}
	if warning {
		mon.Counter("admission_quota_fail_open").Inc(1)
		service.log.Warn("quota source unreachable, failing open",
			zap.String("tenantId", request.TenantID))
		return Decision{Allowed: true, Layer: LayerQuota, Warning: true}, nil
	}

	if quota.Limit > 0 && quota.Used >= quota.Limit {
		mon.Counter("admission_rejected", monkit.NewSeriesTag("layer", LayerQuota)).Inc(1)
		return Decision{Layer: LayerQuota, CurrentUsage: quota.Used, Limit: quota.Limit}, nil
	}
	return Decision{Allowed: true, Layer: LayerQuota, CurrentUsage: quota.Used, Limit: quota.Limit}, nil
}

func (service *Service) loadQuota(ctx context.Context, tenantID string) (quota Quota, warning bool, err error) {
	key := "quota:" + tenantID

	cached, err := service.store.Get(ctx, key)
	if err == nil {
		if err := json.Unmarshal(cached, &quota); err == nil {
			return quota, false, nil
		}
		// unparseable cache entry, fall through to the source
	} else if !kvstore.ErrKeyNotFound.Has(err) {
		// cache unreachable; the durable source still decides
		service.log.Warn("quota cache read failed",
			zap.String("tenantId", tenantID), zap.Error(err))
	}

	quota, err = service.quotas.MonthlyQuota(ctx, tenantID)
	if err != nil {
		return Quota{}, true, nil
	}

	encoded, err := json.Marshal(quota)
	if err != nil {
		return Quota{}, false, Error.Wrap(err)
	}
	if err := service.store.Set(ctx, key, encoded, service.config.QuotaCacheTTL); err != nil {
		service.log.Warn("quota cache write failed", zap.String("tenantId", tenantID), zap.Error(err))
	}
	return quota, false, nil
}

// InvalidateTenant evicts the tenant's cached quota so an external quota
// change takes effect immediately.
func (service *Service) InvalidateTenant(ctx context.Context, tenantID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(service.store.Delete(ctx, "quota:"+tenantID))
}

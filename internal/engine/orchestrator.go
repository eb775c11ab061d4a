// Package engine holds the fetch orchestrator: the only component that reads platforms and
// writes the snapshot and summary stores.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/metrics"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"github.com/radiusdt/ads-metrics-engine/internal/period"
	"github.com/radiusdt/ads-metrics-engine/internal/platform"
	"github.com/radiusdt/ads-metrics-engine/internal/retry"
	"github.com/radiusdt/ads-metrics-engine/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultFreshnessWindow = 3 * time.Hour
	DefaultFetchTimeout    = 45 * time.Second
	DefaultRefreshTimeout  = 2 * time.Minute
)

// Accounts resolves a tenant's platform account. *platform.Registry implements it.
type Accounts interface {
	Resolve(tenantID string, p models.Platform) (platform.Account, error)
}

// Options configures an Orchestrator. Snapshots, Summaries and Accounts are required.
type Options struct {
	Snapshots storage.SnapshotStore
	Summaries storage.SummaryStore
	Accounts  Accounts
	Retry     *retry.Policy
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	FreshnessWindow time.Duration
	RetentionMonths int

	// FetchTimeout bounds one platform fetch including retries.
	FetchTimeout time.Duration
	// RefreshTimeout bounds a background stale-while-revalidate refresh.
	RefreshTimeout time.Duration

	// Location decides which calendar day "today" is. Defaults to UTC.
	Location *time.Location
	Now      func() time.Time
}

// Orchestrator resolves metric requests through the snapshot cache, the summary store and
// the platforms, coalescing concurrent fetches for the same period.
type Orchestrator struct {
	snapshots storage.SnapshotStore
	summaries storage.SummaryStore
	accounts  Accounts
	retry     *retry.Policy
	metrics   *metrics.Metrics
	logger    *zap.Logger

	freshness       time.Duration
	retentionMonths int
	fetchTimeout    time.Duration
	refreshTimeout  time.Duration
	loc             *time.Location
	now             func() time.Time

	flights    singleflight.Group
	background sync.WaitGroup
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Snapshots == nil || opts.Summaries == nil {
		return nil, errors.New("engine: snapshot and summary stores are required")
	}
	if opts.Accounts == nil {
		return nil, errors.New("engine: account registry is required")
	}

	o := &Orchestrator{
		snapshots:       opts.Snapshots,
		summaries:       opts.Summaries,
		accounts:        opts.Accounts,
		retry:           opts.Retry,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		freshness:       opts.FreshnessWindow,
		retentionMonths: opts.RetentionMonths,
		fetchTimeout:    opts.FetchTimeout,
		refreshTimeout:  opts.RefreshTimeout,
		loc:             opts.Location,
		now:             opts.Now,
	}
	if o.retry == nil {
		o.retry = &retry.Policy{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.freshness <= 0 {
		o.freshness = DefaultFreshnessWindow
	}
	if o.fetchTimeout <= 0 {
		o.fetchTimeout = DefaultFetchTimeout
	}
	if o.refreshTimeout <= 0 {
		o.refreshTimeout = DefaultRefreshTimeout
	}
	if o.loc == nil {
		o.loc = time.UTC
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// FetchMetrics returns aggregated metrics for r. Current periods are served from the snapshot
// cache, closed periods from the summary store, and misses from the platform with the result
// written back. Aligned multi-period ranges are resolved period by period and combined;
// periods that have not started yet contribute nothing.
func (o *Orchestrator) FetchMetrics(ctx context.Context, tenantID string, p models.Platform, r models.DateRange, forceFresh bool) (*models.AggregatedResult, error) {
	start := time.Now()
	res, err := o.fetchMetrics(ctx, tenantID, p, r, forceFresh)

	switch {
	case err != nil:
		o.metrics.RecordFetch(string(p), "none", "error", time.Since(start))
	case res.Degraded:
		o.metrics.RecordFetch(string(p), res.DataSource, "degraded", time.Since(start))
	case res.Stale:
		o.metrics.RecordFetch(string(p), res.DataSource, "stale", time.Since(start))
	default:
		o.metrics.RecordFetch(string(p), res.DataSource, "ok", time.Since(start))
	}
	return res, err
}

func (o *Orchestrator) fetchMetrics(ctx context.Context, tenantID string, p models.Platform, r models.DateRange, forceFresh bool) (*models.AggregatedResult, error) {
	if tenantID == "" {
		return nil, errs.Validation("engine.fetch", "tenant_id is required")
	}
	if !p.Valid() {
		return nil, errs.Validation("engine.fetch", "unknown platform %q", p)
	}
	if err := r.Validate(); err != nil {
		return nil, errs.Validation("engine.fetch", "%v", err)
	}
	today := o.today()
	if r.Start.After(today) {
		return nil, errs.Validation("engine.fetch", "range %s starts after today", r)
	}

	acct, err := o.accounts.Resolve(tenantID, p)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With(
		zap.String("tenant_id", tenantID),
		zap.String("platform", string(p)),
		zap.String("fetch_id", uuid.NewString()),
	)

	periods, ok := period.Split(r)
	if !ok {
		return o.fetchUnaligned(ctx, logger, acct, tenantID, p, r)
	}

	// Periods that have not started hold no data yet. The first one always has, since
	// r.Start is not after today.
	started := make([]period.Period, 0, len(periods))
	for _, per := range periods {
		if !per.Range.Start.After(today) {
			started = append(started, per)
		}
	}
	if skipped := len(periods) - len(started); skipped > 0 {
		logger.Debug("skipping periods that have not started", zap.Int("skipped", skipped))
	}

	parts := make([]*models.AggregatedResult, 0, len(started))
	for _, per := range started {
		req := fetchRequest{
			acct:     acct,
			tenantID: tenantID,
			platform: p,
			period:   per,
			force:    forceFresh,
			logger: logger.With(
				zap.String("granularity", string(per.Granularity)),
				zap.String("period_id", per.ID),
			),
		}
		if class, _ := period.Classify(per.Range, today); class == period.Current {
			req.current = true
		}

		var res *models.AggregatedResult
		if req.current {
			res, err = o.fetchCurrent(ctx, req)
		} else {
			res, err = o.fetchHistorical(ctx, req, today)
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, res)
	}

	if len(parts) == 1 && len(periods) == 1 {
		return parts[0], nil
	}
	return combine(tenantID, p, r, parts), nil
}

// RefreshCurrent force-refreshes the current period of granularity g. It is the entry point
// for an external refresh scheduler and never degrades: platform errors are returned.
func (o *Orchestrator) RefreshCurrent(ctx context.Context, tenantID string, p models.Platform, g models.Granularity) (*models.AggregatedResult, error) {
	if tenantID == "" {
		return nil, errs.Validation("engine.refresh", "tenant_id is required")
	}
	if !g.Valid() {
		return nil, errs.Validation("engine.refresh", "unknown granularity %q", g)
	}
	if !p.Valid() {
		return nil, errs.Validation("engine.refresh", "unknown platform %q", p)
	}
	acct, err := o.accounts.Resolve(tenantID, p)
	if err != nil {
		return nil, err
	}

	per := period.Of(o.today(), g)
	req := fetchRequest{
		acct:     acct,
		tenantID: tenantID,
		platform: p,
		period:   per,
		current:  true,
		force:    true,
		logger: o.logger.With(
			zap.String("tenant_id", tenantID),
			zap.String("platform", string(p)),
			zap.String("granularity", string(g)),
			zap.String("period_id", per.ID),
			zap.String("fetch_id", uuid.NewString()),
		),
	}
	return o.coalesce(ctx, req)
}

// ListSummaries returns the stored summaries of one type whose summary_date falls in
// [from, to], ordered by date.
func (o *Orchestrator) ListSummaries(ctx context.Context, tenantID string, p models.Platform, t models.SummaryType, from, to time.Time) ([]*models.SummaryRecord, error) {
	if tenantID == "" {
		return nil, errs.Validation("engine.list", "tenant_id is required")
	}
	if !p.Valid() {
		return nil, errs.Validation("engine.list", "unknown platform %q", p)
	}
	if !t.Valid() {
		return nil, errs.Validation("engine.list", "unknown summary type %q", t)
	}
	if to.Before(from) {
		return nil, errs.Validation("engine.list", "to %s is before from %s", to.Format(models.DateLayout), from.Format(models.DateLayout))
	}

	start := time.Now()
	recs, err := o.summaries.ListRange(ctx, storage.SummaryQuery{
		TenantID:    tenantID,
		Platform:    p,
		SummaryType: t,
		From:        from,
		To:          to,
	})
	o.metrics.RecordStoreOp("summary", "list", err, time.Since(start))
	if err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.Store("engine.list", err)
		}
		return nil, err
	}
	if recs == nil {
		recs = []*models.SummaryRecord{}
	}
	return recs, nil
}

// Wait blocks until in-flight background refreshes finish.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

func (o *Orchestrator) today() time.Time {
	return period.Civil(o.now(), o.loc)
}

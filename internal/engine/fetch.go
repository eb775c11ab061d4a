package engine

import (
	"context"
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/aggregate"
	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/funnel"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"github.com/radiusdt/ads-metrics-engine/internal/period"
	"github.com/radiusdt/ads-metrics-engine/internal/platform"
	"github.com/radiusdt/ads-metrics-engine/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// fetchRequest is one period of one tenant account.
type fetchRequest struct {
	acct     platform.Account
	tenantID string
	platform models.Platform
	period   period.Period
	current  bool
	force    bool
	logger   *zap.Logger
}

func (r fetchRequest) snapshotKey() models.SnapshotKey {
	return models.SnapshotKey{
		TenantID:    r.tenantID,
		Platform:    r.platform,
		Granularity: r.period.Granularity,
		PeriodID:    r.period.ID,
	}
}

func (r fetchRequest) summaryKey() models.SummaryKey {
	return models.SummaryKey{
		TenantID:    r.tenantID,
		SummaryType: r.period.SummaryType(),
		SummaryDate: r.period.SummaryDate(),
		Platform:    r.platform,
	}
}

// fetchCurrent serves the current period: fresh snapshots as is, stale snapshots immediately
// with a background refresh, misses synchronously.
func (o *Orchestrator) fetchCurrent(ctx context.Context, req fetchRequest) (*models.AggregatedResult, error) {
	snap := o.getSnapshot(ctx, req)
	if snap != nil && !req.force {
		now := o.now()
		o.metrics.RecordSnapshotAge(string(req.platform), string(req.period.Granularity), snap.Age(now))
		if storage.IsFresh(snap, now, o.freshness) {
			return fromSnapshot(req, snap, now, models.SourceCache), nil
		}

		req.logger.Debug("serving stale snapshot, refreshing in background",
			zap.Duration("age", snap.Age(now)),
		)
		o.revalidate(req)
		res := fromSnapshot(req, snap, now, models.SourceStaleCache)
		res.Stale = true
		return res, nil
	}

	res, err := o.coalesce(ctx, req)
	if err == nil {
		return res, nil
	}
	return o.degrade(ctx, req, err, snap, nil)
}

// fetchHistorical serves a closed period from the summary store. A summary last written
// before its period ended is provisional and is refetched.
func (o *Orchestrator) fetchHistorical(ctx context.Context, req fetchRequest, today time.Time) (*models.AggregatedResult, error) {
	rec, err := o.getSummary(ctx, req)
	if err != nil {
		return nil, err
	}
	if rec != nil && !req.force && o.final(rec, req.period) {
		return fromSummary(req, rec, o.now(), models.SourceSummary), nil
	}
	if rec == nil && period.BeyondRetention(req.period.Range.Start, today, o.retentionMonths) {
		req.logger.Info("period is outside the retention window, fetching live")
	}

	res, err := o.coalesce(ctx, req)
	if err == nil {
		return res, nil
	}
	return o.degrade(ctx, req, err, nil, rec)
}

// fetchUnaligned serves a range that is not a whole number of months or weeks. Nothing can key
// it, so the result is never persisted and there is no fallback.
func (o *Orchestrator) fetchUnaligned(ctx context.Context, logger *zap.Logger, acct platform.Account, tenantID string, p models.Platform, r models.DateRange) (*models.AggregatedResult, error) {
	key := tenantID + "|" + string(p) + "|range|" + r.String()
	ch := o.flights.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.fetchTimeout)
		defer cancel()

		rows, err := o.callPlatform(fctx, logger, acct, p, r)
		if err != nil {
			return nil, err
		}
		records := normalizer(acct, p).NormalizeAll(rows)
		return newResult(tenantID, p, r, records, aggregate.Aggregate(records), models.SourceLiveUnaligned, o.now()), nil
	})
	return o.wait(ctx, p, ch)
}

// coalesce runs load for req, sharing one in-flight load per period key. The load is detached
// from ctx so a caller giving up does not abort the write-through for the others.
func (o *Orchestrator) coalesce(ctx context.Context, req fetchRequest) (*models.AggregatedResult, error) {
	ch := o.flights.DoChan(req.snapshotKey().String(), func() (interface{}, error) {
		return o.load(context.WithoutCancel(ctx), req)
	})
	return o.wait(ctx, req.platform, ch)
}

func (o *Orchestrator) wait(ctx context.Context, p models.Platform, ch <-chan singleflight.Result) (*models.AggregatedResult, error) {
	select {
	case res := <-ch:
		if res.Shared {
			o.metrics.RecordCoalesced(string(p))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*models.AggregatedResult)
		return &out, nil
	case <-ctx.Done():
		return nil, errs.PlatformTransient("engine.fetch", ctx.Err())
	}
}

// load is the body of a coalesced flight. It re-checks the stores first since a previous flight
// for the key may have completed between the caller's read and this flight starting.
func (o *Orchestrator) load(ctx context.Context, req fetchRequest) (*models.AggregatedResult, error) {
	if !req.force {
		if res := o.recheck(ctx, req); res != nil {
			return res, nil
		}
	}

	fctx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	rows, err := o.callPlatform(fctx, req.logger, req.acct, req.platform, req.period.Range)
	cancel()
	if err != nil {
		return nil, err
	}

	now := o.now()
	records := normalizer(req.acct, req.platform).NormalizeAll(rows)
	totals := aggregate.Aggregate(records)
	rec := &models.SummaryRecord{
		TenantID:     req.tenantID,
		SummaryType:  req.period.SummaryType(),
		SummaryDate:  req.period.SummaryDate(),
		Platform:     req.platform,
		Totals:       totals,
		CampaignData: records,
		DataSource:   models.SourceLive,
		LastUpdated:  now,
	}

	if req.current {
		snap := &models.Snapshot{
			TenantID:      req.tenantID,
			Platform:      req.platform,
			Granularity:   req.period.Granularity,
			PeriodID:      req.period.ID,
			Campaigns:     records,
			Totals:        totals,
			LastRefreshed: now,
		}
		err = o.writeThrough(ctx, req, rec, snap)
	} else {
		err = o.upsertSummary(ctx, rec)
	}
	if err != nil {
		req.logger.Error("failed to persist fetched metrics", zap.Error(err))
		return nil, err
	}

	req.logger.Info("fetched metrics from platform",
		zap.Int("campaigns", len(records)),
		zap.Bool("current", req.current),
	)
	return periodResult(req, records, totals, models.SourceLive, now), nil
}

func (o *Orchestrator) recheck(ctx context.Context, req fetchRequest) *models.AggregatedResult {
	now := o.now()
	if req.current {
		snap := o.getSnapshot(ctx, req)
		if storage.IsFresh(snap, now, o.freshness) {
			return fromSnapshot(req, snap, now, models.SourceCache)
		}
		return nil
	}
	rec, err := o.getSummary(ctx, req)
	if err == nil && rec != nil && o.final(rec, req.period) {
		return fromSummary(req, rec, now, models.SourceSummary)
	}
	return nil
}

// callPlatform fetches raw rows under the retry policy. Errors the platform client could not
// classify are reported as platform_unavailable.
func (o *Orchestrator) callPlatform(ctx context.Context, logger *zap.Logger, acct platform.Account, p models.Platform, r models.DateRange) ([]models.RawCampaignPayload, error) {
	policy := *o.retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		o.metrics.RecordRetry(string(p), errs.KindOf(err).String())
		logger.Warn("retrying platform fetch",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	var rows []models.RawCampaignPayload
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		rows, err = acct.Client.GetCampaignData(ctx, r.Start, r.End)
		return err
	})
	if err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.PlatformTransient("engine.fetch", err)
		}
		logger.Warn("platform fetch failed",
			zap.String("code", errs.KindOf(err).Code()),
			zap.Error(err),
		)
		return nil, err
	}
	return rows, nil
}

// writeThrough upserts rec and puts snap inside the same commit. If the upsert fails after
// the snapshot was written, the previous snapshot is restored.
func (o *Orchestrator) writeThrough(ctx context.Context, req fetchRequest, rec *models.SummaryRecord, snap *models.Snapshot) error {
	prev := o.getSnapshot(ctx, req)

	written := false
	hook := func(ctx context.Context) error {
		start := time.Now()
		err := o.snapshots.Put(ctx, snap)
		o.metrics.RecordStoreOp("snapshot", "put", err, time.Since(start))
		if err == nil {
			written = true
		}
		return err
	}

	err := o.upsertSummary(ctx, rec, hook)
	if err != nil && written {
		o.restoreSnapshot(ctx, req, prev)
	}
	return err
}

func (o *Orchestrator) restoreSnapshot(ctx context.Context, req fetchRequest, prev *models.Snapshot) {
	var err error
	if prev != nil {
		err = o.snapshots.Put(ctx, prev)
	} else {
		err = o.snapshots.Delete(ctx, req.snapshotKey())
	}
	if err != nil {
		req.logger.Error("failed to roll back snapshot", zap.Error(err))
		return
	}
	req.logger.Warn("rolled back snapshot after failed summary commit")
}

// degrade answers a failed fetch with the best last-known-good data: the snapshot, else the
// prior summary. Only platform failures degrade.
func (o *Orchestrator) degrade(ctx context.Context, req fetchRequest, fetchErr error, snap *models.Snapshot, rec *models.SummaryRecord) (*models.AggregatedResult, error) {
	if !errs.KindOf(fetchErr).IsPlatform() {
		return nil, fetchErr
	}

	lookup := context.WithoutCancel(ctx)
	if snap == nil && req.current {
		snap = o.getSnapshot(lookup, req)
	}

	now := o.now()
	var res *models.AggregatedResult
	switch {
	case snap != nil:
		res = fromSnapshot(req, snap, now, models.SourceStaleCache)
	default:
		if rec == nil {
			var err error
			if rec, err = o.getSummary(lookup, req); err != nil {
				req.logger.Warn("summary fallback lookup failed", zap.Error(err))
			}
		}
		if rec == nil {
			return nil, fetchErr
		}
		res = fromSummary(req, rec, now, models.SourceStaleSummary)
	}

	res.Stale = true
	res.Degraded = true
	res.DegradedCode = errs.KindOf(fetchErr).Code()
	req.logger.Warn("serving last known data after platform failure",
		zap.String("data_source", res.DataSource),
		zap.String("code", res.DegradedCode),
		zap.Error(fetchErr),
	)
	return res, nil
}

// revalidate refreshes req's period in the background. Concurrent revalidations for the same
// key share one flight.
func (o *Orchestrator) revalidate(req fetchRequest) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), o.refreshTimeout)
		defer cancel()

		_, err := o.coalesce(ctx, req)
		o.metrics.RecordBackgroundRefresh(string(req.platform), err)
		if err != nil {
			req.logger.Warn("background refresh failed", zap.Error(err))
		}
	}()
}

// final reports whether rec was written after its period closed.
func (o *Orchestrator) final(rec *models.SummaryRecord, per period.Period) bool {
	return period.Civil(rec.LastUpdated, o.loc).After(per.Range.End)
}

// getSnapshot treats read failures as misses.
func (o *Orchestrator) getSnapshot(ctx context.Context, req fetchRequest) *models.Snapshot {
	start := time.Now()
	snap, err := o.snapshots.Get(ctx, req.snapshotKey())
	o.metrics.RecordStoreOp("snapshot", "get", err, time.Since(start))
	if err != nil {
		req.logger.Warn("snapshot read failed, treating as miss", zap.Error(err))
		return nil
	}
	return snap
}

func (o *Orchestrator) getSummary(ctx context.Context, req fetchRequest) (*models.SummaryRecord, error) {
	start := time.Now()
	rec, err := o.summaries.Get(ctx, req.summaryKey())
	o.metrics.RecordStoreOp("summary", "get", err, time.Since(start))
	if err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.Store("engine.summary", err)
		}
		return nil, err
	}
	return rec, nil
}

func (o *Orchestrator) upsertSummary(ctx context.Context, rec *models.SummaryRecord, hooks ...storage.CommitHook) error {
	start := time.Now()
	err := o.summaries.Upsert(ctx, rec, hooks...)
	o.metrics.RecordStoreOp("summary", "upsert", err, time.Since(start))
	if err != nil && errs.KindOf(err) == errs.KindUnknown {
		err = errs.Store("engine.summary", err)
	}
	return err
}

func normalizer(acct platform.Account, p models.Platform) *funnel.Normalizer {
	if acct.Normalizer != nil {
		return acct.Normalizer
	}
	n, _ := funnel.New(p, nil)
	return n
}

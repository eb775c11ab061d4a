package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/radiusdt/ads-metrics-engine/internal/aggregate"
	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/funnel"
	"github.com/radiusdt/ads-metrics-engine/internal/metrics"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"github.com/radiusdt/ads-metrics-engine/internal/platform"
	"github.com/radiusdt/ads-metrics-engine/internal/retry"
	"github.com/radiusdt/ads-metrics-engine/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Saturday of ISO week 2025-W46 (Mon Nov 10 .. Sun Nov 16).
var now = time.Date(2025, 11, 15, 10, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func span(start, end string) models.DateRange {
	return models.DateRange{Start: day(start), End: day(end)}
}

type fakeClient struct {
	calls atomic.Int32

	mu     sync.Mutex
	ranges []models.DateRange

	// errs are returned by the first len(errs) calls.
	errs  []error
	rows  []models.RawCampaignPayload
	block chan struct{}
}

func (c *fakeClient) GetCampaignData(ctx context.Context, start, end time.Time) ([]models.RawCampaignPayload, error) {
	n := int(c.calls.Add(1))

	c.mu.Lock()
	c.ranges = append(c.ranges, models.DateRange{Start: start, End: end})
	var err error
	if n <= len(c.errs) {
		err = c.errs[n-1]
	}
	c.mu.Unlock()

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, errs.PlatformTransient("fake.fetch", ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return c.rows, nil
}

func (c *fakeClient) lastRange() models.DateRange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ranges[len(c.ranges)-1]
}

func metaRows() []models.RawCampaignPayload {
	return []models.RawCampaignPayload{
		{
			CampaignID:   "1",
			CampaignName: "Brand",
			Fields:       map[string]string{"spend": "100.50", "impressions": "1000", "clicks": "50"},
			Actions:      []models.ActionValue{{ActionType: "purchase", Value: "2"}},
			ActionValues: []models.ActionValue{{ActionType: "purchase", Value: "300"}},
		},
		{
			CampaignID:   "2",
			CampaignName: "Prospecting",
			Fields:       map[string]string{"spend": "49.50", "impressions": "500", "clicks": "25"},
			Actions:      []models.ActionValue{{ActionType: "purchase", Value: "1"}},
			ActionValues: []models.ActionValue{{ActionType: "purchase", Value: "100"}},
		},
	}
}

type fixture struct {
	orch      *Orchestrator
	client    *fakeClient
	snapshots *storage.InMemorySnapshotStore
	summaries *storage.InMemorySummaryStore
}

func newFixture(t *testing.T, client *fakeClient, mutate ...func(*Options)) *fixture {
	t.Helper()
	if client.rows == nil {
		client.rows = metaRows()
	}

	n, err := funnel.New(models.PlatformMeta, nil)
	require.NoError(t, err)
	reg := platform.NewRegistry()
	reg.Register("acme", models.PlatformMeta, client, n)

	f := &fixture{
		client:    client,
		snapshots: storage.NewInMemorySnapshotStore(),
		summaries: storage.NewInMemorySummaryStore(),
	}
	opts := Options{
		Snapshots: f.snapshots,
		Summaries: f.summaries,
		Accounts:  reg,
		Retry: &retry.Policy{
			RateLimitAttempts: 3,
			TransientAttempts: 2,
			Sleep:             func(context.Context, time.Duration) error { return nil },
		},
		Logger:          zaptest.NewLogger(t),
		RetentionMonths: 12,
		Now:             func() time.Time { return now },
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.orch, err = New(opts)
	require.NoError(t, err)
	return f
}

func snapshot(granularity models.Granularity, periodID string, refreshed time.Time) *models.Snapshot {
	campaigns := []models.CanonicalMetricRecord{{CampaignID: "1", Spend: decimal.NewFromInt(10), Clicks: 3}}
	return &models.Snapshot{
		TenantID:      "acme",
		Platform:      models.PlatformMeta,
		Granularity:   granularity,
		PeriodID:      periodID,
		Campaigns:     campaigns,
		Totals:        aggregate.Aggregate(campaigns),
		LastRefreshed: refreshed,
	}
}

func summary(typ models.SummaryType, date string, updated time.Time, campaigns ...models.CanonicalMetricRecord) *models.SummaryRecord {
	return &models.SummaryRecord{
		TenantID:     "acme",
		SummaryType:  typ,
		SummaryDate:  day(date),
		Platform:     models.PlatformMeta,
		Totals:       aggregate.Aggregate(campaigns),
		CampaignData: campaigns,
		DataSource:   models.SourceLive,
		LastUpdated:  updated,
	}
}

func monthKey(id string) models.SnapshotKey {
	return models.SnapshotKey{TenantID: "acme", Platform: models.PlatformMeta, Granularity: models.GranularityMonth, PeriodID: id}
}

func summaryKey(typ models.SummaryType, date string) models.SummaryKey {
	return models.SummaryKey{TenantID: "acme", SummaryType: typ, SummaryDate: day(date), Platform: models.PlatformMeta}
}

func TestFetchCurrentMissWritesThroughBothStores(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), false)
	require.NoError(t, err)

	assert.Equal(t, models.SourceLive, res.DataSource)
	assert.False(t, res.FromCache)
	assert.False(t, res.Stale)
	assert.Equal(t, models.GranularityMonth, res.Granularity)
	assert.Equal(t, "2025-11", res.PeriodID)
	assert.True(t, res.Totals.Spend.Equal(decimal.RequireFromString("150")))
	assert.Equal(t, int64(1500), res.Totals.Impressions)
	assert.Equal(t, int64(3), res.Totals.Reservations)
	assert.True(t, res.Totals.ReservationValue.Equal(decimal.NewFromInt(400)))
	assert.InDelta(t, 5.0, res.Ratios.CTR, 1e-9)
	assert.InDelta(t, 50.0, res.Ratios.CostPerReservation, 1e-9)
	require.Len(t, res.Campaigns, 2)
	assert.Equal(t, span("2025-11-01", "2025-11-30"), f.client.lastRange())

	snap, err := f.snapshots.Get(ctx, monthKey("2025-11"))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, now, snap.LastRefreshed)
	assert.True(t, snap.Totals.Equal(res.Totals))

	rec, err := f.summaries.Get(ctx, summaryKey(models.SummaryMonthly, "2025-11-01"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Totals.Equal(snap.Totals))
	assert.Len(t, rec.CampaignData, 2)

	again, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, again.DataSource)
	assert.True(t, again.FromCache)
	require.NotNil(t, again.CacheAgeSeconds)
	assert.Zero(t, *again.CacheAgeSeconds)
	assert.Equal(t, int32(1), f.client.calls.Load())
}

func TestFetchCurrentWeek(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-10", "2025-11-16"), false)
	require.NoError(t, err)
	assert.Equal(t, models.GranularityWeek, res.Granularity)
	assert.Equal(t, "2025-W46", res.PeriodID)

	snap, err := f.snapshots.Get(ctx, models.SnapshotKey{TenantID: "acme", Platform: models.PlatformMeta, Granularity: models.GranularityWeek, PeriodID: "2025-W46"})
	require.NoError(t, err)
	assert.NotNil(t, snap)

	rec, err := f.summaries.Get(ctx, summaryKey(models.SummaryWeekly, "2025-11-10"))
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestFetchCurrentStaleServesImmediatelyAndRevalidates(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	f := newFixture(t, &fakeClient{}, func(o *Options) { o.Metrics = m })

	old := snapshot(models.GranularityMonth, "2025-11", now.Add(-4*time.Hour))
	require.NoError(t, f.snapshots.Put(ctx, old))

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), false)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.True(t, res.FromCache)
	assert.False(t, res.Degraded)
	assert.Equal(t, models.SourceStaleCache, res.DataSource)
	require.NotNil(t, res.CacheAgeSeconds)
	assert.Equal(t, int64(4*3600), *res.CacheAgeSeconds)
	assert.True(t, res.Totals.Equal(old.Totals))

	f.orch.Wait()
	assert.Equal(t, int32(1), f.client.calls.Load())

	snap, err := f.snapshots.Get(ctx, monthKey("2025-11"))
	require.NoError(t, err)
	assert.Equal(t, now, snap.LastRefreshed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackgroundRefreshes.WithLabelValues("meta", "ok")))
}

func TestFreshnessBoundaryIsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})
	require.NoError(t, f.snapshots.Put(ctx, snapshot(models.GranularityMonth, "2025-11", now.Add(-3*time.Hour))))

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), false)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	f.orch.Wait()

	require.NoError(t, f.snapshots.Put(ctx, snapshot(models.GranularityMonth, "2025-11", now.Add(-3*time.Hour+time.Second))))
	res, err = f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), false)
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, models.SourceCache, res.DataSource)
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	f := newFixture(t, client)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*models.AggregatedResult, callers)
	failures := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], failures[i] = f.orch.FetchMetrics(context.Background(), "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), false)
		}(i)
	}

	require.Eventually(t, func() bool { return client.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(client.block)
	wg.Wait()

	assert.Equal(t, int32(1), client.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, failures[i])
		assert.True(t, results[i].Totals.Spend.Equal(decimal.NewFromInt(150)))
	}
	assert.Equal(t, 1, f.summaries.Len())
}

func TestConcurrentStaleReadsRevalidateOnce(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{block: make(chan struct{})}
	f := newFixture(t, client)
	require.NoError(t, f.snapshots.Put(ctx, snapshot(models.GranularityMonth, "2025-11", now.Add(-5*time.Hour))))

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), false)
			if assert.NoError(t, err) {
				assert.True(t, res.Stale)
			}
		}()
	}
	wg.Wait()

	close(client.block)
	f.orch.Wait()
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestFetchHistoricalHit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})
	rec := summary(models.SummaryMonthly, "2025-10-01", day("2025-11-02"),
		models.CanonicalMetricRecord{CampaignID: "9", Spend: decimal.NewFromInt(75), Impressions: 300, Clicks: 15})
	require.NoError(t, f.summaries.Upsert(ctx, rec))

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-10-01", "2025-10-31"), false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceSummary, res.DataSource)
	assert.True(t, res.FromCache)
	assert.Equal(t, "2025-10", res.PeriodID)
	assert.True(t, res.Totals.Spend.Equal(decimal.NewFromInt(75)))
	assert.InDelta(t, 5.0, res.Ratios.CPC, 1e-9)
	assert.Zero(t, f.client.calls.Load())
	assert.Zero(t, f.snapshots.Len())
}

func TestFetchHistoricalMissUpsertsSummaryOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-10-01", "2025-10-31"), false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceLive, res.DataSource)
	assert.Equal(t, span("2025-10-01", "2025-10-31"), f.client.lastRange())
	assert.Equal(t, 1, f.summaries.Len())
	assert.Zero(t, f.snapshots.Len())

	res, err = f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-10-01", "2025-10-31"), false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceSummary, res.DataSource)
	assert.Equal(t, int32(1), f.client.calls.Load())
}

func TestFetchHistoricalProvisionalSummaryIsRefetched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})
	require.NoError(t, f.summaries.Upsert(ctx, summary(models.SummaryMonthly, "2025-10-01", day("2025-10-20"))))

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-10-01", "2025-10-31"), false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceLive, res.DataSource)
	assert.Equal(t, int32(1), f.client.calls.Load())

	rec, err := f.summaries.Get(ctx, summaryKey(models.SummaryMonthly, "2025-10-01"))
	require.NoError(t, err)
	assert.Equal(t, now, rec.LastUpdated)
}

func TestFetchQuarterCombinesPeriods(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})
	require.NoError(t, f.summaries.Upsert(ctx, summary(models.SummaryMonthly, "2025-07-01", day("2025-08-01"),
		models.CanonicalMetricRecord{CampaignID: "1", CampaignName: "Brand", Spend: decimal.NewFromInt(10), Impressions: 100, Clicks: 5})))
	require.NoError(t, f.summaries.Upsert(ctx, summary(models.SummaryMonthly, "2025-08-01", day("2025-09-01"),
		models.CanonicalMetricRecord{CampaignID: "3", Spend: decimal.NewFromInt(20), Impressions: 200, Clicks: 10})))

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-07-01", "2025-09-30"), false)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.client.calls.Load())
	assert.Equal(t, span("2025-09-01", "2025-09-30"), f.client.lastRange())
	assert.Equal(t, span("2025-07-01", "2025-09-30"), res.Range)
	assert.Empty(t, res.PeriodID)
	assert.Equal(t, models.GranularityMonth, res.Granularity)
	assert.Equal(t, models.SourceLive, res.DataSource)
	assert.False(t, res.FromCache)

	assert.True(t, res.Totals.Spend.Equal(decimal.NewFromInt(180)))
	assert.Equal(t, int64(1800), res.Totals.Impressions)
	require.Len(t, res.Campaigns, 3)
	assert.Equal(t, "1", res.Campaigns[0].CampaignID)
	assert.True(t, res.Campaigns[0].Spend.Equal(decimal.RequireFromString("110.50")))

	var sum models.CanonicalMetricRecord
	for _, c := range res.Campaigns {
		sum.Add(c.CanonicalMetricRecord)
	}
	assert.True(t, sum.Equal(res.Totals))
	assert.Equal(t, 3, f.summaries.Len())
}

func TestFetchQuarterToDateSkipsUnstartedMonths(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-10-01", "2025-12-31"), false)
	require.NoError(t, err)

	// October from the platform as a closed month, November as the current month, December skipped.
	assert.Equal(t, int32(2), f.client.calls.Load())
	assert.Equal(t, span("2025-11-01", "2025-11-30"), f.client.lastRange())
	assert.Equal(t, span("2025-10-01", "2025-12-31"), res.Range)
	assert.Empty(t, res.PeriodID)
	assert.Equal(t, models.SourceLive, res.DataSource)
	assert.True(t, res.Totals.Spend.Equal(decimal.NewFromInt(300)))
	require.Len(t, res.Campaigns, 2)
	assert.Equal(t, 2, f.summaries.Len())
	assert.Equal(t, 1, f.snapshots.Len())

	// A second read is served from the summary and the snapshot.
	res, err = f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-10-01", "2025-12-31"), false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.client.calls.Load())
	assert.Equal(t, models.SourceCache, res.DataSource)
	assert.True(t, res.FromCache)
}

func TestFetchRangeEndingInUnstartedMonthKeepsRequestedRange(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	res, err := f.orch.FetchMetrics(context.Background(), "acme", models.PlatformMeta, span("2025-11-01", "2025-12-31"), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.client.calls.Load())
	assert.Equal(t, span("2025-11-01", "2025-12-31"), res.Range)
	assert.Empty(t, res.PeriodID)
	assert.True(t, res.Totals.Spend.Equal(decimal.NewFromInt(150)))
}

func TestFetchUnalignedRangeIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-10-03", "2025-10-10"), false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceLiveUnaligned, res.DataSource)
	assert.Empty(t, res.PeriodID)
	assert.Equal(t, span("2025-10-03", "2025-10-10"), f.client.lastRange())
	assert.Zero(t, f.summaries.Len())
	assert.Zero(t, f.snapshots.Len())
}

func TestPlatformFailureDegrades(t *testing.T) {
	ctx := context.Background()

	t.Run("forced refresh falls back to snapshot", func(t *testing.T) {
		client := &fakeClient{errs: []error{errs.PlatformAuth("fake", errors.New("token expired"))}}
		f := newFixture(t, client)
		require.NoError(t, f.snapshots.Put(ctx, snapshot(models.GranularityMonth, "2025-11", now.Add(-time.Hour))))

		res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), true)
		require.NoError(t, err)
		assert.True(t, res.Degraded)
		assert.True(t, res.Stale)
		assert.Equal(t, "platform_auth", res.DegradedCode)
		assert.Equal(t, models.SourceStaleCache, res.DataSource)
		assert.Equal(t, int32(1), client.calls.Load(), "auth errors are not retried")
	})

	t.Run("rate limit exhausts retries then falls back to summary", func(t *testing.T) {
		limited := errs.PlatformRateLimit("fake", 0, errors.New("throttled"))
		client := &fakeClient{errs: []error{limited, limited, limited}}
		f := newFixture(t, client)
		require.NoError(t, f.summaries.Upsert(ctx, summary(models.SummaryMonthly, "2025-11-01", now.Add(-time.Hour),
			models.CanonicalMetricRecord{CampaignID: "1", Clicks: 4})))

		res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), false)
		require.NoError(t, err)
		assert.True(t, res.Degraded)
		assert.Equal(t, "platform_rate_limited", res.DegradedCode)
		assert.Equal(t, models.SourceStaleSummary, res.DataSource)
		assert.Equal(t, int64(4), res.Totals.Clicks)
		assert.Equal(t, int32(3), client.calls.Load())
	})

	t.Run("provisional historical summary", func(t *testing.T) {
		client := &fakeClient{errs: []error{errors.New("unexpected payload")}}
		f := newFixture(t, client)
		require.NoError(t, f.summaries.Upsert(ctx, summary(models.SummaryMonthly, "2025-10-01", day("2025-10-25"))))

		res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-10-01", "2025-10-31"), false)
		require.NoError(t, err)
		assert.True(t, res.Degraded)
		assert.Equal(t, "platform_unavailable", res.DegradedCode)
		assert.Equal(t, models.SourceStaleSummary, res.DataSource)
	})
}

func TestRetrySucceedsAfterRateLimit(t *testing.T) {
	limited := errs.PlatformRateLimit("fake", time.Second, errors.New("throttled"))
	client := &fakeClient{errs: []error{limited, limited}}
	f := newFixture(t, client)

	res, err := f.orch.FetchMetrics(context.Background(), "acme", models.PlatformMeta, span("2025-10-01", "2025-10-31"), false)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, int32(3), client.calls.Load())
}

func TestPlatformFailureWithoutFallbackPropagates(t *testing.T) {
	client := &fakeClient{errs: []error{errs.PlatformAuth("fake", errors.New("revoked"))}}
	f := newFixture(t, client)

	_, err := f.orch.FetchMetrics(context.Background(), "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), false)
	require.Error(t, err)
	assert.Equal(t, errs.KindPlatformAuth, errs.KindOf(err))
	assert.Zero(t, f.snapshots.Len())
	assert.Zero(t, f.summaries.Len())
}

func TestFetchTimeoutDegrades(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{block: make(chan struct{})}
	t.Cleanup(func() { close(client.block) })
	f := newFixture(t, client, func(o *Options) { o.FetchTimeout = 30 * time.Millisecond })
	require.NoError(t, f.summaries.Upsert(ctx, summary(models.SummaryMonthly, "2025-10-01", day("2025-10-25"))))

	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-10-01", "2025-10-31"), false)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "platform_unavailable", res.DegradedCode)
	assert.Equal(t, int32(1), client.calls.Load(), "no retry once the deadline passed")
}

func TestCallerDeadlineDegrades(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	t.Cleanup(func() { close(client.block) })
	f := newFixture(t, client, func(o *Options) { o.Logger = zap.NewNop() })
	require.NoError(t, f.snapshots.Put(context.Background(), snapshot(models.GranularityMonth, "2025-11", now.Add(-time.Minute))))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), true)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Degraded)
	assert.Equal(t, models.SourceStaleCache, res.DataSource)
}

// commitFailStore runs hooks and then fails the commit.
type commitFailStore struct {
	*storage.InMemorySummaryStore
}

func (s commitFailStore) Upsert(ctx context.Context, rec *models.SummaryRecord, hooks ...storage.CommitHook) error {
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return errs.Store("test.upsert", err)
		}
	}
	return errs.Store("test.upsert", errors.New("commit failed"))
}

func TestWriteThroughRollsBackSnapshotOnCommitFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("previous snapshot restored", func(t *testing.T) {
		f := newFixture(t, &fakeClient{}, func(o *Options) {
			o.Summaries = commitFailStore{storage.NewInMemorySummaryStore()}
		})
		old := snapshot(models.GranularityMonth, "2025-11", now.Add(-time.Hour))
		require.NoError(t, f.snapshots.Put(ctx, old))

		_, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), true)
		assert.True(t, errs.Is(err, errs.KindStore))

		snap, err := f.snapshots.Get(ctx, monthKey("2025-11"))
		require.NoError(t, err)
		assert.Equal(t, old.LastRefreshed, snap.LastRefreshed)
		assert.True(t, snap.Totals.Equal(old.Totals))
	})

	t.Run("new snapshot removed", func(t *testing.T) {
		f := newFixture(t, &fakeClient{}, func(o *Options) {
			o.Summaries = commitFailStore{storage.NewInMemorySummaryStore()}
		})

		_, err := f.orch.FetchMetrics(ctx, "acme", models.PlatformMeta, span("2025-11-01", "2025-11-30"), false)
		assert.True(t, errs.Is(err, errs.KindStore))
		assert.Zero(t, f.snapshots.Len())
	})
}

func TestFetchValidation(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	tests := []struct {
		name     string
		tenant   string
		platform models.Platform
		r        models.DateRange
		kind     errs.Kind
	}{
		{"future range", "acme", models.PlatformMeta, span("2025-12-01", "2025-12-31"), errs.KindValidation},
		{"inverted range", "acme", models.PlatformMeta, span("2025-10-31", "2025-10-01"), errs.KindValidation},
		{"unknown platform", "acme", models.Platform("tiktok"), span("2025-10-01", "2025-10-31"), errs.KindValidation},
		{"missing tenant", "", models.PlatformMeta, span("2025-10-01", "2025-10-31"), errs.KindValidation},
		{"unknown tenant", "globex", models.PlatformMeta, span("2025-10-01", "2025-10-31"), errs.KindNotFound},
		{"unregistered platform account", "acme", models.PlatformGoogle, span("2025-10-01", "2025-10-31"), errs.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.FetchMetrics(context.Background(), tt.tenant, tt.platform, tt.r, false)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
		})
	}
	assert.Zero(t, f.client.calls.Load())
	assert.Zero(t, f.summaries.Len())
}

func TestRefreshCurrentBypassesFreshSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})
	require.NoError(t, f.snapshots.Put(ctx, snapshot(models.GranularityWeek, "2025-W46", now.Add(-time.Minute))))

	res, err := f.orch.RefreshCurrent(ctx, "acme", models.PlatformMeta, models.GranularityWeek)
	require.NoError(t, err)
	assert.Equal(t, models.SourceLive, res.DataSource)
	assert.Equal(t, "2025-W46", res.PeriodID)
	assert.Equal(t, span("2025-11-10", "2025-11-16"), f.client.lastRange())

	rec, err := f.summaries.Get(ctx, summaryKey(models.SummaryWeekly, "2025-11-10"))
	require.NoError(t, err)
	assert.NotNil(t, rec)

	_, err = f.orch.RefreshCurrent(ctx, "acme", models.PlatformMeta, models.Granularity("day"))
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestListSummaries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{})
	for _, d := range []string{"2025-10-20", "2025-10-06", "2025-10-13"} {
		require.NoError(t, f.summaries.Upsert(ctx, summary(models.SummaryWeekly, d, now)))
	}
	require.NoError(t, f.summaries.Upsert(ctx, summary(models.SummaryMonthly, "2025-10-01", now)))

	recs, err := f.orch.ListSummaries(ctx, "acme", models.PlatformMeta, models.SummaryWeekly, day("2025-10-01"), day("2025-10-15"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, day("2025-10-06"), recs[0].SummaryDate)
	assert.Equal(t, day("2025-10-13"), recs[1].SummaryDate)

	recs, err = f.orch.ListSummaries(ctx, "acme", models.PlatformGoogle, models.SummaryWeekly, day("2025-10-01"), day("2025-10-31"))
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)

	_, err = f.orch.ListSummaries(ctx, "acme", models.PlatformMeta, models.SummaryType("daily"), day("2025-10-01"), day("2025-10-31"))
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func summary(typ models.SummaryType, date string, clicks int64) *models.SummaryRecord {
	campaign := models.CanonicalMetricRecord{CampaignID: "c1", Spend: decimal.NewFromInt(10), Clicks: clicks}
	return &models.SummaryRecord{
		TenantID:     "acme",
		SummaryType:  typ,
		SummaryDate:  day(date),
		Platform:     models.PlatformMeta,
		Totals:       campaign.Counters(),
		CampaignData: []models.CanonicalMetricRecord{campaign},
		DataSource:   models.SourceLive,
		LastUpdated:  time.Now().UTC(),
	}
}

func TestIsFresh(t *testing.T) {
	now := time.Date(2025, 11, 15, 12, 0, 0, 0, time.UTC)
	window := 3 * time.Hour

	assert.True(t, IsFresh(&models.Snapshot{LastRefreshed: now.Add(-2 * time.Hour)}, now, window))
	assert.False(t, IsFresh(&models.Snapshot{LastRefreshed: now.Add(-4 * time.Hour)}, now, window))
	assert.False(t, IsFresh(&models.Snapshot{LastRefreshed: now.Add(-3 * time.Hour)}, now, window), "boundary is stale")
	assert.False(t, IsFresh(nil, now, window))
}

func TestInMemorySnapshotStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemorySnapshotStore()
	key := models.SnapshotKey{TenantID: "acme", Platform: models.PlatformMeta, Granularity: models.GranularityMonth, PeriodID: "2025-11"}

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := &models.Snapshot{
		TenantID: "acme", Platform: models.PlatformMeta, Granularity: models.GranularityMonth, PeriodID: "2025-11",
		Campaigns: []models.CanonicalMetricRecord{{CampaignID: "a", Clicks: 1}, {CampaignID: "b", Clicks: 2}},
	}
	require.NoError(t, s.Put(ctx, snap))

	replacement := snap.Clone()
	replacement.Campaigns = replacement.Campaigns[:1]
	require.NoError(t, s.Put(ctx, replacement))

	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Len(t, got.Campaigns, 1, "put replaces, never merges")
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(ctx, key))
	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInMemorySummaryStoreIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewInMemorySummaryStore()

	rec := summary(models.SummaryMonthly, "2025-10-01", 5)
	require.NoError(t, s.Upsert(ctx, rec))
	require.NoError(t, s.Upsert(ctx, rec))
	assert.Equal(t, 1, s.Len())

	updated := summary(models.SummaryMonthly, "2025-10-01", 9)
	updated.DataSource = "recollect"
	require.NoError(t, s.Upsert(ctx, updated))

	got, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(9), got.Totals.Clicks)
	assert.Equal(t, int64(9), got.CampaignData[0].Clicks)
	assert.Equal(t, "recollect", got.DataSource)
}

func TestInMemorySummaryStoreRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := NewInMemorySummaryStore()

	hookRan := false
	hook := func(context.Context) error {
		hookRan = true
		return nil
	}

	// 2025-11-11 is a Tuesday.
	err := s.Upsert(ctx, summary(models.SummaryWeekly, "2025-11-11", 1), hook)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.False(t, hookRan, "nothing written on validation failure")
	assert.Zero(t, s.Len())

	drift := summary(models.SummaryMonthly, "2025-10-01", 1)
	drift.Totals.Clicks = 2
	err = s.Upsert(ctx, drift)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Zero(t, s.Len())
}

func TestInMemorySummaryStoreHookFailureAborts(t *testing.T) {
	ctx := context.Background()
	s := NewInMemorySummaryStore()

	err := s.Upsert(ctx, summary(models.SummaryMonthly, "2025-10-01", 1), func(context.Context) error {
		return errors.New("redis down")
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStore))
	assert.Zero(t, s.Len())
}

func TestInMemorySummaryStoreListRange(t *testing.T) {
	ctx := context.Background()
	s := NewInMemorySummaryStore()

	for _, d := range []string{"2025-09-01", "2025-07-01", "2025-08-01", "2025-12-01"} {
		require.NoError(t, s.Upsert(ctx, summary(models.SummaryMonthly, d, 1)))
	}
	require.NoError(t, s.Upsert(ctx, summary(models.SummaryWeekly, "2025-08-04", 1)))

	got, err := s.ListRange(ctx, SummaryQuery{
		TenantID:    "acme",
		Platform:    models.PlatformMeta,
		SummaryType: models.SummaryMonthly,
		From:        day("2025-07-01"),
		To:          day("2025-09-30"),
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, day("2025-07-01"), got[0].SummaryDate)
	assert.Equal(t, day("2025-09-01"), got[2].SummaryDate)
}

func TestPostgresSummaryStoreValidatesBeforeSQL(t *testing.T) {
	// A nil pool panics on any query, so reaching SQL would fail the test.
	s := NewPostgresSummaryStore(nil)

	err := s.Upsert(context.Background(), summary(models.SummaryWeekly, "2025-11-11", 1))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

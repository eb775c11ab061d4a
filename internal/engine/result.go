package engine

import (
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/aggregate"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
)

func newResult(tenantID string, p models.Platform, r models.DateRange, campaigns []models.CanonicalMetricRecord, totals models.CanonicalMetricRecord, source string, refreshed time.Time) *models.AggregatedResult {
	return &models.AggregatedResult{
		TenantID:      tenantID,
		Platform:      p,
		Range:         r,
		Totals:        totals,
		Ratios:        aggregate.Ratios(totals),
		Campaigns:     aggregate.Views(campaigns),
		DataSource:    source,
		LastRefreshed: refreshed,
	}
}

func periodResult(req fetchRequest, campaigns []models.CanonicalMetricRecord, totals models.CanonicalMetricRecord, source string, refreshed time.Time) *models.AggregatedResult {
	res := newResult(req.tenantID, req.platform, req.period.Range, campaigns, totals, source, refreshed)
	res.Granularity = req.period.Granularity
	res.PeriodID = req.period.ID
	return res
}

func fromSnapshot(req fetchRequest, snap *models.Snapshot, now time.Time, source string) *models.AggregatedResult {
	res := periodResult(req, snap.Campaigns, snap.Totals, source, snap.LastRefreshed)
	res.FromCache = true
	res.CacheAgeSeconds = ageSeconds(snap.Age(now))
	return res
}

func fromSummary(req fetchRequest, rec *models.SummaryRecord, now time.Time, source string) *models.AggregatedResult {
	res := periodResult(req, rec.CampaignData, rec.Totals, source, rec.LastUpdated)
	res.FromCache = true
	res.CacheAgeSeconds = ageSeconds(now.Sub(rec.LastUpdated))
	return res
}

func ageSeconds(d time.Duration) *int64 {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return &s
}

// sourceRank orders data sources from most to least authoritative. A combined result reports
// the least authoritative source among its parts.
var sourceRank = map[string]int{
	models.SourceSummary:      0,
	models.SourceCache:        1,
	models.SourceLive:         2,
	models.SourceStaleCache:   3,
	models.SourceStaleSummary: 4,
}

// combine merges per-period results of one range. Campaigns are summed by id in order of
// first appearance; totals are recomputed from the merged campaigns.
func combine(tenantID string, p models.Platform, r models.DateRange, parts []*models.AggregatedResult) *models.AggregatedResult {
	var (
		campaigns []models.CanonicalMetricRecord
		index     = make(map[string]int)
	)
	for _, part := range parts {
		for _, v := range part.Campaigns {
			i, ok := index[v.CampaignID]
			if !ok {
				index[v.CampaignID] = len(campaigns)
				campaigns = append(campaigns, v.CanonicalMetricRecord)
				continue
			}
			if campaigns[i].CampaignName == "" {
				campaigns[i].CampaignName = v.CampaignName
			}
			campaigns[i].Add(v.CanonicalMetricRecord)
		}
	}

	first := parts[0]
	res := newResult(tenantID, p, r, campaigns, aggregate.Aggregate(campaigns), first.DataSource, first.LastRefreshed)
	res.Granularity = first.Granularity
	res.FromCache = true

	for _, part := range parts {
		if sourceRank[part.DataSource] > sourceRank[res.DataSource] {
			res.DataSource = part.DataSource
		}
		if part.LastRefreshed.Before(res.LastRefreshed) {
			res.LastRefreshed = part.LastRefreshed
		}
		res.FromCache = res.FromCache && part.FromCache
		res.Stale = res.Stale || part.Stale
		if part.Degraded && !res.Degraded {
			res.Degraded = true
			res.DegradedCode = part.DegradedCode
		}
		if part.CacheAgeSeconds != nil && (res.CacheAgeSeconds == nil || *part.CacheAgeSeconds > *res.CacheAgeSeconds) {
			age := *part.CacheAgeSeconds
			res.CacheAgeSeconds = &age
		}
	}
	return res
}

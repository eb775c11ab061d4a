package models

import (
	"fmt"
	"time"
)

// SummaryType is the period type of a durable summary row.
type SummaryType string

const (
	SummaryMonthly SummaryType = "monthly"
	SummaryWeekly  SummaryType = "weekly"
)

func (t SummaryType) Valid() bool {
	return t == SummaryMonthly || t == SummaryWeekly
}

// Granularity returns the snapshot granularity matching the summary type.
func (t SummaryType) Granularity() Granularity {
	if t == SummaryWeekly {
		return GranularityWeek
	}
	return GranularityMonth
}

// CheckDate enforces the storage key date: weekly rows on a Monday, monthly rows on day 1.
func (t SummaryType) CheckDate(date time.Time) error {
	switch t {
	case SummaryWeekly:
		if date.Weekday() != time.Monday {
			return fmt.Errorf("weekly summary_date %s is a %s, want Monday", date.Format(DateLayout), date.Weekday())
		}
	case SummaryMonthly:
		if date.Day() != 1 {
			return fmt.Errorf("monthly summary_date %s is not the first day of the month", date.Format(DateLayout))
		}
	default:
		return fmt.Errorf("unknown summary_type %q", t)
	}
	return nil
}

// Data source tags recorded on summaries and returned with every result.
const (
	SourceCache         = "cache"
	SourceSummary       = "summary"
	SourceLive          = "live"
	SourceLiveUnaligned = "live_unaligned"
	SourceStaleCache    = "stale_cache"
	SourceStaleSummary  = "stale_summary"
)

// ===========================================
// CACHED PERIOD SNAPSHOT
// ===========================================

// SnapshotKey identifies one cached snapshot.
type SnapshotKey struct {
	TenantID    string
	Platform    Platform
	Granularity Granularity
	PeriodID    string
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.TenantID, k.Platform, k.Granularity, k.PeriodID)
}

// Snapshot is the cached payload for the current period of one tenant and platform.
type Snapshot struct {
	TenantID      string                  `json:"tenant_id"`
	Platform      Platform                `json:"platform"`
	Granularity   Granularity             `json:"granularity"`
	PeriodID      string                  `json:"period_id"`
	Campaigns     []CanonicalMetricRecord `json:"campaigns"`
	Totals        CanonicalMetricRecord   `json:"totals"`
	LastRefreshed time.Time               `json:"last_refreshed"`
}

func (s *Snapshot) Key() SnapshotKey {
	return SnapshotKey{TenantID: s.TenantID, Platform: s.Platform, Granularity: s.Granularity, PeriodID: s.PeriodID}
}

// Age returns how long ago the snapshot was refreshed.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.LastRefreshed)
}

// ===========================================
// SUMMARY RECORD
// ===========================================

// SummaryKey is the upsert conflict key of the durable store.
type SummaryKey struct {
	TenantID    string
	SummaryType SummaryType
	SummaryDate time.Time
	Platform    Platform
}

func (k SummaryKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.TenantID, k.SummaryType, k.SummaryDate.Format(DateLayout), k.Platform)
}

// SummaryRecord is the durable record for one tenant, platform and period.
type SummaryRecord struct {
	TenantID     string                  `json:"tenant_id"`
	SummaryType  SummaryType             `json:"summary_type"`
	SummaryDate  time.Time               `json:"summary_date"`
	Platform     Platform                `json:"platform"`
	Totals       CanonicalMetricRecord   `json:"totals"`
	CampaignData []CanonicalMetricRecord `json:"campaign_data"`
	DataSource   string                  `json:"data_source"`
	LastUpdated  time.Time               `json:"last_updated"`
}

func (r *SummaryRecord) Key() SummaryKey {
	return SummaryKey{TenantID: r.TenantID, SummaryType: r.SummaryType, SummaryDate: r.SummaryDate, Platform: r.Platform}
}

// Validate checks the key and that totals equal the field-wise sum of campaign_data.
func (r *SummaryRecord) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if !r.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", r.Platform)
	}
	if err := r.SummaryType.CheckDate(r.SummaryDate); err != nil {
		return err
	}

	var sum CanonicalMetricRecord
	for _, c := range r.CampaignData {
		if err := c.Validate(); err != nil {
			return err
		}
		sum.Add(c)
	}
	if !sum.Equal(r.Totals) {
		return fmt.Errorf("totals do not match the sum of campaign_data")
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Campaigns = append([]CanonicalMetricRecord(nil), s.Campaigns...)
	return &c
}

// Clone returns a deep copy of r.
func (r *SummaryRecord) Clone() *SummaryRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.CampaignData = append([]CanonicalMetricRecord(nil), r.CampaignData...)
	return &c
}

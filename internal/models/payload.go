package models

import "time"

// ActionValue is one (action_type, value) pair as reported by a platform. Values stay
// strings until normalisation since platforms send numbers as text.
type ActionValue struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

// RawCampaignPayload is one campaign row returned by a platform client.
type RawCampaignPayload struct {
	CampaignID   string `json:"campaign_id"`
	CampaignName string `json:"campaign_name"`

	// Fields holds named scalar metrics (spend, impressions, cost_micros, phone_calls, ...).
	Fields       map[string]string `json:"fields,omitempty"`
	Actions      []ActionValue     `json:"actions,omitempty"`
	ActionValues []ActionValue     `json:"action_values,omitempty"`
}

// CampaignView pairs a campaign record with its derived ratios.
type CampaignView struct {
	CanonicalMetricRecord
	Ratios Ratios `json:"ratios"`
}

// AggregatedResult is returned by the orchestrator for every fetch.
type AggregatedResult struct {
	TenantID    string      `json:"tenant_id"`
	Platform    Platform    `json:"platform"`
	Range       DateRange   `json:"range"`
	Granularity Granularity `json:"granularity,omitempty"`
	PeriodID    string      `json:"period_id,omitempty"`

	Totals    CanonicalMetricRecord `json:"totals"`
	Ratios    Ratios                `json:"ratios"`
	Campaigns []CampaignView        `json:"campaigns"`

	// Provenance
	FromCache       bool      `json:"from_cache"`
	Stale           bool      `json:"stale"`
	Degraded        bool      `json:"degraded"`
	DegradedCode    string    `json:"degraded_code,omitempty"`
	CacheAgeSeconds *int64    `json:"cache_age_seconds,omitempty"`
	DataSource      string    `json:"data_source"`
	LastRefreshed   time.Time `json:"last_refreshed"`
}

package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSummaryTypeCheckDate(t *testing.T) {
	tests := []struct {
		name    string
		typ     SummaryType
		date    string
		wantErr bool
	}{
		{"weekly monday", SummaryWeekly, "2025-11-10", false},
		{"weekly tuesday", SummaryWeekly, "2025-11-11", true},
		{"monthly first", SummaryMonthly, "2025-11-01", false},
		{"monthly mid", SummaryMonthly, "2025-11-15", true},
		{"unknown type", SummaryType("daily"), "2025-11-01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.typ.CheckDate(date(tt.date))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSummaryRecordValidate(t *testing.T) {
	campaigns := []CanonicalMetricRecord{
		{CampaignID: "1", Spend: decimal.RequireFromString("10.50"), Clicks: 3, Reservations: 1},
		{CampaignID: "2", Spend: decimal.RequireFromString("4.50"), Clicks: 2, EmailContacts: 2},
	}
	rec := &SummaryRecord{
		TenantID:     "acme",
		SummaryType:  SummaryMonthly,
		SummaryDate:  date("2025-10-01"),
		Platform:     PlatformMeta,
		CampaignData: campaigns,
		Totals: CanonicalMetricRecord{
			Spend: decimal.RequireFromString("15"), Clicks: 5, Reservations: 1, EmailContacts: 2,
		},
	}
	require.NoError(t, rec.Validate())

	t.Run("totals drift", func(t *testing.T) {
		bad := *rec
		bad.Totals.Clicks = 6
		assert.Error(t, bad.Validate())
	})

	t.Run("negative counter", func(t *testing.T) {
		bad := *rec
		bad.CampaignData = []CanonicalMetricRecord{{CampaignID: "x", Clicks: -1}}
		bad.Totals = CanonicalMetricRecord{Clicks: -1}
		assert.Error(t, bad.Validate())
	})

	t.Run("unknown platform", func(t *testing.T) {
		bad := *rec
		bad.Platform = "tiktok"
		assert.Error(t, bad.Validate())
	})
}

func TestDateRange(t *testing.T) {
	r, err := ParseDateRange("2025-11-01", "2025-11-30")
	require.NoError(t, err)
	assert.Equal(t, "2025-11-01..2025-11-30", r.String())

	_, err = ParseDateRange("2025-11-30", "2025-11-01")
	assert.Error(t, err)

	_, err = ParseDateRange("2025/11/01", "2025-11-30")
	assert.Error(t, err)
}

func TestConversions(t *testing.T) {
	r := CanonicalMetricRecord{ClickToCall: 2, EmailContacts: 3, BookingStep3: 9, Reservations: 4}
	assert.Equal(t, int64(9), r.Conversions())
}

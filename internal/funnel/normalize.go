package funnel

import (
	"fmt"
	"strings"

	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"github.com/shopspring/decimal"
)

// Normalizer turns raw platform rows into canonical records for one tenant and platform.
type Normalizer struct {
	platform models.Platform
	rules    Table
}

// DefaultTable returns the built-in rule table for a platform.
func DefaultTable(p models.Platform) (Table, error) {
	switch p {
	case models.PlatformMeta:
		return MetaRules, nil
	case models.PlatformGoogle:
		return GoogleRules, nil
	default:
		return nil, fmt.Errorf("no funnel rules for platform %q", p)
	}
}

// New builds a normalizer with the platform table extended by the tenant's custom conversions.
func New(p models.Platform, customConversions map[string]string) (*Normalizer, error) {
	table, err := DefaultTable(p)
	if err != nil {
		return nil, err
	}
	if len(customConversions) > 0 {
		if table, err = table.WithCustom(customConversions); err != nil {
			return nil, err
		}
	}
	return &Normalizer{platform: p, rules: table}, nil
}

// Normalize maps raw with the platform's default table.
func Normalize(raw models.RawCampaignPayload, p models.Platform) (models.CanonicalMetricRecord, error) {
	n, err := New(p, nil)
	if err != nil {
		return models.CanonicalMetricRecord{}, err
	}
	return n.Normalize(raw), nil
}

// NormalizeAll maps every row in order.
func (n *Normalizer) NormalizeAll(rows []models.RawCampaignPayload) []models.CanonicalMetricRecord {
	out := make([]models.CanonicalMetricRecord, 0, len(rows))
	for _, raw := range rows {
		out = append(out, n.Normalize(raw))
	}
	return out
}

// Normalize maps one campaign row. Unknown action types are ignored; negative or
// non-numeric values count as zero.
func (n *Normalizer) Normalize(raw models.RawCampaignPayload) models.CanonicalMetricRecord {
	rec := models.CanonicalMetricRecord{
		CampaignID:   raw.CampaignID,
		CampaignName: raw.CampaignName,
		Impressions:  count(raw.Fields["impressions"]),
		Clicks:       count(raw.Fields["clicks"]),
	}

	switch n.platform {
	case models.PlatformGoogle:
		rec.Spend = amount(raw.Fields["cost_micros"]).Shift(-6)
	default:
		rec.Spend = amount(raw.Fields["spend"])
	}

	winners, matched := n.resolve(raw.Actions)
	var funnel [numFields]int64
	for f := Field(0); f < numFields; f++ {
		if w, ok := winners[f]; ok {
			for _, a := range matched[w] {
				funnel[f] += count(a.Value)
			}
		}
	}
	rec.ClickToCall = funnel[FieldClickToCall]
	rec.EmailContacts = funnel[FieldEmailContacts]
	rec.BookingStep1 = funnel[FieldBookingStep1]
	rec.BookingStep2 = funnel[FieldBookingStep2]
	rec.BookingStep3 = funnel[FieldBookingStep3]
	rec.Reservations = funnel[FieldReservations]

	if _, ok := winners[FieldClickToCall]; !ok && n.platform == models.PlatformGoogle {
		rec.ClickToCall = count(raw.Fields["phone_calls"])
	}

	rec.ReservationValue = n.reservationValue(raw.ActionValues, winners)
	return rec
}

// resolve runs the single matching pass, then picks the winning rule index per field.
func (n *Normalizer) resolve(actions []models.ActionValue) (map[Field]int, map[int][]models.ActionValue) {
	matched := make(map[int][]models.ActionValue)
	for _, a := range actions {
		at := strings.ToLower(strings.TrimSpace(a.ActionType))
		if at == "" {
			continue
		}
		for i, r := range n.rules {
			if r.Match(at) {
				matched[i] = append(matched[i], a)
			}
		}
	}

	winners := make(map[Field]int)
	for i, r := range n.rules {
		if _, ok := matched[i]; !ok {
			continue
		}
		cur, ok := winners[r.Field]
		if !ok || r.Precedence > n.rules[cur].Precedence {
			winners[r.Field] = i
		}
	}
	return winners, matched
}

// reservationValue sums the action_values paired with the rule that won reservations. When no
// reservation action was reported the values are resolved on their own.
func (n *Normalizer) reservationValue(values []models.ActionValue, winners map[Field]int) decimal.Decimal {
	w, ok := winners[FieldReservations]
	if !ok {
		valueWinners, _ := n.resolve(values)
		if w, ok = valueWinners[FieldReservations]; !ok {
			return decimal.Zero
		}
	}

	total := decimal.Zero
	rule := n.rules[w]
	for _, v := range values {
		if rule.Match(strings.ToLower(strings.TrimSpace(v.ActionType))) {
			total = total.Add(amount(v.Value))
		}
	}
	return total
}

// amount parses a monetary value; garbage and negatives become zero.
func amount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// count parses a counter, rounding fractional attributions to the nearest whole event.
func count(s string) int64 {
	return amount(s).Round(0).IntPart()
}

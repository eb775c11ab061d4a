// Package period computes canonical period identifiers and classifies requested date
// ranges as current or historical.
package period

import (
	"fmt"
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/models"
)

// Class tells the orchestrator which store a range resolves through.
type Class int

const (
	Historical Class = iota
	Current
)

func (c Class) String() string {
	if c == Current {
		return "current"
	}
	return "historical"
}

// Period is one calendar month or ISO week.
type Period struct {
	Granularity models.Granularity
	ID          string
	Range       models.DateRange
}

// SummaryType returns the durable summary type of the period.
func (p Period) SummaryType() models.SummaryType {
	return p.Granularity.SummaryType()
}

// SummaryDate is the storage key date: the first day of the month or the Monday of the week.
func (p Period) SummaryDate() time.Time {
	return p.Range.Start
}

// Civil truncates t to midnight UTC of its calendar date in loc.
func Civil(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ID returns YYYY-MM for months and ISO YYYY-Www for weeks.
func ID(date time.Time, g models.Granularity) string {
	if g == models.GranularityWeek {
		year, week := date.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	}
	return date.Format("2006-01")
}

// MonthRange returns the calendar month containing date.
func MonthRange(date time.Time) models.DateRange {
	start := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)
	return models.DateRange{Start: start, End: start.AddDate(0, 1, -1)}
}

// WeekRange returns the Monday..Sunday week containing date.
func WeekRange(date time.Time) models.DateRange {
	d := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(d.Weekday()) + 6) % 7 // Monday=0
	start := d.AddDate(0, 0, -offset)
	return models.DateRange{Start: start, End: start.AddDate(0, 0, 6)}
}

// Of returns the period of the given granularity containing date.
func Of(date time.Time, g models.Granularity) Period {
	r := MonthRange(date)
	if g == models.GranularityWeek {
		r = WeekRange(date)
	}
	return Period{Granularity: g, ID: ID(r.Start, g), Range: r}
}

// Classify reports whether r is exactly the month or ISO week containing today. A partial
// overlap with the current period is historical. The granularity is empty for historical ranges.
func Classify(r models.DateRange, today time.Time) (Class, models.Granularity) {
	if r.Equal(MonthRange(today)) {
		return Current, models.GranularityMonth
	}
	if r.Equal(WeekRange(today)) {
		return Current, models.GranularityWeek
	}
	return Historical, ""
}

// Split decomposes an aligned range into whole periods: consecutive months when r starts on
// day 1 and ends on a month end, else consecutive ISO weeks when it runs Monday to Sunday.
// ok is false for unaligned ranges.
func Split(r models.DateRange) (periods []Period, ok bool) {
	if r.Validate() != nil {
		return nil, false
	}
	if r.Start.Day() == 1 && r.End.AddDate(0, 0, 1).Day() == 1 {
		for start := r.Start; !start.After(r.End); start = start.AddDate(0, 1, 0) {
			periods = append(periods, Of(start, models.GranularityMonth))
		}
		return periods, true
	}
	if r.Start.Weekday() == time.Monday && r.End.Weekday() == time.Sunday {
		for start := r.Start; !start.After(r.End); start = start.AddDate(0, 0, 7) {
			periods = append(periods, Of(start, models.GranularityWeek))
		}
		return periods, true
	}
	return nil, false
}

// BeyondRetention reports whether a period starting at start falls outside the retention
// window of months full months before today's month.
func BeyondRetention(start, today time.Time, months int) bool {
	boundary := MonthRange(today).Start.AddDate(0, -months, 0)
	return start.Before(boundary)
}

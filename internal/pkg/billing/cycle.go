package billing

import (
	"time"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
)

// CycleResult describes one billing cycle. CycleEnd is inclusive (one second
// before the next boundary). ProrationFactor is 1.0 for a full period and
// the elapsed fraction for a partial first cycle.
type CycleResult struct {
	CycleStart      time.Time
	CycleEnd        time.Time
	ProrationFactor float64
	Prorated        bool
}

// ConfigureBillingCycle computes the cycle containing the anchor. startCycle
// selects the boundary: for months a fixed day-of-month (clamped to the
// month's length, so a 31st boundary falls on Feb 28/29), for weeks a
// weekday (time.Weekday numbering), and StartCycleAnchorDay follows the
// anchor's own day. The cycle runs from the anchor to the next boundary;
// anchors on a boundary yield a full period.
func ConfigureBillingCycle(anchor time.Time, startCycle int, billingPeriod string) CycleResult {
	prev, next := cycleBoundaries(anchor, startCycle, billingPeriod)

	full := next.Sub(prev)
	partial := next.Sub(anchor)
	factor := 1.0
	if full > 0 && partial < full {
		factor = float64(partial) / float64(full)
	}
	if factor <= 0 {
		factor = 1.0
	}

	return CycleResult{
		CycleStart:      anchor,
		CycleEnd:        next.Add(-time.Second),
		ProrationFactor: factor,
		Prorated:        factor < 1.0,
	}
}

// cycleBoundaries returns the boundary on or before the anchor and the next
// boundary strictly after it.
func cycleBoundaries(anchor time.Time, startCycle int, billingPeriod string) (prev, next time.Time) {
	loc := anchor.Location()
	switch billingPeriod {
	case models.BillingPeriodDay:
		prev = time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, loc)
		return prev, prev.AddDate(0, 0, 1)

	case models.BillingPeriodWeek:
		weekday := time.Weekday(startCycle % 7)
		if startCycle == models.StartCycleAnchorDay {
			weekday = anchor.Weekday()
		}
		prev = time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, loc)
		for prev.Weekday() != weekday {
			prev = prev.AddDate(0, 0, -1)
		}
		return prev, prev.AddDate(0, 0, 7)

	case models.BillingPeriodYear:
		day := boundaryDay(startCycle, anchor)
		prev = time.Date(anchor.Year(), anchor.Month(), clampDay(day, anchor.Year(), anchor.Month()), 0, 0, 0, 0, loc)
		if prev.After(anchor) {
			prev = time.Date(anchor.Year()-1, anchor.Month(), clampDay(day, anchor.Year()-1, anchor.Month()), 0, 0, 0, 0, loc)
		}
		next = time.Date(prev.Year()+1, prev.Month(), clampDay(day, prev.Year()+1, prev.Month()), 0, 0, 0, 0, loc)
		return prev, next

	default: // month
		day := boundaryDay(startCycle, anchor)
		prev = time.Date(anchor.Year(), anchor.Month(), clampDay(day, anchor.Year(), anchor.Month()), 0, 0, 0, 0, loc)
		if prev.After(anchor) {
			y, m := prevMonth(anchor.Year(), anchor.Month())
			prev = time.Date(y, m, clampDay(day, y, m), 0, 0, 0, 0, loc)
		}
		ny, nm := nextMonth(prev.Year(), prev.Month())
		next = time.Date(ny, nm, clampDay(day, ny, nm), 0, 0, 0, 0, loc)
		return prev, next
	}
}

func boundaryDay(startCycle int, anchor time.Time) int {
	if startCycle == models.StartCycleAnchorDay {
		return anchor.Day()
	}
	return startCycle
}

// clampDay bounds a day-of-month to the month's actual length, keeping
// 31st-anchored cycles valid in February.
func clampDay(day, year int, month time.Month) int {
	if day < 1 {
		return 1
	}
	last := daysIn(year, month)
	if day > last {
		return last
	}
	return day
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func prevMonth(year int, month time.Month) (int, time.Month) {
	if month == time.January {
		return year - 1, time.December
	}
	return year, month - 1
}

func nextMonth(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}

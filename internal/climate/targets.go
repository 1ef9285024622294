package climate

import (
	"fmt"
	"time"

	"amedas-climate/internal/models"
)

// Target selection defaults.
const (
	DefaultRecentCutoffDay = 6
	DefaultRebuildFromYear = 2010
)

// RecentTargets returns the current month, preceded by the previous month
// while now's day of month is below cutoff.
func RecentTargets(now time.Time, cutoff int) []models.YearMonth {
	current := models.YearMonthOf(now)
	if now.Day() < cutoff {
		return []models.YearMonth{current.Prev(), current}
	}
	return []models.YearMonth{current}
}

// RangeTargets returns every month from from through the month of now.
func RangeTargets(from models.YearMonth, now time.Time) []models.YearMonth {
	end := models.YearMonthOf(now)
	var out []models.YearMonth
	for ym := from; !end.Before(ym); ym = ym.Next() {
		out = append(out, ym)
	}
	return out
}

// PeriodFor returns the averaging window of ym as seen at now: the whole
// month once it is over, otherwise the first day through now.
func PeriodFor(ym models.YearMonth, now time.Time) models.Target {
	loc := now.Location()
	t := models.Target{YearMonth: ym, Start: ym.FirstDay(loc), End: ym.LastInstant(loc)}
	if !ym.Before(models.YearMonthOf(now)) {
		t.End = now
	}
	return t
}

// RestrictDays narrows t to days [from, to] of its month. The end never
// extends past the original window.
func RestrictDays(t models.Target, from, to int) (models.Target, error) {
	last := t.LastInstant(t.Start.Location()).Day()
	if from < 1 || to < from || to > last {
		return t, &models.ValidationError{
			Field:   "days",
			Value:   fmt.Sprintf("%d-%d", from, to),
			Message: fmt.Sprintf("days must satisfy 1 <= from <= to <= %d", last),
		}
	}
	loc := t.Start.Location()
	start := time.Date(t.Year, time.Month(t.Month), from, 0, 0, 0, 0, loc)
	end := time.Date(t.Year, time.Month(t.Month), to, 23, 59, 59, 0, loc)
	if end.After(t.End) {
		end = t.End
	}
	return models.Target{YearMonth: t.YearMonth, Start: start, End: end}, nil
}

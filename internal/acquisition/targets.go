package acquisition

import (
	"fmt"
	"time"

	"amedas-climate/internal/models"
)

// Target selection modes.
const (
	ModeRecent   = "recent"
	ModeBackfill = "backfill"
)

// TargetPolicy chooses which months a run covers.
type TargetPolicy struct {
	Mode string
	// CutoffDay: in recent mode the previous month is included while the
	// day of month is below this value.
	CutoffDay int
	// FromYear is the first year visited in backfill mode.
	FromYear int
}

// Months returns the target months as of now, oldest first.
func (p TargetPolicy) Months(now time.Time) ([]models.YearMonth, error) {
	current := models.YearMonthOf(now)

	switch p.Mode {
	case ModeRecent, "":
		if now.Day() < p.CutoffDay {
			return []models.YearMonth{current.Prev(), current}, nil
		}
		return []models.YearMonth{current}, nil

	case ModeBackfill:
		from := p.FromYear
		if from < models.FirstArchiveYear {
			from = models.FirstArchiveYear
		}
		if from > current.Year {
			return nil, fmt.Errorf("backfill start year %d is after the current year %d", from, current.Year)
		}
		var months []models.YearMonth
		for ym := (models.YearMonth{Year: from, Month: 1}); !current.Before(ym); ym = ym.Next() {
			months = append(months, ym)
		}
		return months, nil

	default:
		return nil, fmt.Errorf("unknown target mode %q", p.Mode)
	}
}

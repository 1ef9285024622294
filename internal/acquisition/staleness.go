package acquisition

import (
	"errors"
	"math"
	"time"

	"amedas-climate/internal/models"
)

// NeverStale is a freshness window under which any timestamped record is
// considered fresh. Backfill runs use it to only fill holes.
const NeverStale = time.Duration(math.MaxInt64)

// Decision is the outcome of a staleness check.
type Decision int

const (
	Refetch Decision = iota
	Skip
)

func (d Decision) String() string {
	if d == Skip {
		return "skip"
	}
	return "refetch"
}

// Reasons attached to a Verdict.
const (
	ReasonFresh       = "fresh"
	ReasonMissing     = "missing"
	ReasonNoTimestamp = "no_timestamp"
	ReasonStale       = "stale"
)

// Verdict explains a staleness Decision.
type Verdict struct {
	Decision Decision
	Reason   string
	Age      time.Duration
}

// StalenessPolicy decides whether an archive record must be fetched again.
type StalenessPolicy struct {
	Window time.Duration
}

// Decide evaluates the header lookup result for a key. headerErr is what
// the archive store returned; any error other than a missing record is
// treated like a record without a usable timestamp, so unknown state always
// leads to re-acquisition.
func (p StalenessPolicy) Decide(header *models.ArchiveHeader, headerErr error, now time.Time) Verdict {
	switch {
	case errors.Is(headerErr, models.ErrArchiveNotFound):
		return Verdict{Decision: Refetch, Reason: ReasonMissing}
	case headerErr != nil || header == nil || header.DownloadedAt.IsZero():
		return Verdict{Decision: Refetch, Reason: ReasonNoTimestamp}
	}

	age := now.Sub(header.DownloadedAt)
	if age < p.Window {
		return Verdict{Decision: Skip, Reason: ReasonFresh, Age: age}
	}
	return Verdict{Decision: Refetch, Reason: ReasonStale, Age: age}
}

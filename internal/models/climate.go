package models

import (
	"sort"
	"time"
)

// Baseline period bounds.
const (
	BaselineStartYear = 2000
	BaselineEndYear   = 2020
)

// Baseline holds per calendar month climatological means for one station.
type Baseline struct {
	StationID StationID
	StartYear int
	EndYear   int
	Months    map[int]map[Variable]*float64
}

// NewBaseline returns an empty baseline for the given period.
func NewBaseline(id StationID, startYear, endYear int) *Baseline {
	return &Baseline{
		StationID: id,
		StartYear: startYear,
		EndYear:   endYear,
		Months:    make(map[int]map[Variable]*float64),
	}
}

// Value returns the mean of v for month, if present.
func (b *Baseline) Value(month int, v Variable) (*float64, bool) {
	vars, ok := b.Months[month]
	if !ok {
		return nil, false
	}
	return vars[v], true
}

// Set stores the mean of v for month.
func (b *Baseline) Set(month int, v Variable, value *float64) {
	vars, ok := b.Months[month]
	if !ok {
		vars = make(map[Variable]*float64)
		b.Months[month] = vars
	}
	vars[v] = value
}

// SortedMonths returns the months present, ascending.
func (b *Baseline) SortedMonths() []int {
	months := make([]int, 0, len(b.Months))
	for m := range b.Months {
		months = append(months, m)
	}
	sort.Ints(months)
	return months
}

// Target is a month to compute anomalies for, restricted to [Start, End].
type Target struct {
	YearMonth
	Start time.Time
	End   time.Time
}

// Exclusion reasons.
const (
	ReasonMissingBaseline = "missing_baseline"
	ReasonMissingCurrent  = "missing_current"
	ReasonNullVariable    = "null_variable"
)

// Exclusion records why a station was left out of a result set.
type Exclusion struct {
	StationID StationID `json:"station_id"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
}

// AnomalyResult is the per-station deviation from the baseline. Values are
// unrounded; rounding happens at export.
type AnomalyResult struct {
	Station  Station
	Current  map[Variable]float64
	Baseline map[Variable]float64
	Anomaly  map[Variable]float64
}

// AnomalyReport is the outcome of one target computation.
type AnomalyReport struct {
	Target     Target
	Variables  []Variable
	Results    []AnomalyResult
	Exclusions []Exclusion
}

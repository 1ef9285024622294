package models

import (
	"fmt"
	"time"
)

// Variable is a canonical observation variable name.
type Variable string

// Observation variables extracted from archive records.
const (
	Temperature   Variable = "temperature"
	Precipitation Variable = "precipitation"
	Humidity      Variable = "humidity"
	WindSpeed     Variable = "wind_speed"
	Sunshine      Variable = "sunshine"
	SolarRadiance Variable = "solar"
	PressureLocal Variable = "pressure_local"
	PressureSea   Variable = "pressure_sea"
	SnowDepth     Variable = "snow_depth"
	Snowfall      Variable = "snowfall"
	Visibility    Variable = "visibility"
	CloudCover    Variable = "cloud"
	Weather       Variable = "weather"
)

// TrackedVariables are the variables the anomaly engine reports on.
var TrackedVariables = []Variable{Temperature, Humidity, Precipitation}

// KnownVariable reports whether v is one of the canonical variables.
func KnownVariable(v Variable) bool {
	switch v {
	case Temperature, Precipitation, Humidity, WindSpeed, Sunshine, SolarRadiance,
		PressureLocal, PressureSea, SnowDepth, Snowfall, Visibility, CloudCover, Weather:
		return true
	}
	return false
}

// ParseStats counts what the parser had to discard.
type ParseStats struct {
	Rows             int `json:"rows"`
	ArityDropped     int `json:"arity_dropped"`
	TimestampDropped int `json:"timestamp_dropped"`
}

// ObservationTable is a column oriented set of hourly observations.
// Values[v][i] belongs to Times[i]; nil means missing or rejected.
type ObservationTable struct {
	StationID StationID
	Schema    string
	Times     []time.Time
	Values    map[Variable][]*float64
	Stats     ParseStats
}

// NewObservationTable returns an empty table with a column for each variable.
func NewObservationTable(id StationID, vars ...Variable) *ObservationTable {
	t := &ObservationTable{
		StationID: id,
		Values:    make(map[Variable][]*float64, len(vars)),
	}
	for _, v := range vars {
		t.Values[v] = nil
	}
	return t
}

// Len returns the number of rows.
func (t *ObservationTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Times)
}

// Empty reports whether the table has no rows.
func (t *ObservationTable) Empty() bool {
	return t.Len() == 0
}

// AppendRow adds one row. Variables missing from values are stored as nil.
func (t *ObservationTable) AppendRow(ts time.Time, values map[Variable]*float64) {
	t.Times = append(t.Times, ts)
	for v := range t.Values {
		t.Values[v] = append(t.Values[v], values[v])
	}
}

// Append concatenates other onto t. Columns present on only one side are
// padded with nil.
func (t *ObservationTable) Append(other *ObservationTable) {
	if other.Len() == 0 {
		return
	}
	n := t.Len()
	for v := range other.Values {
		if _, ok := t.Values[v]; !ok {
			t.Values[v] = make([]*float64, n)
		}
	}
	for v, col := range t.Values {
		if src, ok := other.Values[v]; ok {
			t.Values[v] = append(col, src...)
		} else {
			t.Values[v] = append(col, make([]*float64, other.Len())...)
		}
	}
	t.Times = append(t.Times, other.Times...)
	t.Stats.Rows += other.Stats.Rows
	t.Stats.ArityDropped += other.Stats.ArityDropped
	t.Stats.TimestampDropped += other.Stats.TimestampDropped
}

// Between returns the rows with start <= time <= end.
func (t *ObservationTable) Between(start, end time.Time) *ObservationTable {
	out := &ObservationTable{
		StationID: t.StationID,
		Schema:    t.Schema,
		Values:    make(map[Variable][]*float64, len(t.Values)),
	}
	for v := range t.Values {
		out.Values[v] = nil
	}
	for i, ts := range t.Times {
		if ts.Before(start) || ts.After(end) {
			continue
		}
		out.Times = append(out.Times, ts)
		for v, col := range t.Values {
			out.Values[v] = append(out.Values[v], col[i])
		}
	}
	return out
}

// Mean returns the arithmetic mean of the non-nil values of v, or nil when
// there are none.
func (t *ObservationTable) Mean(v Variable) *float64 {
	if t == nil {
		return nil
	}
	var sum float64
	var n int
	for _, x := range t.Values[v] {
		if x == nil {
			continue
		}
		sum += *x
		n++
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

// String summarises the table for logs and the inspect command.
func (t *ObservationTable) String() string {
	if t.Empty() {
		return fmt.Sprintf("%s: empty (schema=%s)", t.StationID, t.Schema)
	}
	return fmt.Sprintf("%s: %d rows %s..%s (schema=%s)",
		t.StationID, t.Len(),
		t.Times[0].Format(time.DateTime), t.Times[len(t.Times)-1].Format(time.DateTime),
		t.Schema)
}

// Float returns a pointer to f. Handy for building tables in tests.
func Float(f float64) *float64 {
	return &f
}

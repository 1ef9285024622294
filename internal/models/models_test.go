package models

import (
	"testing"
	"time"
)

func TestArchiveKey_Validate(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		key     ArchiveKey
		wantErr bool
	}{
		{"synoptic station", NewArchiveKey("s47662", 2024, 6), false},
		{"amedas station", NewArchiveKey("a0002", 2000, 1), false},
		{"year before grid", NewArchiveKey("s47662", 1999, 12), true},
		{"year in the future", NewArchiveKey("s47662", 2025, 1), true},
		{"month zero", NewArchiveKey("s47662", 2024, 0), true},
		{"month thirteen", NewArchiveKey("s47662", 2024, 13), true},
		{"unknown class", NewArchiveKey("x47662", 2024, 6), true},
		{"path traversal", NewArchiveKey("s../x", 2024, 6), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate(now)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStationID_Parts(t *testing.T) {
	id := StationID("s47662")
	if id.Class() != ClassSynoptic {
		t.Errorf("Class() = %q, want %q", id.Class(), ClassSynoptic)
	}
	if id.BlockNo() != "47662" {
		t.Errorf("BlockNo() = %q, want %q", id.BlockNo(), "47662")
	}
	if StationID("").Class() != "" || StationID("a").BlockNo() != "" {
		t.Error("degenerate ids should yield empty parts")
	}
}

func TestYearMonth_Arithmetic(t *testing.T) {
	jan := YearMonth{Year: 2024, Month: 1}
	if got := jan.Prev(); got != (YearMonth{2023, 12}) {
		t.Errorf("Prev() = %v", got)
	}
	dec := YearMonth{Year: 2023, Month: 12}
	if got := dec.Next(); got != jan {
		t.Errorf("Next() = %v", got)
	}
	if !dec.Before(jan) || jan.Before(dec) || jan.Before(jan) {
		t.Error("Before() ordering is wrong")
	}

	feb := YearMonth{Year: 2024, Month: 2}
	want := time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)
	if got := feb.LastInstant(time.UTC); !got.Equal(want) {
		t.Errorf("LastInstant() = %v, want %v", got, want)
	}
	if feb.String() != "2024-02" {
		t.Errorf("String() = %q", feb.String())
	}
}

func TestParseYearMonth(t *testing.T) {
	tests := []struct {
		in      string
		want    YearMonth
		wantErr bool
	}{
		{"2010-01", YearMonth{2010, 1}, false},
		{"2024-6", YearMonth{2024, 6}, false},
		{"2024-13", YearMonth{}, true},
		{"june", YearMonth{}, true},
	}
	for _, tt := range tests {
		got, err := ParseYearMonth(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseYearMonth(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseYearMonth(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestObservationTable(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		build       func() *ObservationTable
		checkValues func(*testing.T, *ObservationTable)
	}{
		{
			name: "mean skips nil values",
			build: func() *ObservationTable {
				tbl := NewObservationTable("s1", Temperature, Humidity)
				tbl.AppendRow(base, map[Variable]*float64{Temperature: Float(10), Humidity: nil})
				tbl.AppendRow(base.Add(time.Hour), map[Variable]*float64{Temperature: nil})
				tbl.AppendRow(base.Add(2*time.Hour), map[Variable]*float64{Temperature: Float(20)})
				return tbl
			},
			checkValues: func(t *testing.T, tbl *ObservationTable) {
				if m := tbl.Mean(Temperature); m == nil || *m != 15 {
					t.Errorf("Mean(temperature) = %v, want 15", m)
				}
				if m := tbl.Mean(Humidity); m != nil {
					t.Errorf("Mean(humidity) = %v, want nil", *m)
				}
				if m := tbl.Mean(Precipitation); m != nil {
					t.Errorf("Mean(precipitation) = %v, want nil for absent column", *m)
				}
			},
		},
		{
			name: "between is inclusive",
			build: func() *ObservationTable {
				tbl := NewObservationTable("s1", Temperature)
				for d := 0; d < 5; d++ {
					tbl.AppendRow(base.AddDate(0, 0, d), map[Variable]*float64{Temperature: Float(float64(d))})
				}
				return tbl.Between(base.AddDate(0, 0, 1), base.AddDate(0, 0, 3))
			},
			checkValues: func(t *testing.T, tbl *ObservationTable) {
				if tbl.Len() != 3 {
					t.Fatalf("Len() = %d, want 3", tbl.Len())
				}
				if m := tbl.Mean(Temperature); m == nil || *m != 2 {
					t.Errorf("Mean() = %v, want 2", m)
				}
			},
		},
		{
			name: "append pads missing columns",
			build: func() *ObservationTable {
				a := NewObservationTable("s1", Temperature)
				a.AppendRow(base, map[Variable]*float64{Temperature: Float(1)})
				b := NewObservationTable("s1", Humidity)
				b.AppendRow(base.Add(time.Hour), map[Variable]*float64{Humidity: Float(50)})
				b.Stats.Rows = 1
				a.Append(b)
				return a
			},
			checkValues: func(t *testing.T, tbl *ObservationTable) {
				if tbl.Len() != 2 {
					t.Fatalf("Len() = %d, want 2", tbl.Len())
				}
				if len(tbl.Values[Temperature]) != 2 || len(tbl.Values[Humidity]) != 2 {
					t.Fatal("columns must stay aligned with Times")
				}
				if tbl.Values[Temperature][1] != nil || tbl.Values[Humidity][0] != nil {
					t.Error("padding must be nil")
				}
				if tbl.Stats.Rows != 1 {
					t.Errorf("Stats.Rows = %d, want 1", tbl.Stats.Rows)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checkValues(t, tt.build())
		})
	}
}

func TestBaseline_SetValue(t *testing.T) {
	b := NewBaseline("s1", BaselineStartYear, BaselineEndYear)
	b.Set(8, Temperature, Float(26.5))
	b.Set(1, Temperature, nil)

	if v, ok := b.Value(8, Temperature); !ok || v == nil || *v != 26.5 {
		t.Errorf("Value(8) = %v, %v", v, ok)
	}
	if v, ok := b.Value(1, Temperature); !ok || v != nil {
		t.Errorf("Value(1) should be present but nil, got %v, %v", v, ok)
	}
	if _, ok := b.Value(2, Temperature); ok {
		t.Error("Value(2) should be absent")
	}
	if got := b.SortedMonths(); len(got) != 2 || got[0] != 1 || got[1] != 8 {
		t.Errorf("SortedMonths() = %v", got)
	}
}

func TestErrors_IsTransient(t *testing.T) {
	type transient interface{ IsTransient() bool }

	tests := []struct {
		err  transient
		want bool
	}{
		{&TransportError{Err: ErrMarkerAbsent}, true},
		{&SessionError{}, false},
		{&MalformedArchiveError{}, false},
		{&RowArityError{}, false},
		{&ValidationError{}, false},
	}
	for _, tt := range tests {
		if got := tt.err.IsTransient(); got != tt.want {
			t.Errorf("%T.IsTransient() = %v, want %v", tt.err, got, tt.want)
		}
	}
}

package climate

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amedas-climate/internal/archive"
	"amedas-climate/internal/models"
	"amedas-climate/internal/parser"
	"amedas-climate/pkg/logging"
)

var jst = time.FixedZone("JST", 9*60*60)

type obs struct {
	day, hour int
	temp      string
	hum       string
	prec      string
	quality   string
}

const compactHeader = "年月日時,気温(℃),気温(℃),相対湿度(％),相対湿度(％),降水量(mm),降水量(mm)\n" +
	",,品質情報,,品質情報,,品質情報\n"

func writeMonth(t *testing.T, store *archive.Store, id models.StationID, year, month int, rows ...obs) {
	t.Helper()
	var b strings.Builder
	b.WriteString(models.FreshnessMarker + "2024/06/10 12:00:00\n\n")
	b.WriteString(compactHeader)
	for _, r := range rows {
		q := r.quality
		if q == "" {
			q = "8"
		}
		fmt.Fprintf(&b, "%d/%d/%d %d:00:00,%s,%s,%s,8,%s,8\n", year, month, r.day, r.hour, r.temp, q, r.hum, r.prec)
	}
	require.NoError(t, store.Write(models.NewArchiveKey(id, year, month), []byte(b.String())))
}

func newFixture(t *testing.T) (*archive.Store, *parser.Parser, *BaselineStore) {
	t.Helper()
	store := archive.NewStore(t.TempDir(), jst)
	p := parser.New(parser.Config{Location: jst}, logging.NewDiscardLogger(), nil)
	return store, p, NewBaselineStore(t.TempDir(), nil)
}

func TestBuilder_Build(t *testing.T) {
	store, p, _ := newFixture(t)
	writeMonth(t, store, "s47662", 2000, 1,
		obs{day: 1, hour: 1, temp: "4", hum: "50", prec: "0"},
		obs{day: 1, hour: 2, temp: "6", hum: "60", prec: "1"},
	)
	writeMonth(t, store, "s47662", 2020, 1, obs{day: 15, hour: 1, temp: "5", hum: "70", prec: "2"})
	writeMonth(t, store, "s47662", 2021, 1, obs{day: 1, hour: 1, temp: "100", hum: "100", prec: "100"})
	writeMonth(t, store, "s47662", 2005, 7, obs{day: 1, hour: 1, temp: "25", hum: "x", prec: "0"})

	builder := NewBuilder(store, p, models.BaselineStartYear, models.BaselineEndYear, nil, logging.NewDiscardLogger(), nil)

	baseline, ok, err := builder.Build(context.Background(), "s47662")
	require.NoError(t, err)
	require.True(t, ok)

	jan, ok := baseline.Value(1, models.Temperature)
	require.True(t, ok)
	require.NotNil(t, jan)
	assert.InDelta(t, 5.0, *jan, 1e-9)

	janHum, _ := baseline.Value(1, models.Humidity)
	assert.InDelta(t, 60.0, *janHum, 1e-9)

	julHum, ok := baseline.Value(7, models.Humidity)
	assert.True(t, ok)
	assert.Nil(t, julHum)

	_, ok = baseline.Value(2, models.Temperature)
	assert.False(t, ok)
	assert.Equal(t, []int{1, 7}, baseline.SortedMonths())

	_, ok, err = builder.Build(context.Background(), "a00000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuilder_BuildAll(t *testing.T) {
	store, p, baselines := newFixture(t)
	writeMonth(t, store, "s47662", 2010, 3, obs{day: 1, hour: 1, temp: "9", hum: "40", prec: "0"})

	builder := NewBuilder(store, p, models.BaselineStartYear, models.BaselineEndYear, nil, logging.NewDiscardLogger(), nil)
	stations := []models.Station{{ID: "s47662"}, {ID: "a12345"}}

	built, err := builder.BuildAll(context.Background(), stations, baselines)
	require.NoError(t, err)
	assert.Equal(t, 1, built)
	assert.True(t, baselines.Exists("s47662"))
	assert.False(t, baselines.Exists("a12345"))
}

func TestBaselineStore_RoundTrip(t *testing.T) {
	baselines := NewBaselineStore(t.TempDir(), nil)

	b := models.NewBaseline("s47662", models.BaselineStartYear, models.BaselineEndYear)
	b.Set(1, models.Temperature, models.Float(5.25))
	b.Set(1, models.Humidity, nil)
	b.Set(1, models.Precipitation, models.Float(0.1))
	b.Set(12, models.Temperature, models.Float(-1.5))
	require.NoError(t, baselines.Save(b))

	raw, err := os.ReadFile(baselines.Path("s47662"))
	require.NoError(t, err)
	assert.Equal(t, "month,temperature,humidity,precipitation\n1,5.25,,0.1\n12,-1.5,,\n", string(raw))

	loaded, err := baselines.Load("s47662")
	require.NoError(t, err)

	v, ok := loaded.Value(1, models.Temperature)
	require.True(t, ok)
	assert.Equal(t, 5.25, *v)

	v, ok = loaded.Value(1, models.Humidity)
	assert.True(t, ok)
	assert.Nil(t, v)

	v, _ = loaded.Value(12, models.Temperature)
	assert.Equal(t, -1.5, *v)

	_, err = baselines.Load("a00001")
	assert.ErrorIs(t, err, ErrBaselineNotFound)
}

func TestBaselineStore_RejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	baselines := NewBaselineStore(dir, nil)

	require.NoError(t, os.WriteFile(baselines.Path("s1"), []byte("month,temperature\n13,1.0\n"), 0o644))
	_, err := baselines.Load("s1")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(baselines.Path("s2"), []byte("month,temperature\n1,abc\n"), 0o644))
	_, err = baselines.Load("s2")
	assert.Error(t, err)
}

func saveBaseline(t *testing.T, baselines *BaselineStore, id models.StationID, month int, temp, hum, prec *float64) {
	t.Helper()
	b := models.NewBaseline(id, models.BaselineStartYear, models.BaselineEndYear)
	b.Set(month, models.Temperature, temp)
	b.Set(month, models.Humidity, hum)
	b.Set(month, models.Precipitation, prec)
	require.NoError(t, baselines.Save(b))
}

func tenDays(temp string) []obs {
	var rows []obs
	for d := 1; d <= 10; d++ {
		rows = append(rows, obs{day: d, hour: 12, temp: temp, hum: "60", prec: "0"})
	}
	return rows
}

func TestEngine_Compute(t *testing.T) {
	store, p, baselines := newFixture(t)
	f := models.Float

	// included: temperature 7.5 against 5.0
	saveBaseline(t, baselines, "s47662", 1, f(5.0), f(55), f(0.1))
	writeMonth(t, store, "s47662", 2024, 1, append(tenDays("7.5"), obs{day: 20, hour: 1, temp: "100", hum: "60", prec: "0"})...)

	// included with a larger anomaly
	saveBaseline(t, baselines, "a10001", 1, f(1.0), f(50), f(0))
	writeMonth(t, store, "a10001", 2024, 1, tenDays("4.5")...)

	// ties with s47662 and sorts before it by id
	saveBaseline(t, baselines, "a10002", 1, f(0.0), f(50), f(0))
	writeMonth(t, store, "a10002", 2024, 1, tenDays("2.5")...)

	// no current archive
	saveBaseline(t, baselines, "a20001", 1, f(1), f(1), f(1))

	// no baseline file
	writeMonth(t, store, "a20002", 2024, 1, tenDays("3")...)

	// baseline lacks January
	saveBaseline(t, baselines, "a20003", 2, f(1), f(1), f(1))
	writeMonth(t, store, "a20003", 2024, 1, tenDays("3")...)

	// humidity rejected in every row
	saveBaseline(t, baselines, "a20004", 1, f(1), f(1), f(1))
	rows := tenDays("3")
	for i := range rows {
		rows[i].hum = ""
	}
	writeMonth(t, store, "a20004", 2024, 1, rows...)

	// baseline has a null
	saveBaseline(t, baselines, "a20005", 1, f(1), nil, f(1))
	writeMonth(t, store, "a20005", 2024, 1, tenDays("3")...)

	// only rows outside the period
	saveBaseline(t, baselines, "a20006", 1, f(1), f(1), f(1))
	writeMonth(t, store, "a20006", 2024, 1, obs{day: 25, hour: 1, temp: "3", hum: "1", prec: "1"})

	stations := []models.Station{
		{ID: "s47662", Name: "東京"}, {ID: "a10001"}, {ID: "a10002"},
		{ID: "a20001"}, {ID: "a20002"}, {ID: "a20003"}, {ID: "a20004"}, {ID: "a20005"}, {ID: "a20006"},
	}

	now := time.Date(2024, 1, 10, 23, 0, 0, 0, jst)
	target := PeriodFor(models.YearMonth{Year: 2024, Month: 1}, now)

	engine := NewEngine(baselines, store, p, nil, logging.NewDiscardLogger(), nil)
	report, err := engine.Compute(context.Background(), stations, target)
	require.NoError(t, err)

	require.Len(t, report.Results, 3)
	assert.Equal(t, models.StationID("a10001"), report.Results[0].Station.ID)
	assert.Equal(t, models.StationID("a10002"), report.Results[1].Station.ID)
	assert.Equal(t, models.StationID("s47662"), report.Results[2].Station.ID)

	tokyo := report.Results[2]
	assert.Equal(t, "東京", tokyo.Station.Name)
	assert.InDelta(t, 7.5, tokyo.Current[models.Temperature], 1e-9)
	assert.InDelta(t, 2.5, tokyo.Anomaly[models.Temperature], 1e-9)
	assert.InDelta(t, 5.0, tokyo.Anomaly[models.Humidity], 1e-9)
	assert.InDelta(t, -0.1, tokyo.Anomaly[models.Precipitation], 1e-9)

	reasons := make(map[models.StationID]string)
	for _, ex := range report.Exclusions {
		reasons[ex.StationID] = ex.Reason
	}
	assert.Equal(t, map[models.StationID]string{
		"a20001": models.ReasonMissingCurrent,
		"a20002": models.ReasonMissingBaseline,
		"a20003": models.ReasonMissingBaseline,
		"a20004": models.ReasonNullVariable,
		"a20005": models.ReasonNullVariable,
		"a20006": models.ReasonMissingCurrent,
	}, reasons)
}

func TestEngine_ComputeCancelled(t *testing.T) {
	store, p, baselines := newFixture(t)
	engine := NewEngine(baselines, store, p, nil, logging.NewDiscardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := engine.Compute(ctx, []models.Station{{ID: "s47662"}}, PeriodFor(models.YearMonth{Year: 2024, Month: 1}, time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Results)
	assert.Empty(t, report.Exclusions)
}

func TestRecentTargets(t *testing.T) {
	tests := []struct {
		name   string
		now    time.Time
		cutoff int
		want   []models.YearMonth
	}{
		{"before cutoff", time.Date(2024, 6, 5, 9, 0, 0, 0, jst), 6, []models.YearMonth{{Year: 2024, Month: 5}, {Year: 2024, Month: 6}}},
		{"on cutoff", time.Date(2024, 6, 6, 0, 0, 0, 0, jst), 6, []models.YearMonth{{Year: 2024, Month: 6}}},
		{"january wraps", time.Date(2024, 1, 1, 0, 0, 0, 0, jst), 6, []models.YearMonth{{Year: 2023, Month: 12}, {Year: 2024, Month: 1}}},
		{"cutoff disabled", time.Date(2024, 1, 1, 0, 0, 0, 0, jst), 0, []models.YearMonth{{Year: 2024, Month: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RecentTargets(tt.now, tt.cutoff))
		})
	}
}

func TestRangeTargets(t *testing.T) {
	got := RangeTargets(models.YearMonth{Year: 2023, Month: 11}, time.Date(2024, 2, 3, 0, 0, 0, 0, jst))
	assert.Equal(t, []models.YearMonth{
		{Year: 2023, Month: 11}, {Year: 2023, Month: 12}, {Year: 2024, Month: 1}, {Year: 2024, Month: 2},
	}, got)

	assert.Empty(t, RangeTargets(models.YearMonth{Year: 2025, Month: 1}, time.Date(2024, 2, 3, 0, 0, 0, 0, jst)))
}

func TestPeriodFor(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, jst)

	past := PeriodFor(models.YearMonth{Year: 2024, Month: 2}, now)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, jst), past.Start)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 0, jst), past.End)

	current := PeriodFor(models.YearMonth{Year: 2024, Month: 3}, now)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, jst), current.Start)
	assert.Equal(t, now, current.End)
}

func TestRestrictDays(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, jst)
	target := PeriodFor(models.YearMonth{Year: 2024, Month: 2}, now)

	r, err := RestrictDays(target, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, jst), r.Start)
	assert.Equal(t, time.Date(2024, 2, 10, 23, 59, 59, 0, jst), r.End)

	_, err = RestrictDays(target, 5, 30)
	assert.Error(t, err)
	_, err = RestrictDays(target, 0, 3)
	assert.Error(t, err)

	current := PeriodFor(models.YearMonth{Year: 2024, Month: 3}, now)
	r, err = RestrictDays(current, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, now, r.End)
}

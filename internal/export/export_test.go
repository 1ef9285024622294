package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amedas-climate/internal/models"
	"amedas-climate/pkg/logging"
)

func sampleReport() *models.AnomalyReport {
	return &models.AnomalyReport{
		Target:    models.Target{YearMonth: models.YearMonth{Year: 2024, Month: 1}},
		Variables: models.TrackedVariables,
		Results: []models.AnomalyResult{{
			Station: models.Station{ID: "s47662", Name: "東京", Latitude: 35.69166666666, Longitude: 139.75000000004},
			Current: map[models.Variable]float64{
				models.Temperature:   7.4999999,
				models.Humidity:      60.126,
				models.Precipitation: 0.004,
			},
			Anomaly: map[models.Variable]float64{
				models.Temperature:   2.4999999,
				models.Humidity:      5.006,
				models.Precipitation: -0.1,
			},
		}},
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		x        float64
		decimals int
		want     float64
	}{
		{2.4999999, 2, 2.5},
		{-0.126, 2, -0.13},
		{35.6916666666, 6, 35.691667},
		{0.004, 2, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Round(tt.x, tt.decimals))
	}
}

func TestExport_WritesCSVAndJSON(t *testing.T) {
	dir := t.TempDir()
	exporter := NewExporter(dir, logging.NewDiscardLogger())

	files, err := exporter.Export(context.Background(), sampleReport())
	require.NoError(t, err)
	require.NotNil(t, files)
	assert.Equal(t, filepath.Join(dir, "2024_01.csv"), files.CSV)
	assert.Equal(t, filepath.Join(dir, "2024_01.json"), files.JSON)
	assert.Equal(t, 1, files.Records)

	csvData, err := os.ReadFile(files.CSV)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(csvData), "\ufeff"), "csv must start with a BOM")
	lines := strings.Split(strings.TrimPrefix(strings.TrimSpace(string(csvData)), "\ufeff"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "name,lat,lon,station_id,temperature,temperature_anomaly,humidity,humidity_anomaly,precipitation,precipitation_anomaly", lines[0])
	assert.Equal(t, "東京,35.691667,139.75,s47662,7.5,2.5,60.13,5.01,0,-0.1", lines[1])

	jsonData, err := os.ReadFile(files.JSON)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"東京","lat":35.691667,"lon":139.75,"station_id":"s47662",
		"temperature":7.5,"temperature_anomaly":2.5,"humidity":60.13,"humidity_anomaly":5.01,
		"precipitation":0,"precipitation_anomaly":-0.1}]`, string(jsonData))
	assert.True(t, strings.HasPrefix(string(jsonData), `[{"name":"東京","lat":`), "keys keep column order")

	records, err := exporter.ReadJSON(models.YearMonth{Year: 2024, Month: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(records[0], &decoded))
	assert.Equal(t, "s47662", decoded["station_id"])
}

func TestExport_EmptyWritesNothing(t *testing.T) {
	dir := t.TempDir()
	exporter := NewExporter(dir, logging.NewDiscardLogger())

	report := sampleReport()
	report.Results = nil
	report.Exclusions = []models.Exclusion{{StationID: "s47662", Reason: models.ReasonMissingCurrent}}

	files, err := exporter.Export(context.Background(), report)
	require.NoError(t, err)
	assert.Nil(t, files)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = exporter.ReadJSON(models.YearMonth{Year: 2024, Month: 1})
	assert.ErrorIs(t, err, ErrResultNotFound)
}

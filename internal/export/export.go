// Package export writes anomaly reports as CSV and JSON result files.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"amedas-climate/internal/models"
	"amedas-climate/pkg/fsutil"
	"amedas-climate/pkg/logging"
)

// Rounding applied to exported numbers.
const (
	ValueDecimals      = 2
	CoordinateDecimals = 6
)

const utf8BOM = "\ufeff"

// ErrResultNotFound is returned when no result file exists for a month.
var ErrResultNotFound = errors.New("anomaly result not found")

// Field is one named number of a record.
type Field struct {
	Name  string
	Value float64
}

// Record is one exported station row with its columns in output order.
type Record struct {
	Name      string
	Lat       float64
	Lon       float64
	StationID string
	Values    []Field
}

// Columns returns the header of records built for variables.
func Columns(variables []models.Variable) []string {
	cols := []string{"name", "lat", "lon", "station_id"}
	for _, v := range variables {
		cols = append(cols, string(v), string(v)+"_anomaly")
	}
	return cols
}

// Records converts a report into rounded export records, keeping the
// report order.
func Records(report *models.AnomalyReport) []Record {
	out := make([]Record, 0, len(report.Results))
	for _, r := range report.Results {
		rec := Record{
			Name:      r.Station.Name,
			Lat:       Round(r.Station.Latitude, CoordinateDecimals),
			Lon:       Round(r.Station.Longitude, CoordinateDecimals),
			StationID: string(r.Station.ID),
		}
		for _, v := range report.Variables {
			rec.Values = append(rec.Values,
				Field{Name: string(v), Value: Round(r.Current[v], ValueDecimals)},
				Field{Name: string(v) + "_anomaly", Value: Round(r.Anomaly[v], ValueDecimals)},
			)
		}
		out = append(out, rec)
	}
	return out
}

// MarshalJSON writes the record as an object with keys in column order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(key string, value interface{}) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		v, err := json.Marshal(value)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}

	if err := write("name", r.Name); err != nil {
		return nil, err
	}
	if err := write("lat", r.Lat); err != nil {
		return nil, err
	}
	if err := write("lon", r.Lon); err != nil {
		return nil, err
	}
	if err := write("station_id", r.StationID); err != nil {
		return nil, err
	}
	for _, f := range r.Values {
		if err := write(f.Name, f.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Round rounds x half away from zero to the given number of decimals.
func Round(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}

// Files names the outputs of one export.
type Files struct {
	CSV     string `json:"csv"`
	JSON    string `json:"json"`
	Records int    `json:"records"`
}

// Exporter writes result files into a directory.
type Exporter struct {
	dir    string
	logger *logging.StructuredLogger
}

// NewExporter creates an exporter writing into dir.
func NewExporter(dir string, logger *logging.StructuredLogger) *Exporter {
	return &Exporter{dir: dir, logger: logger}
}

// Dir returns the result directory.
func (e *Exporter) Dir() string {
	return e.dir
}

// basename is <YYYY>_<MM>.
func (e *Exporter) basename(ym models.YearMonth) string {
	return filepath.Join(e.dir, fmt.Sprintf("%04d_%02d", ym.Year, ym.Month))
}

// Export writes the CSV and JSON files of report. An empty result set
// writes nothing and returns nil files.
func (e *Exporter) Export(ctx context.Context, report *models.AnomalyReport) (*Files, error) {
	if len(report.Results) == 0 {
		e.logger.Warn(ctx, "[EXPORT_EMPTY] No stations to export", logging.Fields{
			"target":     report.Target.YearMonth.String(),
			"exclusions": len(report.Exclusions),
		})
		return nil, nil
	}

	records := Records(report)
	base := e.basename(report.Target.YearMonth)
	files := &Files{CSV: base + ".csv", JSON: base + ".json", Records: len(records)}

	if err := fsutil.WriteAtomic(files.CSV, 0o644, func(w io.Writer) error {
		return writeCSV(w, report.Variables, records)
	}); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", files.CSV, err)
	}

	if err := fsutil.WriteAtomic(files.JSON, 0o644, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return enc.Encode(records)
	}); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", files.JSON, err)
	}

	e.logger.Info(ctx, "[EXPORT_COMPLETE] Anomaly results exported", logging.Fields{
		"target":  report.Target.YearMonth.String(),
		"records": len(records),
		"csv":     files.CSV,
		"json":    files.JSON,
	})
	return files, nil
}

// ReadJSON returns the exported records of ym as raw JSON objects.
func (e *Exporter) ReadJSON(ym models.YearMonth) ([]json.RawMessage, error) {
	data, err := os.ReadFile(e.basename(ym) + ".json")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to read result for %s: %w", ym, err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode result for %s: %w", ym, err)
	}
	return records, nil
}

func writeCSV(w io.Writer, variables []models.Variable, records []Record) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns(variables)); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{r.Name, formatFloat(r.Lat), formatFloat(r.Lon), r.StationID}
		for _, f := range r.Values {
			row = append(row, formatFloat(f.Value))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

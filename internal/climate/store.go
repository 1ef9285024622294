package climate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"amedas-climate/internal/models"
	"amedas-climate/pkg/fsutil"
)

// ErrBaselineNotFound is returned when a station has no persisted baseline.
var ErrBaselineNotFound = errors.New("climatology baseline not found")

const monthColumn = "month"

// BaselineStore keeps one CSV per station at <dir>/<station_id>_climatology.csv
// with a month column and one column per variable. Empty cells are nulls.
type BaselineStore struct {
	dir       string
	variables []models.Variable
}

// NewBaselineStore creates a store in dir writing the given variables.
func NewBaselineStore(dir string, variables []models.Variable) *BaselineStore {
	if len(variables) == 0 {
		variables = models.TrackedVariables
	}
	return &BaselineStore{dir: dir, variables: variables}
}

// Path returns the baseline file of a station.
func (s *BaselineStore) Path(id models.StationID) string {
	return filepath.Join(s.dir, string(id)+"_climatology.csv")
}

// Save replaces the baseline file of b.StationID.
func (s *BaselineStore) Save(b *models.Baseline) error {
	err := fsutil.WriteAtomic(s.Path(b.StationID), 0o644, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		header := []string{monthColumn}
		for _, v := range s.variables {
			header = append(header, string(v))
		}
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, m := range b.SortedMonths() {
			record := []string{strconv.Itoa(m)}
			for _, v := range s.variables {
				val, _ := b.Value(m, v)
				if val == nil {
					record = append(record, "")
					continue
				}
				record = append(record, strconv.FormatFloat(*val, 'f', -1, 64))
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return fmt.Errorf("failed to save baseline for %s: %w", b.StationID, err)
	}
	return nil
}

// Load reads the baseline of a station. Columns not named after a known
// variable are ignored.
func (s *BaselineStore) Load(id models.StationID) (*models.Baseline, error) {
	f, err := os.Open(s.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBaselineNotFound
		}
		return nil, fmt.Errorf("failed to open baseline for %s: %w", id, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline for %s: %w", id, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("baseline for %s is empty", id)
	}

	header := records[0]
	if len(header) == 0 || strings.TrimPrefix(header[0], "\ufeff") != monthColumn {
		return nil, fmt.Errorf("baseline for %s has no month column", id)
	}

	b := models.NewBaseline(id, models.BaselineStartYear, models.BaselineEndYear)
	for line, record := range records[1:] {
		month, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil || month < 1 || month > 12 {
			return nil, fmt.Errorf("baseline for %s line %d: invalid month %q", id, line+2, record[0])
		}
		for i := 1; i < len(header) && i < len(record); i++ {
			v := models.Variable(strings.TrimSpace(header[i]))
			if !models.KnownVariable(v) {
				continue
			}
			cell := strings.TrimSpace(record[i])
			if cell == "" {
				b.Set(month, v, nil)
				continue
			}
			f, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("baseline for %s line %d: invalid %s value %q", id, line+2, v, cell)
			}
			b.Set(month, v, models.Float(f))
		}
	}
	return b, nil
}

// Exists reports whether a baseline file is present for id.
func (s *BaselineStore) Exists(id models.StationID) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

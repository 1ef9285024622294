// Package climate computes per-station monthly climatologies and the
// anomalies of a target month against them.
package climate

import (
	"context"
	"time"

	"amedas-climate/internal/models"
	"amedas-climate/internal/parser"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/metrics"
)

// Archive is the read side of the archive store.
type Archive interface {
	parser.Source
	Exists(key models.ArchiveKey) bool
}

// Builder computes baselines from archived records.
type Builder struct {
	archive   Archive
	parser    *parser.Parser
	startYear int
	endYear   int
	variables []models.Variable
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewBuilder creates a baseline builder over [startYear, endYear].
func NewBuilder(archive Archive, p *parser.Parser, startYear, endYear int, variables []models.Variable, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Builder {
	if len(variables) == 0 {
		variables = models.TrackedVariables
	}
	return &Builder{
		archive:   archive,
		parser:    p,
		startYear: startYear,
		endYear:   endYear,
		variables: variables,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

type accumulator struct {
	sum   float64
	count int
}

// Build accumulates every archived month of the baseline period and returns
// the mean per calendar month of the row timestamps. ok is false when the
// station has no usable rows in the period.
func (b *Builder) Build(ctx context.Context, id models.StationID) (*models.Baseline, bool, error) {
	acc := make(map[int]map[models.Variable]*accumulator)
	rows := 0

	for year := b.startYear; year <= b.endYear; year++ {
		for month := 1; month <= 12; month++ {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
			key := models.NewArchiveKey(id, year, month)
			if !b.archive.Exists(key) {
				continue
			}
			table := b.parser.Load(ctx, b.archive, key)
			for i, ts := range table.Times {
				m := int(ts.Month())
				vars, ok := acc[m]
				if !ok {
					vars = make(map[models.Variable]*accumulator, len(b.variables))
					for _, v := range b.variables {
						vars[v] = &accumulator{}
					}
					acc[m] = vars
				}
				for _, v := range b.variables {
					col := table.Values[v]
					if col == nil || col[i] == nil {
						continue
					}
					vars[v].sum += *col[i]
					vars[v].count++
				}
				rows++
			}
		}
	}

	if rows == 0 {
		return nil, false, nil
	}

	baseline := models.NewBaseline(id, b.startYear, b.endYear)
	for m, vars := range acc {
		for v, a := range vars {
			if a.count == 0 {
				baseline.Set(m, v, nil)
				continue
			}
			baseline.Set(m, v, models.Float(a.sum/float64(a.count)))
		}
	}
	return baseline, true, nil
}

// BuildAll builds and saves the baseline of every station. Failures are
// logged per station and do not stop the loop.
func (b *Builder) BuildAll(ctx context.Context, stations []models.Station, store *BaselineStore) (int, error) {
	startTime := time.Now()
	built := 0

	b.logger.Info(ctx, "[CLIMATOLOGY_START] Building climatology baselines", logging.Fields{
		"stations":   len(stations),
		"start_year": b.startYear,
		"end_year":   b.endYear,
		"stage":      "INITIALIZATION",
	})

	for _, st := range stations {
		baseline, ok, err := b.Build(ctx, st.ID)
		if err != nil {
			return built, err
		}
		if !ok {
			b.logger.Info(ctx, "[CLIMATOLOGY_NO_DATA] Station has no data in the baseline period", logging.Fields{
				"station_id": string(st.ID),
			})
			continue
		}
		if err := store.Save(baseline); err != nil {
			b.logger.Error(ctx, "[CLIMATOLOGY_SAVE_ERROR] Failed to save baseline", logging.Fields{
				"station_id": string(st.ID),
			}, err)
			continue
		}
		built++
		if b.metrics != nil {
			b.metrics.BaselinesBuilt.Inc()
		}
	}

	b.logger.Info(ctx, "[CLIMATOLOGY_COMPLETE] Climatology baselines built", logging.Fields{
		"stations":         len(stations),
		"baselines":        built,
		"duration_seconds": time.Since(startTime).Seconds(),
		"stage":            "COMPLETE",
	})
	return built, nil
}

package climate

import (
	"context"
	"errors"
	"sort"

	"amedas-climate/internal/models"
	"amedas-climate/internal/parser"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/metrics"
)

// StatusIncluded labels stations that made it into a result set.
const StatusIncluded = "included"

// BaselineLoader loads persisted baselines.
type BaselineLoader interface {
	Load(id models.StationID) (*models.Baseline, error)
}

// Engine computes anomaly reports. Baselines are only loaded, never built.
type Engine struct {
	baselines BaselineLoader
	archive   parser.Source
	parser    *parser.Parser
	variables []models.Variable
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewEngine creates an anomaly engine for variables. The first variable
// ranks the results.
func NewEngine(baselines BaselineLoader, archive parser.Source, p *parser.Parser, variables []models.Variable, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Engine {
	if len(variables) == 0 {
		variables = models.TrackedVariables
	}
	return &Engine{
		baselines: baselines,
		archive:   archive,
		parser:    p,
		variables: variables,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// Compute evaluates every station against target. A station is either
// fully present in Results or listed in Exclusions. The only error is
// context cancellation, returned together with the partial report.
func (e *Engine) Compute(ctx context.Context, stations []models.Station, target models.Target) (*models.AnomalyReport, error) {
	if e.metrics != nil {
		timer := e.metrics.NewTimer(e.metrics.AnomalyCalcDuration)
		defer timer.ObserveDuration()
	}

	report := &models.AnomalyReport{Target: target, Variables: e.variables}

	for _, st := range stations {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		result, exclusion := e.evaluate(ctx, st, target)
		if exclusion != nil {
			report.Exclusions = append(report.Exclusions, *exclusion)
			e.logger.Debug(ctx, "[ANOMALY_EXCLUDED] Station excluded", logging.Fields{
				"station_id": string(st.ID),
				"target":     target.YearMonth.String(),
				"reason":     exclusion.Reason,
				"detail":     exclusion.Detail,
			})
			e.record(exclusion.Reason)
			continue
		}
		report.Results = append(report.Results, *result)
		e.record(StatusIncluded)
	}

	rankBy := e.variables[0]
	sort.SliceStable(report.Results, func(i, j int) bool {
		ai, aj := report.Results[i].Anomaly[rankBy], report.Results[j].Anomaly[rankBy]
		if ai != aj {
			return ai > aj
		}
		return report.Results[i].Station.ID < report.Results[j].Station.ID
	})

	e.logger.Info(ctx, "[ANOMALY_COMPUTED] Anomalies computed", logging.Fields{
		"target":     target.YearMonth.String(),
		"start":      target.Start,
		"end":        target.End,
		"stations":   len(stations),
		"results":    len(report.Results),
		"exclusions": len(report.Exclusions),
	})
	return report, nil
}

func (e *Engine) evaluate(ctx context.Context, st models.Station, target models.Target) (*models.AnomalyResult, *models.Exclusion) {
	exclude := func(reason, detail string) (*models.AnomalyResult, *models.Exclusion) {
		return nil, &models.Exclusion{StationID: st.ID, Reason: reason, Detail: detail}
	}

	baseline, err := e.baselines.Load(st.ID)
	if err != nil {
		if errors.Is(err, ErrBaselineNotFound) {
			return exclude(models.ReasonMissingBaseline, "no baseline")
		}
		return exclude(models.ReasonMissingBaseline, err.Error())
	}

	baseValues := make(map[models.Variable]*float64, len(e.variables))
	for _, v := range e.variables {
		val, ok := baseline.Value(target.Month, v)
		if !ok {
			return exclude(models.ReasonMissingBaseline, "month not in baseline")
		}
		baseValues[v] = val
	}

	key := models.ArchiveKey{StationID: st.ID, YearMonth: target.YearMonth}
	table := e.parser.Load(ctx, e.archive, key)
	if table.Empty() {
		return exclude(models.ReasonMissingCurrent, "no archived rows")
	}
	period := table.Between(target.Start, target.End)
	if period.Empty() {
		return exclude(models.ReasonMissingCurrent, "no rows in period")
	}

	result := &models.AnomalyResult{
		Station:  st,
		Current:  make(map[models.Variable]float64, len(e.variables)),
		Baseline: make(map[models.Variable]float64, len(e.variables)),
		Anomaly:  make(map[models.Variable]float64, len(e.variables)),
	}
	for _, v := range e.variables {
		current := period.Mean(v)
		if current == nil {
			return exclude(models.ReasonNullVariable, "current "+string(v))
		}
		base := baseValues[v]
		if base == nil {
			return exclude(models.ReasonNullVariable, "baseline "+string(v))
		}
		result.Current[v] = *current
		result.Baseline[v] = *base
		result.Anomaly[v] = *current - *base
	}
	return result, nil
}

func (e *Engine) record(status string) {
	if e.metrics != nil {
		e.metrics.RecordAnomalyStation(status)
	}
}

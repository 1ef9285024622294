package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"amedas-climate/internal/climate"
	"amedas-climate/internal/export"
	"amedas-climate/internal/models"
	"amedas-climate/internal/notify"
	"amedas-climate/internal/repository"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/metrics"
)

// AnomalyOptions selects what an anomaly run covers. A zero value means the
// recent months.
type AnomalyOptions struct {
	Year       int
	Month      int
	FromDay    int
	ToDay      int
	Rebuild    bool
	StationIDs []string
}

// AnomalySettings holds the target selection policy
type AnomalySettings struct {
	RecentCutoffDay int
	RebuildFrom     models.YearMonth
	Location        *time.Location
}

// TargetOutcome is the result of one target month
type TargetOutcome struct {
	Target   string `json:"target"`
	Results  int    `json:"results"`
	Excluded int    `json:"excluded"`
	CSV      string `json:"csv,omitempty"`
	JSON     string `json:"json,omitempty"`
}

// AnomalyRunResult contains anomaly run statistics
type AnomalyRunResult struct {
	Baselines *ClimatologyResult `json:"baselines,omitempty"`
	Targets   []TargetOutcome    `json:"targets"`
	Duration  time.Duration      `json:"duration"`
	Errors    []string           `json:"errors,omitempty"`
}

// AnomalyService computes, exports and publishes anomaly results
type AnomalyService struct {
	stations     StationSource
	stationsPath string
	engine       *climate.Engine
	exporter     *export.Exporter
	climatology  *ClimatologyService
	repo         repository.ClimateRepository
	notifier     notify.Notifier
	clock        clockwork.Clock
	settings     AnomalySettings
	logger       *logging.StructuredLogger
	metrics      *metrics.Collector
}

// NewAnomalyService creates a new anomaly service. repo may be nil; a nil
// notifier discards events and a nil clock is the real clock.
func NewAnomalyService(
	src StationSource,
	stationsPath string,
	engine *climate.Engine,
	exporter *export.Exporter,
	climatology *ClimatologyService,
	repo repository.ClimateRepository,
	notifier notify.Notifier,
	clock clockwork.Clock,
	settings AnomalySettings,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *AnomalyService {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if settings.RecentCutoffDay <= 0 {
		settings.RecentCutoffDay = climate.DefaultRecentCutoffDay
	}
	if settings.RebuildFrom.Year == 0 {
		settings.RebuildFrom = models.YearMonth{Year: climate.DefaultRebuildFromYear, Month: 1}
	}
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	return &AnomalyService{
		stations:     src,
		stationsPath: stationsPath,
		engine:       engine,
		exporter:     exporter,
		climatology:  climatology,
		repo:         repo,
		notifier:     notifier,
		clock:        clock,
		settings:     settings,
		logger:       logger,
		metrics:      metricsCollector,
	}
}

// Targets resolves opts into the target windows as of now.
func (s *AnomalyService) Targets(now time.Time, opts AnomalyOptions) ([]models.Target, error) {
	now = now.In(s.settings.Location)
	explicit := opts.Year != 0 || opts.Month != 0

	var months []models.YearMonth
	switch {
	case explicit && opts.Rebuild:
		return nil, &models.ValidationError{Field: "rebuild", Value: "true", Message: "cannot be combined with an explicit year and month"}
	case explicit:
		ym := models.YearMonth{Year: opts.Year, Month: opts.Month}
		if opts.Year == 0 || opts.Month == 0 {
			return nil, &models.ValidationError{Field: "target", Value: ym.String(), Message: "year and month must be given together"}
		}
		if opts.Month < 1 || opts.Month > 12 || opts.Year < models.FirstArchiveYear || models.YearMonthOf(now).Before(ym) {
			return nil, &models.ValidationError{Field: "target", Value: ym.String(), Message: "month out of range"}
		}
		months = []models.YearMonth{ym}
	case opts.Rebuild:
		months = climate.RangeTargets(s.settings.RebuildFrom, now)
	default:
		months = climate.RecentTargets(now, s.settings.RecentCutoffDay)
	}

	restrict := opts.FromDay != 0 || opts.ToDay != 0
	if restrict && !explicit {
		return nil, &models.ValidationError{Field: "days", Value: fmt.Sprintf("%d-%d", opts.FromDay, opts.ToDay), Message: "a day range needs an explicit year and month"}
	}

	targets := make([]models.Target, 0, len(months))
	for _, ym := range months {
		t := climate.PeriodFor(ym, now)
		if restrict {
			var err error
			if t, err = climate.RestrictDays(t, opts.FromDay, opts.ToDay); err != nil {
				return nil, err
			}
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Run computes and exports every target of opts. Failures of a single target
// are logged and collected; only invalid options, catalog errors, a failed
// rebuild and cancellation end the run early.
func (s *AnomalyService) Run(ctx context.Context, opts AnomalyOptions) (*AnomalyRunResult, error) {
	startTime := time.Now()

	targets, err := s.Targets(s.clock.Now(), opts)
	if err != nil {
		return nil, err
	}

	selected, err := loadStations(ctx, s.stations, s.stationsPath, opts.StationIDs)
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "[ANOMALY_START] Starting anomaly computation", logging.Fields{
		"stations": len(selected),
		"targets":  len(targets),
		"rebuild":  opts.Rebuild,
		"stage":    "INITIALIZATION",
	})

	result := &AnomalyRunResult{Targets: make([]TargetOutcome, 0, len(targets))}

	if opts.Rebuild {
		baselines, err := s.climatology.BuildAll(ctx, opts.StationIDs)
		result.Baselines = baselines
		if err != nil {
			result.Duration = time.Since(startTime)
			return result, fmt.Errorf("failed to rebuild baselines: %w", err)
		}
	}

	for _, target := range targets {
		outcome, err := s.runTarget(ctx, selected, target)
		if err != nil {
			if ctx.Err() != nil {
				result.Duration = time.Since(startTime)
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", target.YearMonth, err))
			s.logger.Error(ctx, "[ANOMALY_TARGET_ERROR] Target failed", logging.Fields{
				"target": target.YearMonth.String(),
			}, err)
			continue
		}
		result.Targets = append(result.Targets, *outcome)
	}

	result.Duration = time.Since(startTime)
	s.logger.Info(ctx, "[ANOMALY_COMPLETE] Anomaly computation completed", logging.Fields{
		"targets":          len(result.Targets),
		"error_count":      len(result.Errors),
		"duration_seconds": result.Duration.Seconds(),
		"stage":            "COMPLETE",
	})
	return result, nil
}

func (s *AnomalyService) runTarget(ctx context.Context, selected []models.Station, target models.Target) (*TargetOutcome, error) {
	report, err := s.engine.Compute(ctx, selected, target)
	if err != nil {
		return nil, err
	}

	outcome := &TargetOutcome{
		Target:   target.YearMonth.String(),
		Results:  len(report.Results),
		Excluded: len(report.Exclusions),
	}

	files, err := s.exporter.Export(ctx, report)
	if err != nil {
		return nil, err
	}
	if files != nil {
		outcome.CSV = files.CSV
		outcome.JSON = files.JSON
	}

	if s.repo != nil && len(report.Results) > 0 {
		if err := s.repo.ReplaceAnomalies(ctx, report); err != nil {
			s.logger.Error(ctx, "[ANOMALY_REPO_ERROR] Failed to mirror anomaly results", logging.Fields{
				"target": outcome.Target,
			}, err)
		}
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.notifier.AnomaliesExported(notifyCtx, report, files); err != nil {
		s.logger.Warn(ctx, "[ANOMALY_NOTIFY_ERROR] Failed to publish anomaly export", logging.Fields{
			"target": outcome.Target,
			"error":  err.Error(),
		})
	}

	s.logger.Info(ctx, "[ANOMALY_TARGET_COMPLETE] Target computed", logging.Fields{
		"target":   outcome.Target,
		"results":  outcome.Results,
		"excluded": outcome.Excluded,
		"start":    target.Start.Format(time.RFC3339),
		"end":      target.End.Format(time.RFC3339),
	})
	return outcome, nil
}

// GetResults returns the exported records of a month.
func (s *AnomalyService) GetResults(ctx context.Context, ym models.YearMonth) ([]json.RawMessage, error) {
	if ym.Month < 1 || ym.Month > 12 {
		return nil, &models.ValidationError{Field: "month", Value: fmt.Sprint(ym.Month), Message: "month must be between 1 and 12"}
	}
	return s.exporter.ReadJSON(ym)
}

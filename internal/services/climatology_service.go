package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"amedas-climate/internal/climate"
	"amedas-climate/internal/models"
	"amedas-climate/internal/repository"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/metrics"
)

// ClimatologyService builds the per-station baselines
type ClimatologyService struct {
	stations     StationSource
	stationsPath string
	builder      *climate.Builder
	store        *climate.BaselineStore
	repo         repository.ClimateRepository
	logger       *logging.StructuredLogger
	metrics      *metrics.Collector
}

// ClimatologyResult contains baseline build statistics
type ClimatologyResult struct {
	Stations int           `json:"stations"`
	Built    int           `json:"built"`
	Mirrored int           `json:"mirrored"`
	Duration time.Duration `json:"duration"`
	Errors   []string      `json:"errors,omitempty"`
}

// NewClimatologyService creates a new climatology service. repo may be nil.
func NewClimatologyService(
	src StationSource,
	stationsPath string,
	builder *climate.Builder,
	store *climate.BaselineStore,
	repo repository.ClimateRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *ClimatologyService {
	return &ClimatologyService{
		stations:     src,
		stationsPath: stationsPath,
		builder:      builder,
		store:        store,
		repo:         repo,
		logger:       logger,
		metrics:      metricsCollector,
	}
}

// BuildAll builds and stores the baseline of every selected station
func (s *ClimatologyService) BuildAll(ctx context.Context, ids []string) (*ClimatologyResult, error) {
	startTime := time.Now()

	selected, err := loadStations(ctx, s.stations, s.stationsPath, ids)
	if err != nil {
		return nil, err
	}

	result := &ClimatologyResult{Stations: len(selected)}

	built, err := s.builder.BuildAll(ctx, selected, s.store)
	result.Built = built
	if err != nil {
		result.Duration = time.Since(startTime)
		return result, err
	}

	if s.repo != nil {
		for _, st := range selected {
			if !s.store.Exists(st.ID) {
				continue
			}
			baseline, err := s.store.Load(st.ID)
			if err == nil {
				err = s.repo.UpsertBaseline(ctx, baseline)
			}
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", st.ID, err))
				s.logger.Error(ctx, "[CLIMATOLOGY_REPO_ERROR] Failed to mirror baseline", logging.Fields{
					"station_id": string(st.ID),
				}, err)
				continue
			}
			result.Mirrored++
		}
	}

	result.Duration = time.Since(startTime)
	return result, nil
}

// GetBaseline returns the stored baseline of a station, falling back to the
// database mirror when the file is absent.
func (s *ClimatologyService) GetBaseline(ctx context.Context, id models.StationID) (*models.Baseline, error) {
	if !id.Valid() {
		return nil, &models.ValidationError{Field: "station_id", Value: string(id), Message: "invalid station id"}
	}

	baseline, err := s.store.Load(id)
	if err == nil {
		return baseline, nil
	}
	if !errors.Is(err, climate.ErrBaselineNotFound) || s.repo == nil {
		return nil, err
	}

	baseline, repoErr := s.repo.GetBaseline(ctx, id)
	if repoErr != nil {
		if repository.IsNotFound(repoErr) {
			return nil, err
		}
		return nil, repoErr
	}
	return baseline, nil
}

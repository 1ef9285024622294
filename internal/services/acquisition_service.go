package services

import (
	"context"
	"fmt"
	"time"

	"amedas-climate/internal/acquisition"
	"amedas-climate/internal/models"
	"amedas-climate/internal/notify"
	"amedas-climate/internal/repository"
	"amedas-climate/internal/stations"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/metrics"
)

const notifyTimeout = 5 * time.Second

// StationSource loads the station catalog.
type StationSource interface {
	LoadFile(ctx context.Context, path string) ([]models.Station, error)
}

// loadStations reads the catalog at path and keeps the stations named in ids
// (all of them when ids is empty).
func loadStations(ctx context.Context, src StationSource, path string, ids []string) ([]models.Station, error) {
	all, err := src.LoadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load station catalog: %w", err)
	}
	selected := stations.Filter(all, ids)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no stations selected from %s", path)
	}
	return selected, nil
}

// AcquisitionService runs acquisition passes and reports their outcome
type AcquisitionService struct {
	stations     StationSource
	stationsPath string
	scheduler    *acquisition.Scheduler
	repo         repository.ClimateRepository
	notifier     notify.Notifier
	logger       *logging.StructuredLogger
	metrics      *metrics.Collector
}

// NewAcquisitionService creates a new acquisition service. repo may be nil
// when no database is configured; a nil notifier discards events.
func NewAcquisitionService(
	src StationSource,
	stationsPath string,
	scheduler *acquisition.Scheduler,
	repo repository.ClimateRepository,
	notifier notify.Notifier,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *AcquisitionService {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	scheduler.SetObserver(&runObserver{metrics: metricsCollector})
	return &AcquisitionService{
		stations:     src,
		stationsPath: stationsPath,
		scheduler:    scheduler,
		repo:         repo,
		notifier:     notifier,
		logger:       logger,
		metrics:      metricsCollector,
	}
}

// Run performs one acquisition pass over the selected stations. The error
// is set when the catalog cannot be loaded or the run could not start; the
// summary is returned whenever the run began.
func (s *AcquisitionService) Run(ctx context.Context, ids []string) (*acquisition.RunSummary, error) {
	selected, err := loadStations(ctx, s.stations, s.stationsPath, ids)
	if err != nil {
		return nil, err
	}

	if s.repo != nil {
		if err := s.repo.UpsertStations(ctx, selected); err != nil {
			s.logger.Error(ctx, "[ACQUIRE_REPO_ERROR] Failed to mirror stations", logging.Fields{
				"stations": len(selected),
			}, err)
		}
	}

	summary, runErr := s.scheduler.Run(ctx, selected)
	if summary == nil {
		return nil, runErr
	}
	ctx = logging.WithRunID(ctx, summary.RunID)

	if s.metrics != nil {
		s.metrics.RecordAcquisitionRun(string(summary.State), summary.Duration())
	}

	if s.repo != nil {
		if err := s.repo.RecordRun(ctx, summary); err != nil {
			s.logger.Error(ctx, "[ACQUIRE_REPO_ERROR] Failed to record run", logging.Fields{
				"state": string(summary.State),
			}, err)
		}
	}

	s.publish(ctx, summary)

	return summary, runErr
}

// publish sends the failed keys and then the run summary after the run.
// All events share one timeout; the first failed key event ends the key loop.
func (s *AcquisitionService) publish(ctx context.Context, summary *acquisition.RunSummary) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	for i, fk := range summary.FailedKeys {
		if err := s.notifier.KeyFailed(notifyCtx, summary.RunID, fk); err != nil {
			s.logger.Warn(ctx, "[ACQUIRE_NOTIFY_ERROR] Failed to publish failed keys", logging.Fields{
				"key":         fk.Key.String(),
				"unpublished": len(summary.FailedKeys) - i,
				"error":       err.Error(),
			})
			break
		}
	}

	if err := s.notifier.RunCompleted(notifyCtx, summary); err != nil {
		s.logger.Warn(ctx, "[ACQUIRE_NOTIFY_ERROR] Failed to publish run summary", logging.Fields{
			"error": err.Error(),
		})
	}
}

// runObserver feeds scheduler progress into metrics.
type runObserver struct {
	metrics *metrics.Collector
}

func (o *runObserver) AttemptFinished(key models.ArchiveKey, attempt int, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordFetchAttempt(outcome)
	}
}

func (o *runObserver) KeyFinished(ctx context.Context, result acquisition.KeyResult) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordArchiveKey(result.Result)
	if result.Result == acquisition.ResultAcquired {
		o.metrics.ArchiveBytesWritten.Add(float64(result.Outcome.Bytes))
	}
}

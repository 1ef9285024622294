// Package acquisition keeps the local archive in step with the JMA download
// service: it walks the (station, month) grid, skips fresh records, retries
// failed fetches and stops when the run budget is spent.
package acquisition

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"amedas-climate/internal/models"
	"amedas-climate/pkg/logging"
)

// Session is the per-run context handed to every Fetch call.
type Session interface {
	ID() string
}

// Fetcher retrieves raw month records from the remote service.
type Fetcher interface {
	OpenSession(ctx context.Context) (Session, error)
	Fetch(ctx context.Context, sess Session, key models.ArchiveKey) ([]byte, error)
}

// Store is the archive as seen by the scheduler.
type Store interface {
	Writer
	Header(key models.ArchiveKey) (*models.ArchiveHeader, error)
}

// Observer receives progress notifications. Implementations must not block.
type Observer interface {
	AttemptFinished(key models.ArchiveKey, attempt int, outcome string)
	KeyFinished(ctx context.Context, result KeyResult)
}

// Config bundles the policies of one run.
type Config struct {
	// Budget bounds the wall time of a run; zero or less means unbounded.
	Budget time.Duration
	// StationDelay separates a station that issued requests from the next;
	// RequestDelay separates consecutive fetches within one station.
	StationDelay time.Duration
	RequestDelay time.Duration
	Location     *time.Location
	Staleness    StalenessPolicy
	Targets      TargetPolicy
	Retry        RetryPolicy
}

// Scheduler walks stations (outer) and target months (inner) sequentially.
type Scheduler struct {
	cfg        Config
	fetcher    Fetcher
	store      Store
	controller *Controller
	clock      clockwork.Clock
	logger     *logging.StructuredLogger
	observer   Observer
}

// NewScheduler creates a scheduler. clock may be nil for the real clock.
func NewScheduler(cfg Config, fetcher Fetcher, store Store, clock clockwork.Clock, logger *logging.StructuredLogger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		cfg:        cfg,
		fetcher:    fetcher,
		store:      store,
		controller: NewController(cfg.Retry, store, clock, logger),
		clock:      clock,
		logger:     logger,
	}
}

// SetObserver attaches an observer for metrics or event publishing.
func (s *Scheduler) SetObserver(o Observer) {
	s.observer = o
	if o != nil {
		s.controller.OnAttempt(o.AttemptFinished)
	} else {
		s.controller.OnAttempt(nil)
	}
}

// Run performs one acquisition pass over stations. A returned error means
// the run could not start (bad target policy or no session); per-key
// failures are only reported through the summary.
func (s *Scheduler) Run(ctx context.Context, stations []models.Station) (*RunSummary, error) {
	start := s.clock.Now()
	summary := &RunSummary{
		RunID:         uuid.NewString(),
		State:         RunCompleted,
		StartedAt:     start,
		StationsTotal: len(stations),
	}
	ctx = logging.WithRunID(ctx, summary.RunID)

	months, err := s.cfg.Targets.Months(start.In(s.cfg.Location))
	if err != nil {
		summary.State = RunAborted
		summary.FinishedAt = s.clock.Now()
		return summary, err
	}
	summary.Targets = months

	s.logger.Info(ctx, "[ACQUIRE_START] Starting acquisition run", logging.Fields{
		"stations":         len(stations),
		"targets":          len(months),
		"budget":           s.cfg.Budget.String(),
		"freshness_window": windowString(s.cfg.Staleness.Window),
		"mode":             s.cfg.Targets.Mode,
		"stage":            "INITIALIZATION",
	})

	sess, err := s.fetcher.OpenSession(ctx)
	if err != nil {
		var serr *models.SessionError
		if !errors.As(err, &serr) {
			err = &models.SessionError{Err: err}
		}
		summary.State = RunAborted
		summary.FinishedAt = s.clock.Now()
		s.logger.Error(ctx, "[ACQUIRE_SESSION_ERROR] Could not open a session, aborting run", logging.Fields{
			"stage": "SESSION",
		}, err)
		return summary, err
	}

	s.logger.Debug(ctx, "[ACQUIRE_SESSION] Session established", logging.Fields{
		"session_id": sess.ID(),
	})

	fetchedPrev := false

stations:
	for i, st := range stations {
		if ctx.Err() != nil {
			summary.State = RunCancelled
			break
		}

		if i > 0 && fetchedPrev {
			if err := sleep(ctx, s.clock, s.cfg.StationDelay); err != nil {
				summary.State = RunCancelled
				break
			}
		}

		if s.expired(start) {
			summary.State = RunDeadlineExceeded
			break
		}

		summary.StationsVisited++
		fetchedPrev = false

		for _, ym := range months {
			if ctx.Err() != nil {
				summary.State = RunCancelled
				break stations
			}
			if s.expired(start) {
				summary.State = RunDeadlineExceeded
				break stations
			}

			key := models.ArchiveKey{StationID: st.ID, YearMonth: ym}
			result, fetch := s.decide(ctx, key)
			if fetch {
				if fetchedPrev {
					if err := sleep(ctx, s.clock, s.cfg.RequestDelay); err != nil {
						summary.State = RunCancelled
						break stations
					}
					if s.expired(start) {
						summary.State = RunDeadlineExceeded
						break stations
					}
				}
				result = s.fetch(ctx, sess, key, result.Verdict)
				fetchedPrev = true
			}
			summary.record(result)
			if s.observer != nil {
				s.observer.KeyFinished(ctx, result)
			}
		}
	}

	summary.FinishedAt = s.clock.Now()

	if summary.State == RunDeadlineExceeded {
		s.logger.Warn(ctx, "[ACQUIRE_DEADLINE] Run budget exhausted, stopping", logging.Fields{
			"budget":           s.cfg.Budget.String(),
			"stations_visited": summary.StationsVisited,
			"stations_total":   summary.StationsTotal,
		})
	}

	s.logger.Info(ctx, "[ACQUIRE_COMPLETE] Acquisition run finished", logging.Fields{
		"state":            string(summary.State),
		"stations_visited": summary.StationsVisited,
		"skipped":          summary.Skipped,
		"acquired":         summary.Acquired,
		"failed":           summary.Failed,
		"duration_seconds": summary.Duration().Seconds(),
		"stage":            "COMPLETE",
	})

	return summary, nil
}

// decide validates the key and applies the staleness policy. When fetch is
// false the returned result is final.
func (s *Scheduler) decide(ctx context.Context, key models.ArchiveKey) (result KeyResult, fetch bool) {
	now := s.clock.Now()

	if err := key.Validate(now.In(s.cfg.Location)); err != nil {
		s.logger.Warn(ctx, "[ACQUIRE_INVALID_KEY] Skipping invalid archive key", logging.Fields{
			"key":   key.String(),
			"error": err.Error(),
		})
		return KeyResult{Key: key, Result: ResultFailed, Outcome: Outcome{State: StateFailed, Err: err}}, false
	}

	header, headerErr := s.store.Header(key)
	verdict := s.cfg.Staleness.Decide(header, headerErr, now)
	if verdict.Decision == Skip {
		s.logger.Debug(ctx, "[ACQUIRE_SKIP] Record is fresh", logging.Fields{
			"key": key.String(),
			"age": verdict.Age.String(),
		})
		return KeyResult{Key: key, Result: ResultSkipped, Verdict: verdict}, false
	}
	return KeyResult{Key: key, Verdict: verdict}, true
}

func (s *Scheduler) fetch(ctx context.Context, sess Session, key models.ArchiveKey, verdict Verdict) KeyResult {
	outcome := s.controller.Acquire(ctx, key, func(ctx context.Context) ([]byte, error) {
		return s.fetcher.Fetch(ctx, sess, key)
	})

	result := KeyResult{Key: key, Verdict: verdict, Outcome: outcome}
	if outcome.State == StateSuccess {
		result.Result = ResultAcquired
		s.logger.Info(ctx, "[ACQUIRE_KEY] Record acquired", logging.Fields{
			"key":      key.String(),
			"reason":   verdict.Reason,
			"attempts": outcome.Attempts,
			"bytes":    outcome.Bytes,
		})
		return result
	}

	result.Result = ResultFailed
	s.logger.Error(ctx, "[ACQUIRE_KEY_ERROR] Record acquisition failed", logging.Fields{
		"key":      key.String(),
		"state":    outcome.State.String(),
		"attempts": outcome.Attempts,
	}, outcome.Err)
	return result
}

func (s *Scheduler) expired(start time.Time) bool {
	if s.cfg.Budget <= 0 {
		return false
	}
	return s.clock.Since(start) >= s.cfg.Budget
}

func windowString(d time.Duration) string {
	if d == NeverStale {
		return "never"
	}
	return d.String()
}

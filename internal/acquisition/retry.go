package acquisition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"amedas-climate/internal/models"
	"amedas-climate/pkg/logging"
)

// State of the retry state machine.
type State int

const (
	StateAttempt State = iota
	StateRetry
	StateSuccess
	StateExhausted
	StateFailed // local failure (store write or cancellation), not retried
)

func (s State) String() string {
	switch s {
	case StateAttempt:
		return "attempt"
	case StateRetry:
		return "retry"
	case StateSuccess:
		return "success"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AttemptFunc performs one fetch of a key.
type AttemptFunc func(ctx context.Context) ([]byte, error)

// Writer persists a validated payload.
type Writer interface {
	Write(key models.ArchiveKey, data []byte) error
}

// RetryPolicy bounds the attempts made for a single key.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Marker      []byte
}

// Outcome is the terminal result of Controller.Acquire.
type Outcome struct {
	State    State
	Attempts int
	Bytes    int
	Err      error
}

// AttemptHook is told about every attempt and how it ended.
type AttemptHook func(key models.ArchiveKey, attempt int, outcome string)

// Attempt outcomes passed to AttemptHook.
const (
	AttemptSuccess        = "success"
	AttemptMarkerAbsent   = "marker_absent"
	AttemptTransportError = "transport_error"
)

// Controller drives the ATTEMPT -> SUCCESS | RETRY | EXHAUSTED state
// machine for one key at a time.
type Controller struct {
	policy RetryPolicy
	store  Writer
	clock  clockwork.Clock
	logger *logging.StructuredLogger
	hook   AttemptHook
}

// NewController builds a controller. A zero MaxAttempts is treated as one.
func NewController(policy RetryPolicy, store Writer, clock clockwork.Clock, logger *logging.StructuredLogger) *Controller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if len(policy.Marker) == 0 {
		policy.Marker = []byte(models.FreshnessMarker)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{policy: policy, store: store, clock: clock, logger: logger}
}

// OnAttempt registers a hook invoked after every attempt.
func (c *Controller) OnAttempt(hook AttemptHook) {
	c.hook = hook
}

// Acquire fetches key with attempt until a payload carrying the marker is
// obtained and written, or the attempt budget is spent. It never returns an
// error; the Outcome carries the last one.
func (c *Controller) Acquire(ctx context.Context, key models.ArchiveKey, attempt AttemptFunc) Outcome {
	out := Outcome{State: StateAttempt}

	for {
		switch out.State {
		case StateAttempt:
			out.Attempts++
			payload, err := attempt(ctx)
			switch {
			case err != nil:
				out.Err = err
				c.notify(key, out.Attempts, AttemptTransportError)
			case !bytes.Contains(payload, c.policy.Marker):
				out.Err = fmt.Errorf("%s: %w", key, models.ErrMarkerAbsent)
				c.notify(key, out.Attempts, AttemptMarkerAbsent)
			default:
				c.notify(key, out.Attempts, AttemptSuccess)
				if werr := c.store.Write(key, payload); werr != nil {
					out.Err = werr
					out.State = StateFailed
					continue
				}
				out.Err = nil
				out.Bytes = len(payload)
				out.State = StateSuccess
				continue
			}

			if out.Attempts >= c.policy.MaxAttempts {
				out.State = StateExhausted
				continue
			}
			out.State = StateRetry

		case StateRetry:
			c.logger.Warn(ctx, "[FETCH_RETRY] Attempt failed, retrying", logging.Fields{
				"key":          key.String(),
				"attempt":      out.Attempts,
				"max_attempts": c.policy.MaxAttempts,
				"delay":        c.policy.Delay.String(),
				"error":        out.Err.Error(),
			})
			if err := sleep(ctx, c.clock, c.policy.Delay); err != nil {
				out.Err = err
				out.State = StateFailed
				continue
			}
			out.State = StateAttempt

		default:
			return out
		}
	}
}

func (c *Controller) notify(key models.ArchiveKey, attempt int, outcome string) {
	if c.hook != nil {
		c.hook(key, attempt, outcome)
	}
}

// sleep waits d on clock unless ctx ends first.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsCancellation reports whether err stems from context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

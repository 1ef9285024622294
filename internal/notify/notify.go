// Package notify publishes pipeline events to a Redis stream.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"

	"amedas-climate/internal/acquisition"
	"amedas-climate/internal/export"
	"amedas-climate/internal/models"
	"amedas-climate/pkg/logging"
)

// Event types.
const (
	EventRunCompleted      = "acquisition.run_completed"
	EventKeyFailed         = "acquisition.key_failed"
	EventAnomaliesExported = "anomaly.exported"
)

// Notifier receives pipeline events. Implementations must not block the
// pipeline for long; a failed publish is logged by the caller and ignored.
type Notifier interface {
	RunCompleted(ctx context.Context, summary *acquisition.RunSummary) error
	KeyFailed(ctx context.Context, runID string, key acquisition.FailedKey) error
	AnomaliesExported(ctx context.Context, report *models.AnomalyReport, files *export.Files) error
}

// Event is the JSON envelope stored under the "data" field of a stream entry.
type Event struct {
	Type    string      `json:"type"`
	Time    time.Time   `json:"time"`
	RunID   string      `json:"run_id,omitempty"`
	Payload interface{} `json:"payload"`
}

// AnomalyExport is the payload of EventAnomaliesExported.
type AnomalyExport struct {
	Target     string             `json:"target"`
	Results    int                `json:"results"`
	Excluded   int                `json:"excluded"`
	Exclusions []models.Exclusion `json:"exclusions,omitempty"`
	CSV        string             `json:"csv,omitempty"`
	JSON       string             `json:"json,omitempty"`
}

// StreamAdder is the part of the Redis client the notifier needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisNotifier appends events to a Redis stream.
type RedisNotifier struct {
	client StreamAdder
	stream string
	maxLen int64
	clock  clockwork.Clock
	logger *logging.StructuredLogger
}

// NewRedisNotifier creates a notifier writing to stream. maxLen > 0 caps the
// stream approximately.
func NewRedisNotifier(client StreamAdder, stream string, maxLen int64, clock clockwork.Clock, logger *logging.StructuredLogger) *RedisNotifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisNotifier{
		client: client,
		stream: stream,
		maxLen: maxLen,
		clock:  clock,
		logger: logger,
	}
}

// RunCompleted publishes the summary of a finished acquisition run.
func (n *RedisNotifier) RunCompleted(ctx context.Context, summary *acquisition.RunSummary) error {
	return n.publish(ctx, Event{Type: EventRunCompleted, RunID: summary.RunID, Payload: summary})
}

// KeyFailed publishes a key that exhausted its attempts.
func (n *RedisNotifier) KeyFailed(ctx context.Context, runID string, key acquisition.FailedKey) error {
	return n.publish(ctx, Event{Type: EventKeyFailed, RunID: runID, Payload: key})
}

// AnomaliesExported publishes the outcome of an anomaly computation.
func (n *RedisNotifier) AnomaliesExported(ctx context.Context, report *models.AnomalyReport, files *export.Files) error {
	payload := AnomalyExport{
		Target:     report.Target.YearMonth.String(),
		Results:    len(report.Results),
		Excluded:   len(report.Exclusions),
		Exclusions: report.Exclusions,
	}
	if files != nil {
		payload.CSV = files.CSV
		payload.JSON = files.JSON
	}
	return n.publish(ctx, Event{Type: EventAnomaliesExported, Payload: payload})
}

func (n *RedisNotifier) publish(ctx context.Context, ev Event) error {
	ev.Time = n.clock.Now().UTC()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{"type": ev.Type, "data": string(data)},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}

	id, err := n.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish %s to redis stream %s: %w", ev.Type, n.stream, err)
	}

	n.logger.Debug(ctx, "[NOTIFY_PUBLISHED] Event published", logging.Fields{
		"type":   ev.Type,
		"stream": n.stream,
		"id":     id,
	})
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) RunCompleted(context.Context, *acquisition.RunSummary) error { return nil }

func (Nop) KeyFailed(context.Context, string, acquisition.FailedKey) error { return nil }

func (Nop) AnomaliesExported(context.Context, *models.AnomalyReport, *export.Files) error {
	return nil
}

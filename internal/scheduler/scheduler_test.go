package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amedas-climate/pkg/logging"
)

func TestScheduler_RunOnceContinuesAfterFailure(t *testing.T) {
	var order []string
	jobs := []Job{
		{Name: "acquire", Run: func(ctx context.Context) error {
			order = append(order, "acquire")
			return errors.New("session failed")
		}},
		{Name: "anomaly", Run: func(ctx context.Context) error {
			order = append(order, "anomaly")
			return nil
		}},
	}

	s := New(Config{Interval: time.Hour}, jobs, logging.NewDiscardLogger())
	failed := s.RunOnce(context.Background())

	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"acquire", "anomaly"}, order)
}

func TestScheduler_RunOnceStopsOnCancel(t *testing.T) {
	ran := false
	s := New(Config{}, []Job{{Name: "acquire", Run: func(ctx context.Context) error {
		ran = true
		return nil
	}}}, logging.NewDiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 1, s.RunOnce(ctx))
	assert.False(t, ran)
}

func TestScheduler_StartRunsCycle(t *testing.T) {
	done := make(chan struct{}, 1)
	s := New(Config{Interval: time.Hour}, []Job{{Name: "tick", Run: func(ctx context.Context) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}}}, logging.NewDiscardLogger())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled cycle did not run")
	}
}

func TestScheduler_StartNeedsTrigger(t *testing.T) {
	s := New(Config{}, []Job{{Name: "x", Run: func(context.Context) error { return nil }}}, logging.NewDiscardLogger())
	assert.Error(t, s.Start(context.Background()))

	empty := New(Config{}, nil, logging.NewDiscardLogger())
	assert.NoError(t, empty.Start(context.Background()))
}

package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amedas-climate/internal/archive"
	"amedas-climate/internal/models"
	"amedas-climate/pkg/logging"
)

var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func record(ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s\n\n年月日時,気温(℃)\n,品質情報\n", models.FreshnessMarker, ts.Format(models.DownloadTimeLayout)))
}

type testSession string

func (s testSession) ID() string { return string(s) }

// scriptedFetcher replays responses in order and then repeats the last one.
type scriptedFetcher struct {
	mu         sync.Mutex
	clock      clockwork.FakeClock
	sessionErr error
	responses  []func(now time.Time) ([]byte, error)
	advance    time.Duration
	calls      []models.ArchiveKey
	callTimes  []time.Time
}

func (f *scriptedFetcher) OpenSession(ctx context.Context) (Session, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return testSession("sid-1"), nil
}

func (f *scriptedFetcher) Fetch(ctx context.Context, sess Session, key models.ArchiveKey) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess.ID() != "sid-1" {
		return nil, errors.New("unexpected session")
	}
	f.calls = append(f.calls, key)
	f.callTimes = append(f.callTimes, f.clock.Now())
	idx := len(f.calls) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	resp := f.responses[idx]
	if f.advance > 0 {
		f.clock.Advance(f.advance)
	}
	return resp(f.clock.Now())
}

func ok(now time.Time) ([]byte, error) { return record(now), nil }

func garbage(time.Time) ([]byte, error) { return []byte("<html>maintenance</html>"), nil }

func networkDown(time.Time) ([]byte, error) { return nil, errors.New("connection refused") }

type failingWriter struct{}

func (failingWriter) Write(models.ArchiveKey, []byte) error { return errors.New("disk full") }

type countingWriter struct{ writes int }

func (w *countingWriter) Write(models.ArchiveKey, []byte) error {
	w.writes++
	return nil
}

func TestStalenessPolicy_Decide(t *testing.T) {
	key := models.NewArchiveKey("s47662", 2024, 6)
	header := func(age time.Duration) *models.ArchiveHeader {
		return &models.ArchiveHeader{Key: key, DownloadedAt: testNow.Add(-age)}
	}

	tests := []struct {
		name       string
		window     time.Duration
		header     *models.ArchiveHeader
		err        error
		want       Decision
		wantReason string
	}{
		{"missing record", 24 * time.Hour, nil, models.ErrArchiveNotFound, Refetch, ReasonMissing},
		{"no timestamp", 24 * time.Hour, nil, models.ErrMissingTimestamp, Refetch, ReasonNoTimestamp},
		{"unreadable record", 24 * time.Hour, nil, errors.New("gzip: invalid header"), Refetch, ReasonNoTimestamp},
		{"fresh", 24 * time.Hour, header(time.Hour), nil, Skip, ReasonFresh},
		{"exactly at window", 24 * time.Hour, header(24 * time.Hour), nil, Refetch, ReasonStale},
		{"stale", 24 * time.Hour, header(48 * time.Hour), nil, Refetch, ReasonStale},
		{"zero window always refetches", 0, header(0), nil, Refetch, ReasonStale},
		{"never stale keeps old records", NeverStale, header(10 * 365 * 24 * time.Hour), nil, Skip, ReasonFresh},
		{"timestamp in the future counts as fresh", 24 * time.Hour, header(-time.Hour), nil, Skip, ReasonFresh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := StalenessPolicy{Window: tt.window}.Decide(tt.header, tt.err, testNow)
			assert.Equal(t, tt.want, v.Decision)
			assert.Equal(t, tt.wantReason, v.Reason)
		})
	}
}

func TestTargetPolicy_Months(t *testing.T) {
	ym := func(y, m int) models.YearMonth { return models.YearMonth{Year: y, Month: m} }

	tests := []struct {
		name    string
		policy  TargetPolicy
		now     time.Time
		want    []models.YearMonth
		wantErr bool
	}{
		{
			name:   "before cutoff includes previous month",
			policy: TargetPolicy{Mode: ModeRecent, CutoffDay: 3},
			now:    time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC),
			want:   []models.YearMonth{ym(2024, 5), ym(2024, 6)},
		},
		{
			name:   "on cutoff day only current month",
			policy: TargetPolicy{Mode: ModeRecent, CutoffDay: 3},
			now:    time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
			want:   []models.YearMonth{ym(2024, 6)},
		},
		{
			name:   "january rolls back a year",
			policy: TargetPolicy{Mode: ModeRecent, CutoffDay: 12},
			now:    time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
			want:   []models.YearMonth{ym(2023, 12), ym(2024, 1)},
		},
		{
			name:   "backfill covers every month up to now",
			policy: TargetPolicy{Mode: ModeBackfill, FromYear: 2023},
			now:    time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
			want: []models.YearMonth{
				ym(2023, 1), ym(2023, 2), ym(2023, 3), ym(2023, 4), ym(2023, 5), ym(2023, 6),
				ym(2023, 7), ym(2023, 8), ym(2023, 9), ym(2023, 10), ym(2023, 11), ym(2023, 12),
				ym(2024, 1), ym(2024, 2), ym(2024, 3),
			},
		},
		{
			name:    "backfill from the future",
			policy:  TargetPolicy{Mode: ModeBackfill, FromYear: 2030},
			now:     testNow,
			wantErr: true,
		},
		{
			name:    "unknown mode",
			policy:  TargetPolicy{Mode: "weekly"},
			now:     testNow,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.Months(tt.now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestController_Acquire(t *testing.T) {
	key := models.NewArchiveKey("s47662", 2024, 6)

	tests := []struct {
		name         string
		responses    []func(time.Time) ([]byte, error)
		writer       Writer
		wantState    State
		wantAttempts int
		wantWrites   int
		wantErr      error
	}{
		{
			name:         "first attempt succeeds",
			responses:    []func(time.Time) ([]byte, error){ok},
			wantState:    StateSuccess,
			wantAttempts: 1,
			wantWrites:   1,
		},
		{
			name:         "marker absent then success",
			responses:    []func(time.Time) ([]byte, error){garbage, networkDown, ok},
			wantState:    StateSuccess,
			wantAttempts: 3,
			wantWrites:   1,
		},
		{
			name:         "marker never present exhausts after three attempts",
			responses:    []func(time.Time) ([]byte, error){garbage},
			wantState:    StateExhausted,
			wantAttempts: 3,
			wantErr:      models.ErrMarkerAbsent,
		},
		{
			name:         "transport failures exhaust",
			responses:    []func(time.Time) ([]byte, error){networkDown},
			wantState:    StateExhausted,
			wantAttempts: 3,
		},
		{
			name:         "write failure is not retried",
			responses:    []func(time.Time) ([]byte, error){ok},
			writer:       failingWriter{},
			wantState:    StateFailed,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := clockwork.NewFakeClockAt(testNow)
			fetcher := &scriptedFetcher{clock: fc, responses: tt.responses}
			writes := &countingWriter{}
			var w Writer = writes
			if tt.writer != nil {
				w = tt.writer
			}

			var outcomes []string
			c := NewController(RetryPolicy{MaxAttempts: 3}, w, fc, logging.NewDiscardLogger())
			c.OnAttempt(func(_ models.ArchiveKey, _ int, outcome string) { outcomes = append(outcomes, outcome) })

			out := c.Acquire(context.Background(), key, func(ctx context.Context) ([]byte, error) {
				return fetcher.Fetch(ctx, testSession("sid-1"), key)
			})

			assert.Equal(t, tt.wantState, out.State)
			assert.Equal(t, tt.wantAttempts, out.Attempts)
			assert.Len(t, fetcher.calls, tt.wantAttempts)
			assert.Len(t, outcomes, tt.wantAttempts)
			assert.Equal(t, tt.wantWrites, writes.writes)
			if tt.wantErr != nil {
				assert.ErrorIs(t, out.Err, tt.wantErr)
			}
			if tt.wantState == StateSuccess {
				assert.NoError(t, out.Err)
			} else {
				assert.Error(t, out.Err)
			}
		})
	}
}

func TestController_WaitsBetweenAttempts(t *testing.T) {
	key := models.NewArchiveKey("s47662", 2024, 6)
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, responses: []func(time.Time) ([]byte, error){garbage}}
	c := NewController(RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Second}, &countingWriter{}, fc, logging.NewDiscardLogger())

	done := make(chan Outcome, 1)
	go func() {
		done <- c.Acquire(context.Background(), key, func(ctx context.Context) ([]byte, error) {
			return fetcher.Fetch(ctx, testSession("sid-1"), key)
		})
	}()

	// Two waits between three attempts, none after the last.
	for i := 0; i < 2; i++ {
		fc.BlockUntil(1)
		fc.Advance(10 * time.Second)
	}

	select {
	case out := <-done:
		assert.Equal(t, StateExhausted, out.State)
		assert.Equal(t, 3, out.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not finish")
	}

	require.Len(t, fetcher.callTimes, 3)
	assert.Equal(t, 10*time.Second, fetcher.callTimes[1].Sub(fetcher.callTimes[0]))
	assert.Equal(t, 10*time.Second, fetcher.callTimes[2].Sub(fetcher.callTimes[1]))
}

func TestController_CancelledDuringWait(t *testing.T) {
	key := models.NewArchiveKey("s47662", 2024, 6)
	fc := clockwork.NewFakeClockAt(testNow)
	ctx, cancel := context.WithCancel(context.Background())
	c := NewController(RetryPolicy{MaxAttempts: 3, Delay: time.Minute}, &countingWriter{}, fc, logging.NewDiscardLogger())

	done := make(chan Outcome, 1)
	go func() {
		done <- c.Acquire(ctx, key, func(context.Context) ([]byte, error) { return nil, errors.New("timeout") })
	}()

	fc.BlockUntil(1)
	cancel()

	out := <-done
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.True(t, IsCancellation(out.Err))
}

func newTestScheduler(t *testing.T, cfg Config, fetcher *scriptedFetcher) (*Scheduler, *archive.Store) {
	t.Helper()
	store := archive.NewStore(t.TempDir(), time.UTC)
	return NewScheduler(cfg, fetcher, store, fetcher.clock, logging.NewDiscardLogger()), store
}

func stationList(ids ...string) []models.Station {
	out := make([]models.Station, len(ids))
	for i, id := range ids {
		out[i] = models.Station{ID: models.StationID(id), Name: id}
	}
	return out
}

func defaultConfig() Config {
	return Config{
		Budget:    time.Hour,
		Staleness: StalenessPolicy{Window: 24 * time.Hour},
		Targets:   TargetPolicy{Mode: ModeRecent, CutoffDay: 3},
		Retry:     RetryPolicy{MaxAttempts: 3},
	}
}

func TestScheduler_IdempotentWhenFresh(t *testing.T) {
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, responses: []func(time.Time) ([]byte, error){ok}}
	sched, store := newTestScheduler(t, defaultConfig(), fetcher)
	stations := stationList("s47662", "a0002", "a0003")

	first, err := sched.Run(context.Background(), stations)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Acquired)
	assert.Equal(t, RunCompleted, first.State)

	fetcher.calls = nil
	fc.Advance(time.Hour)

	second, err := sched.Run(context.Background(), stations)
	require.NoError(t, err)
	assert.Empty(t, fetcher.calls, "fresh records must not be fetched again")
	assert.Equal(t, 3, second.Skipped)
	assert.Equal(t, 0, second.Acquired)
	assert.True(t, store.Exists(models.NewArchiveKey("a0003", 2024, 6)))
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestScheduler_MixedFreshness(t *testing.T) {
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, responses: []func(time.Time) ([]byte, error){ok}}
	sched, store := newTestScheduler(t, defaultConfig(), fetcher)

	require.NoError(t, store.Write(models.NewArchiveKey("s1", 2024, 6), record(testNow.Add(-time.Hour))))
	require.NoError(t, store.Write(models.NewArchiveKey("s2", 2024, 6), record(testNow.Add(-72*time.Hour))))
	require.NoError(t, store.Write(models.NewArchiveKey("s3", 2024, 6), []byte("年月日時,気温(℃)\n")))

	summary, err := sched.Run(context.Background(), stationList("s1", "s2", "s3", "s4"))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 3, summary.Acquired)
	assert.Equal(t, []models.ArchiveKey{
		models.NewArchiveKey("s2", 2024, 6),
		models.NewArchiveKey("s3", 2024, 6),
		models.NewArchiveKey("s4", 2024, 6),
	}, fetcher.calls)

	hdr, err := store.Header(models.NewArchiveKey("s3", 2024, 6))
	require.NoError(t, err)
	assert.Equal(t, testNow, hdr.DownloadedAt)
}

func TestScheduler_SessionFailureAbortsRun(t *testing.T) {
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, sessionErr: errors.New("sid not found"), responses: []func(time.Time) ([]byte, error){ok}}
	sched, store := newTestScheduler(t, defaultConfig(), fetcher)

	summary, err := sched.Run(context.Background(), stationList("s1", "s2"))
	require.Error(t, err)

	var serr *models.SessionError
	require.ErrorAs(t, err, &serr)
	assert.False(t, serr.IsTransient())
	assert.Equal(t, RunAborted, summary.State)
	assert.Empty(t, fetcher.calls)
	assert.Zero(t, summary.Processed())
	assert.False(t, store.Exists(models.NewArchiveKey("s1", 2024, 6)))
}

func TestScheduler_RespectsDeadline(t *testing.T) {
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, advance: 10 * time.Minute, responses: []func(time.Time) ([]byte, error){ok}}
	cfg := defaultConfig()
	cfg.Budget = 25 * time.Minute
	sched, store := newTestScheduler(t, cfg, fetcher)

	summary, err := sched.Run(context.Background(), stationList("s1", "s2", "s3", "s4", "s5"))
	require.NoError(t, err)

	assert.Equal(t, RunDeadlineExceeded, summary.State)
	assert.Equal(t, 3, summary.StationsVisited)
	assert.Equal(t, 3, summary.Acquired)
	assert.Len(t, fetcher.calls, 3)
	assert.False(t, store.Exists(models.NewArchiveKey("s4", 2024, 6)))

	// The in-flight key may finish; nothing new starts past the budget.
	assert.LessOrEqual(t, summary.Duration(), cfg.Budget+10*time.Minute)
}

func TestScheduler_DeadlineCheckedBetweenMonths(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	fetcher := &scriptedFetcher{clock: fc, advance: 30 * time.Minute, responses: []func(time.Time) ([]byte, error){ok}}
	cfg := defaultConfig()
	cfg.Budget = 20 * time.Minute
	sched, _ := newTestScheduler(t, cfg, fetcher)

	summary, err := sched.Run(context.Background(), stationList("s1"))
	require.NoError(t, err)

	assert.Equal(t, RunDeadlineExceeded, summary.State)
	assert.Equal(t, []models.ArchiveKey{models.NewArchiveKey("s1", 2024, 5)}, fetcher.calls)
}

func TestScheduler_RetryBoundPerKey(t *testing.T) {
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, responses: []func(time.Time) ([]byte, error){garbage}}
	sched, store := newTestScheduler(t, defaultConfig(), fetcher)

	summary, err := sched.Run(context.Background(), stationList("s1", "a2"))
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, summary.State)
	assert.Equal(t, 2, summary.Failed)
	assert.Len(t, fetcher.calls, 6)
	require.Len(t, summary.FailedKeys, 2)
	assert.Equal(t, 3, summary.FailedKeys[0].Attempts)
	assert.False(t, store.Exists(models.NewArchiveKey("s1", 2024, 6)))
}

func TestScheduler_PolitenessDelayBetweenStations(t *testing.T) {
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, responses: []func(time.Time) ([]byte, error){ok}}
	cfg := defaultConfig()
	cfg.StationDelay = 2 * time.Second
	sched, _ := newTestScheduler(t, cfg, fetcher)

	done := make(chan *RunSummary, 1)
	go func() {
		summary, _ := sched.Run(context.Background(), stationList("s1", "s2"))
		done <- summary
	}()

	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)

	summary := <-done
	assert.Equal(t, 2, summary.Acquired)
	require.Len(t, fetcher.callTimes, 2)
	assert.Equal(t, 2*time.Second, fetcher.callTimes[1].Sub(fetcher.callTimes[0]))
}

func TestScheduler_RequestDelayBetweenMonths(t *testing.T) {
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, responses: []func(time.Time) ([]byte, error){ok}}
	cfg := defaultConfig()
	cfg.Targets = TargetPolicy{Mode: ModeBackfill, FromYear: 2024}
	cfg.Staleness = StalenessPolicy{Window: NeverStale}
	cfg.StationDelay = 2 * time.Second
	cfg.RequestDelay = 10 * time.Second
	sched, _ := newTestScheduler(t, cfg, fetcher)

	done := make(chan *RunSummary, 1)
	go func() {
		summary, _ := sched.Run(context.Background(), stationList("s1"))
		done <- summary
	}()

	// January through June: one wait before each fetch after the first.
	for i := 0; i < 5; i++ {
		fc.BlockUntil(1)
		fc.Advance(10 * time.Second)
	}

	summary := <-done
	assert.Equal(t, RunCompleted, summary.State)
	assert.Equal(t, 6, summary.Acquired)
	require.Len(t, fetcher.callTimes, 6)
	for i := 1; i < len(fetcher.callTimes); i++ {
		assert.Equal(t, 10*time.Second, fetcher.callTimes[i].Sub(fetcher.callTimes[i-1]), "gap before fetch %d", i)
	}
}

func TestScheduler_DeadlineWithRetries(t *testing.T) {
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, advance: time.Minute, responses: []func(time.Time) ([]byte, error){networkDown}}
	cfg := defaultConfig()
	cfg.Budget = 2 * time.Minute
	cfg.Retry = RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Second}
	sched, _ := newTestScheduler(t, cfg, fetcher)

	done := make(chan *RunSummary, 1)
	go func() {
		summary, _ := sched.Run(context.Background(), stationList("s1", "s2", "s3"))
		done <- summary
	}()

	for i := 0; i < 2; i++ {
		fc.BlockUntil(1)
		fc.Advance(10 * time.Second)
	}

	summary := <-done
	assert.Equal(t, RunDeadlineExceeded, summary.State)
	assert.Equal(t, 1, summary.StationsVisited)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, fetcher.calls, 3)

	// The key started inside the budget keeps its retries; nothing else starts.
	oneKey := 3*time.Minute + 2*cfg.Retry.Delay
	assert.Equal(t, oneKey, summary.Duration())
	assert.LessOrEqual(t, summary.Duration(), cfg.Budget+oneKey)
}

func TestScheduler_Cancelled(t *testing.T) {
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, responses: []func(time.Time) ([]byte, error){ok}}
	sched, _ := newTestScheduler(t, defaultConfig(), fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := sched.Run(ctx, stationList("s1", "s2"))
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, summary.State)
	assert.Empty(t, fetcher.calls)
}

type recordingObserver struct {
	attempts []string
	results  []string
}

func (o *recordingObserver) AttemptFinished(_ models.ArchiveKey, _ int, outcome string) {
	o.attempts = append(o.attempts, outcome)
}

func (o *recordingObserver) KeyFinished(_ context.Context, r KeyResult) {
	o.results = append(o.results, r.Result)
}

func TestScheduler_Observer(t *testing.T) {
	fc := clockwork.NewFakeClockAt(testNow)
	fetcher := &scriptedFetcher{clock: fc, responses: []func(time.Time) ([]byte, error){garbage, ok}}
	sched, store := newTestScheduler(t, defaultConfig(), fetcher)
	require.NoError(t, store.Write(models.NewArchiveKey("s1", 2024, 6), record(testNow)))

	obs := &recordingObserver{}
	sched.SetObserver(obs)

	_, err := sched.Run(context.Background(), stationList("s1", "s2"))
	require.NoError(t, err)

	assert.Equal(t, []string{ResultSkipped, ResultAcquired}, obs.results)
	assert.Equal(t, []string{AttemptMarkerAbsent, AttemptSuccess}, obs.attempts)
}

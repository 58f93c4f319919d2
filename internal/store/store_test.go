package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepagent/internal/apperr"
	"deepagent/internal/db"
	"deepagent/internal/model"
	"deepagent/internal/trace"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			sqlDB.Close()
		}
	})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(conn, WithClock(clock.Now), WithBusyRetry(2, time.Millisecond)), clock
}

func draft(typ model.TaskType) model.TaskDraft {
	return model.TaskDraft{
		Type:        typ,
		Title:       "Market scan",
		Description: "Summarize the EV charger market",
		Config:      map[string]any{"depth": "shallow"},
	}
}

// queuedTask creates a task and moves it to queued.
func queuedTask(t *testing.T, s *Store) *model.Task {
	t.Helper()
	ctx := context.Background()
	task, err := s.Create(ctx, draft(model.TypeDocument))
	require.NoError(t, err)
	task, err = s.Transition(ctx, task.ID, model.StatusPending, model.StatusQueued, Fields{})
	require.NoError(t, err)
	return task
}

func TestCreateValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	bad := draft("podcast")
	_, err := s.Create(ctx, bad)
	require.ErrorIs(t, err, apperr.ErrValidation)

	blank := draft(model.TypeResearch)
	blank.Title = "   "
	_, err = s.Create(ctx, blank)
	require.ErrorIs(t, err, apperr.ErrValidation)

	long := draft(model.TypeResearch)
	long.Title = strings.Repeat("x", model.MaxTitleLength+1)
	_, err = s.Create(ctx, long)
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, total, err := s.List(ctx, Filter{}, Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCreatePersistsPending(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := trace.WithCorrelationID(context.Background(), "req-1")

	task, err := s.Create(ctx, draft(model.TypeAnalysis))
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.Equal(t, model.DefaultMaxAttempts, task.MaxAttempts)
	assert.Nil(t, task.CompletedAt)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "shallow", got.Config["depth"])
	assert.True(t, got.CreatedAt.Equal(clock.Now()))

	logs, err := s.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.EventCreated, logs[0].Event)
	assert.Equal(t, "req-1", logs[0].CorrelationID)
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestClaimNextRunnable(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	got, err := s.ClaimNextRunnable(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// pending is not runnable
	pending, err := s.Create(ctx, draft(model.TypeDocument))
	require.NoError(t, err)
	got, err = s.ClaimNextRunnable(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	queued := queuedTask(t, s)
	got, err = s.ClaimNextRunnable(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, queued.ID, got.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "w1", got.WorkerID)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(clock.Now()))
	assert.NotEqual(t, queued.CorrelationID, got.CorrelationID)

	got, err = s.ClaimNextRunnable(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, got)

	still, err := s.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, still.Status)
}

func TestClaimOrderFollowsQueueTime(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	first := queuedTask(t, s)
	clock.Advance(time.Second)
	second := queuedTask(t, s)

	a, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)
	b, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, first.ID, a.ID)
	assert.Equal(t, second.ID, b.ID)
}

func TestConcurrentClaimSingleTask(t *testing.T) {
	s, _ := newTestStore(t)
	task := queuedTask(t, s)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claims  []string
		errs    []error
		release = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-release
			got, err := s.ClaimNextRunnable(context.Background(), "w")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if got != nil {
				claims = append(claims, got.ID)
			}
		}(i)
	}
	close(release)
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, []string{task.ID}, claims)

	got, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func TestConcurrentClaimManyTasks(t *testing.T) {
	s, _ := newTestStore(t)
	want := map[string]bool{}
	for i := 0; i < 10; i++ {
		want[queuedTask(t, s).ID] = true
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.ClaimNextRunnable(context.Background(), "w")
				if err != nil || got == nil {
					return
				}
				mu.Lock()
				seen[got.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, len(want))
	for id, n := range seen {
		assert.True(t, want[id])
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestTransitionCompareAndSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	task, err := s.Create(ctx, draft(model.TypeResearch))
	require.NoError(t, err)

	_, err = s.Transition(ctx, task.ID, model.StatusPending, model.StatusQueued, Fields{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, task.ID, model.StatusPending, model.StatusQueued, Fields{})
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = s.Transition(ctx, task.ID, model.StatusQueued, model.StatusCompleted, Fields{})
	require.ErrorIs(t, err, apperr.ErrConflict, "not an edge")

	_, err = s.Transition(ctx, "missing", model.StatusPending, model.StatusQueued, Fields{})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTransitionTerminalTimestamps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	queuedTask(t, s)
	task, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)

	task, err = s.Transition(ctx, task.ID, model.StatusRunning, model.StatusFailed, Fields{LastError: Str("engine exploded")})
	require.NoError(t, err)
	assert.Equal(t, "engine exploded", task.LastError)
	assert.Nil(t, task.CompletedAt)

	task, err = s.Transition(ctx, task.ID, model.StatusFailed, model.StatusDead, Fields{})
	require.NoError(t, err)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, "engine exploded", task.LastError)
}

func TestTransitionCompletedClearsError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	queuedTask(t, s)
	task, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)

	task, err = s.Transition(ctx, task.ID, model.StatusRunning, model.StatusProcessing, Fields{
		OutputsLocation: Str("/out/x"),
		ResultSummary:   Str("done"),
		LastError:       Str("timed out after writing output"),
	})
	require.NoError(t, err)
	assert.Nil(t, task.CompletedAt)

	task, err = s.Transition(ctx, task.ID, model.StatusProcessing, model.StatusCompleted, Fields{
		DeliveryResults: map[string]model.DeliveryOutcome{"email": {Status: model.DeliveryFailed, Detail: "smtp down"}},
	})
	require.NoError(t, err)
	require.NotNil(t, task.CompletedAt)
	assert.Empty(t, task.LastError)
	assert.Equal(t, "/out/x", task.OutputsLocation)

	deliveries, err := task.Deliveries()
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, deliveries["email"].Status)
}

func TestRetryBackoffGatesClaim(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	queuedTask(t, s)
	task, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)

	_, err = s.Transition(ctx, task.ID, model.StatusRunning, model.StatusFailed, Fields{LastError: Str("boom")})
	require.NoError(t, err)
	next := clock.Now().Add(time.Minute)
	_, err = s.Transition(ctx, task.ID, model.StatusFailed, model.StatusRetry, Fields{NextRetryAt: &next})
	require.NoError(t, err)

	got, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, got, "backoff not elapsed")

	clock.Advance(2 * time.Minute)
	got, err = s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	assert.NotEqual(t, task.CorrelationID, got.CorrelationID)
}

func TestClaimNeverExceedsMaxAttempts(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	d := draft(model.TypeDocument)
	d.MaxAttempts = 1
	task, err := s.Create(ctx, d)
	require.NoError(t, err)
	_, err = s.Transition(ctx, task.ID, model.StatusPending, model.StatusQueued, Fields{})
	require.NoError(t, err)

	task, err = s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, task)
	_, err = s.Transition(ctx, task.ID, model.StatusRunning, model.StatusFailed, Fields{})
	require.NoError(t, err)
	now := clock.Now()
	_, err = s.Transition(ctx, task.ID, model.StatusFailed, model.StatusRetry, Fields{NextRetryAt: &now})
	require.NoError(t, err)

	got, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, got)

	after, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Attempts)
}

func TestRequestCancelBeforeClaim(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	task := queuedTask(t, s)

	got, err := s.RequestCancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	claimed, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	_, err = s.RequestCancel(ctx, task.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestRequestCancelRunning(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	queuedTask(t, s)
	task, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)

	got, err := s.RequestCancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.True(t, got.CancelRequested)
	assert.Nil(t, got.CompletedAt)

	// repeated requests are acknowledged
	_, err = s.RequestCancel(ctx, task.ID)
	require.NoError(t, err)

	ids, err := s.RunningWithCancelRequest(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, ids)

	// a worker that missed the cancellation cannot complete the task
	_, err = s.Transition(ctx, task.ID, model.StatusRunning, model.StatusProcessing, Fields{})
	require.ErrorIs(t, err, apperr.ErrConflict)

	done, err := s.Transition(ctx, task.ID, model.StatusRunning, model.StatusCancelled, Fields{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, done.Status)
	require.NotNil(t, done.CompletedAt)
}

func TestRequestCancelProcessingAndMissing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	queuedTask(t, s)
	task, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)
	_, err = s.Transition(ctx, task.ID, model.StatusRunning, model.StatusProcessing, Fields{})
	require.NoError(t, err)

	_, err = s.RequestCancel(ctx, task.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = s.RequestCancel(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLogsShareAttemptCorrelation(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	queuedTask(t, s)
	task, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, s.AppendLog(ctx, &model.TaskLogEntry{
		TaskID:        task.ID,
		Event:         model.EventExecutionStarted,
		Message:       "engine started",
		CorrelationID: task.CorrelationID,
	}))
	clock.Advance(time.Second)
	_, err = s.Transition(ctx, task.ID, model.StatusRunning, model.StatusProcessing, Fields{})
	require.NoError(t, err)

	logs, err := s.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 5)

	var attempt []model.TaskLogEntry
	for i, e := range logs {
		if i > 0 {
			assert.False(t, e.Timestamp.Before(logs[i-1].Timestamp), "entries out of order")
		}
		if e.CorrelationID == task.CorrelationID {
			attempt = append(attempt, e)
		}
	}
	require.Len(t, attempt, 3)
	assert.Equal(t, "running", attempt[0].Data["to"])
	assert.Equal(t, model.EventExecutionStarted, attempt[1].Event)
	assert.Equal(t, "processing", attempt[2].Data["to"])
}

func TestAppendLogRequiresTask(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.AppendLog(context.Background(), &model.TaskLogEntry{Message: "orphan"})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStatsAndList(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		queuedTask(t, s)
	}
	clock.Advance(time.Second)
	latest, err := s.Create(ctx, draft(model.TypeResearch))
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Len(t, stats, len(model.AllStatuses))
	assert.EqualValues(t, 3, stats[model.StatusQueued])
	assert.EqualValues(t, 1, stats[model.StatusPending])
	assert.EqualValues(t, 0, stats[model.StatusDead])

	tasks, total, err := s.List(ctx, Filter{}, Page{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, tasks, 2)
	assert.Equal(t, latest.ID, tasks[0].ID)

	tasks, total, err = s.List(ctx, Filter{}, Page{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	assert.Len(t, tasks, 2)

	tasks, total, err = s.List(ctx, Filter{Status: model.StatusQueued, Type: model.TypeDocument}, Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, tasks, 3)

	_, total, err = s.List(ctx, Filter{Type: model.TypeAnalysis}, Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestFindStale(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	queuedTask(t, s)
	task, err := s.ClaimNextRunnable(ctx, "w")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	stale, err := s.FindStale(ctx, map[model.TaskType]time.Time{
		model.TypeDocument: clock.Now().Add(-20 * time.Minute),
	})
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.FindStale(ctx, map[model.TaskType]time.Time{
		model.TypeDocument: clock.Now().Add(-5 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, task.ID, stale[0].ID)

	stale, err = s.FindStale(ctx, map[model.TaskType]time.Time{
		model.TypeResearch: clock.Now(),
	})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestWithRetryClassification(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	calls := 0
	err := s.withRetry(ctx, "op", func() error {
		calls++
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	})
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Equal(t, 3, calls)

	calls = 0
	err = s.withRetry(ctx, "op", func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = s.withRetry(ctx, "op", func() error {
		calls++
		return errors.New("no such table: tasks")
	})
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Equal(t, 1, calls)

	calls = 0
	err = s.withRetry(ctx, "op", func() error {
		calls++
		return apperr.Conflict("op", "raced")
	})
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, 1, calls)
}

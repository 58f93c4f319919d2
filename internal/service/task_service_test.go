package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepagent/internal/apperr"
	"deepagent/internal/config"
	"deepagent/internal/db"
	"deepagent/internal/logging"
	"deepagent/internal/model"
	"deepagent/internal/store"
	"deepagent/internal/trace"
)

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []string
	active    []string
}

func (f *fakeCanceller) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return true
}

func (f *fakeCanceller) Active() []string { return f.active }

func newTestService(t *testing.T) (*TaskService, *store.Store, *fakeCanceller) {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			sqlDB.Close()
		}
	})
	st := store.New(conn, store.WithLogger(logging.Discard()))
	c := &fakeCanceller{}
	return NewTaskService(st, c, 4, logging.Discard()), st, c
}

func validDraft() model.TaskDraft {
	return model.TaskDraft{
		Type:        model.TypeResearch,
		Title:       "Heat pump market",
		Description: "Size the EU heat pump market",
		DeliveryPreferences: map[string]any{
			"storage": "both",
			"email":   "ops@example.com",
		},
	}
}

func TestSubmitQueuesTask(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := trace.WithCorrelationID(context.Background(), "req-42")

	task, err := svc.Submit(ctx, validDraft())
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, task.Status)
	assert.Equal(t, 4, task.MaxAttempts)
	assert.Equal(t, "req-42", task.CorrelationID)
	assert.NotNil(t, task.QueuedAt)

	logs, err := st.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, e := range logs {
		assert.Equal(t, "req-42", e.CorrelationID)
	}

	d := validDraft()
	d.MaxAttempts = 1
	task, err = svc.Submit(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 1, task.MaxAttempts)
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := map[string]func(*model.TaskDraft){
		"unknown type":   func(d *model.TaskDraft) { d.Type = "podcast" },
		"blank title":    func(d *model.TaskDraft) { d.Title = "  " },
		"no description": func(d *model.TaskDraft) { d.Description = "" },
		"bad storage":    func(d *model.TaskDraft) { d.DeliveryPreferences["storage"] = "dropbox" },
		"bad email":      func(d *model.TaskDraft) { d.DeliveryPreferences["email"] = "not-an-address" },
		"too many tries": func(d *model.TaskDraft) { d.MaxAttempts = 50 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := validDraft()
			mutate(&d)
			_, err := svc.Submit(ctx, d)
			require.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestGetResult(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	task, err := svc.Submit(ctx, validDraft())
	require.NoError(t, err)

	res, err := svc.GetResult(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, res.Ready)
	assert.Empty(t, res.OutputsLocation)
	assert.Empty(t, res.Summary)

	_, err = st.ClaimNextRunnable(ctx, "w1")
	require.NoError(t, err)
	_, err = st.Transition(ctx, task.ID, model.StatusRunning, model.StatusProcessing, store.Fields{
		OutputsLocation: store.Str("/outputs/" + task.ID),
		ResultSummary:   store.Str("EU market is 12bn"),
	})
	require.NoError(t, err)

	res, err = svc.GetResult(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, res.Ready)
	assert.Equal(t, "EU market is 12bn", res.Summary)

	_, err = st.Transition(ctx, task.ID, model.StatusProcessing, model.StatusCompleted, store.Fields{
		DeliveryResults: map[string]model.DeliveryOutcome{
			"email": {Status: model.DeliverySuccess},
		},
	})
	require.NoError(t, err)

	res, err = svc.GetResult(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Equal(t, "/outputs/"+task.ID, res.OutputsLocation)
	assert.True(t, res.Deliveries["email"].OK())
	assert.NotNil(t, res.CompletedAt)

	_, err = svc.GetResult(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetLogsUnknownTask(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.GetLogs(context.Background(), "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCancel(t *testing.T) {
	svc, st, c := newTestService(t)
	ctx := context.Background()

	queued, err := svc.Submit(ctx, validDraft())
	require.NoError(t, err)
	got, err := svc.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Empty(t, c.cancelled)

	running, err := svc.Submit(ctx, validDraft())
	require.NoError(t, err)
	_, err = st.ClaimNextRunnable(ctx, "w1")
	require.NoError(t, err)
	got, err = svc.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, []string{running.ID}, c.cancelled)

	_, err = svc.Cancel(ctx, queued.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)
	_, err = svc.Cancel(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListAndQueueStats(t *testing.T) {
	svc, _, c := newTestService(t)
	ctx := context.Background()
	c.active = []string{"x"}
	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, validDraft())
		require.NoError(t, err)
	}
	doc := validDraft()
	doc.Type = model.TypeDocument
	_, err := svc.Submit(ctx, doc)
	require.NoError(t, err)

	tasks, total, err := svc.List(ctx, store.Filter{Type: model.TypeResearch}, store.Page{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, tasks, 2)

	_, _, err = svc.List(ctx, store.Filter{Status: "sleeping"}, store.Page{})
	require.ErrorIs(t, err, apperr.ErrValidation)

	stats, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(4), stats.Waiting)
	assert.Equal(t, int64(4), stats.ByStatus[model.StatusQueued])
	assert.Equal(t, int64(0), stats.ByStatus[model.StatusDead])
	assert.Equal(t, []string{"x"}, stats.LocalActive)
}

func TestNewServiceContext(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.Outputs = t.TempDir()
	cfg.Worker.ID = "ctx-test"
	cfg.Limits["document"] = config.LimitConfig{Timeout: time.Minute, MaxTurns: 7}
	cfg.Delivery.Channels = map[string]config.ChannelConfig{
		"email": {Command: "true", Timeout: time.Second},
	}
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))

	sc, err := NewServiceContext(cfg, conn, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "cli", sc.Engine.Name())
	assert.Equal(t, []string{"email"}, sc.Delivery.Channels())
	b, ok := sc.Supervisor.Budget(model.TypeDocument)
	require.True(t, ok)
	assert.Equal(t, time.Minute, b.Timeout)
	assert.Equal(t, 7, b.MaxTurns)

	cfg.Engine.Kind = "workflow"
	cfg.Engine.Workflow.BaseURL = "http://localhost:1"
	eng, err := NewEngine(cfg.Engine)
	require.NoError(t, err)
	assert.Equal(t, "workflow", eng.Name())

	_, err = NewEngine(config.EngineConfig{Kind: "carrier-pigeon"})
	require.Error(t, err)
}

// Package dispatcher claims runnable tasks, runs them through the
// supervisor with bounded concurrency, and applies each outcome to the
// store as a sequence of compare-and-set transitions.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"deepagent/internal/delivery"
	"deepagent/internal/model"
	"deepagent/internal/retry"
	"deepagent/internal/store"
	"deepagent/internal/supervisor"
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultSweepInterval = time.Minute
	DefaultStaleSlack    = time.Minute

	// DefaultDeliveryTimeout bounds one Deliver call when Config leaves
	// it unset: two storage uploads and an email at the command
	// channel's own timeout.
	DefaultDeliveryTimeout = 3*delivery.DefaultCommandTimeout + time.Minute

	// bound on store writes that apply an outcome, which run detached from
	// the dispatcher's context so shutdown does not lose them
	applyTimeout = 30 * time.Second
)

// Store is the part of the task store the dispatcher drives.
type Store interface {
	ClaimNextRunnable(ctx context.Context, workerID string) (*model.Task, error)
	Transition(ctx context.Context, id string, from, to model.TaskStatus, f store.Fields) (*model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	FindStale(ctx context.Context, cutoffs map[model.TaskType]time.Time) ([]model.Task, error)
	RunningWithCancelRequest(ctx context.Context) ([]string, error)
}

// Executor runs one attempt; *supervisor.Supervisor implements it.
type Executor interface {
	Run(ctx context.Context, snap supervisor.Snapshot, cancel <-chan struct{}) (supervisor.Outcome, error)
	Budget(t model.TaskType) (supervisor.Budget, bool)
	GracePeriod() time.Duration
}

// Recorder appends to a task's audit trail; *recorder.Recorder implements it.
type Recorder interface {
	Log(ctx context.Context, taskID, correlationID string, level model.LogLevel, event, message string, data map[string]any) error
}

type Config struct {
	WorkerID      string
	MaxConcurrent int
	PollInterval  time.Duration
	SweepInterval time.Duration
	StaleSlack    time.Duration

	// DeliveryTimeout bounds the delivery step of a completed task. It is
	// separate from the store writes around it.
	DeliveryTimeout time.Duration
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithGateway sets the delivery gateway. Without one, results complete
// with no deliveries.
func WithGateway(g delivery.Gateway) Option {
	return func(d *Dispatcher) { d.gateway = g }
}

type slot struct {
	cancel chan struct{}
	once   sync.Once
}

func (s *slot) stop() { s.once.Do(func() { close(s.cancel) }) }

type Dispatcher struct {
	cfg     Config
	store   Store
	exec    Executor
	rec     Recorder
	gateway delivery.Gateway
	policy  retry.Policy
	now     func() time.Time
	log     *slog.Logger

	slots *semaphore.Weighted
	wake  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	active map[string]*slot
}

func New(cfg Config, st Store, exec Executor, rec Recorder, policy retry.Policy, opts ...Option) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StaleSlack < 0 {
		cfg.StaleSlack = DefaultStaleSlack
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	d := &Dispatcher{
		cfg:    cfg,
		store:  st,
		exec:   exec,
		rec:    rec,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:   make(chan struct{}, 1),
		active: map[string]*slot{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "dispatcher", "worker_id", cfg.WorkerID)
	return d
}

// Run polls until ctx ends, then stops claiming, lets the running attempts
// wind down through the supervisor's stop sequence and waits for them.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started",
		"max_concurrent", d.cfg.MaxConcurrent,
		"poll_interval", d.cfg.PollInterval,
	)
	d.Sweep(ctx)
	lastSweep := time.Now()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d.propagateCancels(ctx)
		d.fill(ctx)

		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping", "active", len(d.Active()))
			d.wg.Wait()
			d.log.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}

		if time.Since(lastSweep) >= d.cfg.SweepInterval {
			d.Sweep(ctx)
			lastSweep = time.Now()
		}
	}
}

// Wait blocks until every attempt started so far has been applied.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Cancel stops the local execution of task id, if this process holds it.
// It reports whether it did.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	s, ok := d.active[id]
	d.mu.Unlock()
	if ok {
		d.log.Debug("cancelling local execution", "task_id", id)
		s.stop()
	}
	return ok
}

// Active lists the tasks currently executing in this process.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Dispatcher) holds(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[id]
	return ok
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// fill claims tasks while slots are free.
func (d *Dispatcher) fill(ctx context.Context) {
	for ctx.Err() == nil {
		if !d.slots.TryAcquire(1) {
			return
		}
		task, err := d.store.ClaimNextRunnable(ctx, d.cfg.WorkerID)
		if err != nil || task == nil {
			d.slots.Release(1)
			if err != nil && ctx.Err() == nil {
				d.log.Warn("claim failed", "err", err)
			}
			return
		}
		d.start(ctx, task)
	}
}

func (d *Dispatcher) start(ctx context.Context, task *model.Task) {
	s := &slot{cancel: make(chan struct{})}
	d.mu.Lock()
	d.active[task.ID] = s
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.active, task.ID)
			d.mu.Unlock()
			d.slots.Release(1)
			d.wg.Done()
			d.signal()
		}()
		defer func() {
			if r := recover(); r != nil {
				d.panicked(task, r)
			}
		}()
		d.execute(ctx, task, s.cancel)
	}()
}

func (d *Dispatcher) execute(ctx context.Context, task *model.Task, cancel <-chan struct{}) {
	log := d.log.With("task_id", task.ID, "correlation_id", task.CorrelationID)
	d.record(ctx, task, model.LevelInfo, model.EventExecutionStarted, "execution started", map[string]any{
		"attempt":      task.Attempts,
		"max_attempts": task.MaxAttempts,
		"worker_id":    d.cfg.WorkerID,
	})

	out, err := d.exec.Run(ctx, supervisor.SnapshotOf(task), cancel)

	actx, done := d.applyContext(ctx)
	defer done()
	if err != nil {
		log.Error("execution contract error", "err", err)
		d.record(actx, task, model.LevelError, model.EventInternalError, err.Error(), nil)
		d.fail(actx, task, err.Error(), supervisor.Outcome{Kind: supervisor.OutcomeFailure, Reason: supervisor.ReasonFailure})
		return
	}

	level := model.LevelInfo
	if out.Kind == supervisor.OutcomeFailure {
		level = model.LevelWarn
	}
	d.record(actx, task, level, model.EventExecutionOutcome, fmt.Sprintf("execution %s", out.Kind), map[string]any{
		"kind":        string(out.Kind),
		"reason":      string(out.Reason),
		"detail":      out.Detail,
		"turns":       out.Turns,
		"duration_ms": out.Duration.Milliseconds(),
	})
	d.apply(actx, task, out)
}

func (d *Dispatcher) applyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), applyTimeout)
}

func (d *Dispatcher) panicked(task *model.Task, r any) {
	d.log.Error("execution panicked", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
	ctx, done := d.applyContext(context.Background())
	defer done()
	msg := fmt.Sprintf("internal error: %v", r)
	d.record(ctx, task, model.LevelError, model.EventInternalError, msg, nil)
	d.fail(ctx, task, msg, supervisor.Outcome{Kind: supervisor.OutcomeFailure, Reason: supervisor.ReasonFailure})
}

func (d *Dispatcher) record(ctx context.Context, task *model.Task, level model.LogLevel, event, msg string, data map[string]any) {
	if err := d.rec.Log(ctx, task.ID, task.CorrelationID, level, event, msg, data); err != nil {
		d.log.Warn("record failed", "task_id", task.ID, "event", event, "err", err)
	}
}

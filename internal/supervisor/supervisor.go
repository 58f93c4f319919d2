// Package supervisor runs exactly one execution attempt of a task on an
// engine and turns whatever happened into an Outcome.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"deepagent/internal/engine"
	"deepagent/internal/model"
	"deepagent/internal/recorder"
)

// ErrContract marks a programming error such as a task type without a
// profile. Ordinary execution problems never produce it.
var ErrContract = errors.New("supervisor contract violation")

const DefaultGracePeriod = 5 * time.Second

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomePartial   OutcomeKind = "partial"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Reason qualifies partial, failure and cancelled outcomes.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonFailure   Reason = "failure"
	ReasonTimeout   Reason = "timeout"
	ReasonTurnLimit Reason = "turn_limit"
	// ReasonShutdown is a cancellation caused by the worker stopping rather
	// than by a user.
	ReasonShutdown Reason = "shutdown"
)

type stopCause string

const (
	stopNone     stopCause = ""
	stopTimeout  stopCause = "timeout"
	stopCancel   stopCause = "cancel"
	stopShutdown stopCause = "shutdown"
)

// Outcome is the normalized result of one attempt.
type Outcome struct {
	Kind   OutcomeKind
	Reason Reason
	// OutputsLocation is set for success and partial, and for cancelled
	// when the attempt left files behind.
	OutputsLocation string
	Summary         string
	Detail          string
	EngineOutput    string
	Turns           int
	Duration        time.Duration
}

// Snapshot is the part of a task an execution needs.
type Snapshot struct {
	ID                  string
	Type                model.TaskType
	Title               string
	Description         string
	Config              map[string]any
	DeliveryPreferences map[string]any
}

func SnapshotOf(t *model.Task) Snapshot {
	return Snapshot{
		ID:                  t.ID,
		Type:                t.Type,
		Title:               t.Title,
		Description:         t.Description,
		Config:              t.Config,
		DeliveryPreferences: t.DeliveryPreferences,
	}
}

type Config struct {
	OutputsRoot string
	PromptsDir  string
	GracePeriod time.Duration
	Profiles    Profiles
}

type Supervisor struct {
	engine      engine.Engine
	rec         *recorder.Recorder
	profiles    Profiles
	outputsRoot string
	promptsDir  string
	grace       time.Duration
	fs          afero.Fs
	log         *slog.Logger
}

func New(eng engine.Engine, rec *recorder.Recorder, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.Profiles == nil {
		cfg.Profiles = DefaultProfiles()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		engine:      eng,
		rec:         rec,
		profiles:    cfg.Profiles,
		outputsRoot: cfg.OutputsRoot,
		promptsDir:  cfg.PromptsDir,
		grace:       cfg.GracePeriod,
		fs:          afero.NewOsFs(),
		log:         logger.With("component", "supervisor"),
	}
}

// Budget returns the budget of a task type.
func (s *Supervisor) Budget(t model.TaskType) (Budget, bool) {
	p, ok := s.profiles[t]
	return p.Budget, ok
}

func (s *Supervisor) GracePeriod() time.Duration { return s.grace }

// OutputDir is the task-scoped directory an attempt writes into.
func (s *Supervisor) OutputDir(taskID string) string {
	return filepath.Join(s.outputsRoot, taskID)
}

// Run executes one attempt. It blocks until the engine exits, the budget
// expires, cancel is closed, or ctx ends; in the last three cases the
// engine is interrupted, given the grace period, then killed. Only
// ErrContract is returned as an error.
func (s *Supervisor) Run(ctx context.Context, snap Snapshot, cancel <-chan struct{}) (Outcome, error) {
	prof, ok := s.profiles[snap.Type]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: unknown task type %q", ErrContract, snap.Type)
	}
	prompt, err := s.BuildPrompt(snap)
	if err != nil {
		return Outcome{}, err
	}

	dir := s.OutputDir(snap.ID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return Outcome{Kind: OutcomeFailure, Reason: ReasonFailure, Detail: fmt.Sprintf("create output dir: %v", err)}, nil
	}

	select {
	case <-cancel:
		return s.cancelled(dir, ReasonNone, engine.Result{}), nil
	default:
	}

	log := s.log.With("task_id", snap.ID, "type", snap.Type)
	// the supervisor owns the stop sequence, so the engine must not react
	// to ctx on its own
	proc, err := s.engine.Start(context.WithoutCancel(ctx), engine.Invocation{
		TaskID:       snap.ID,
		Prompt:       prompt,
		AllowedTools: prof.AllowedTools,
		WorkDir:      dir,
		MaxTurns:     prof.Budget.MaxTurns,
	})
	if err != nil {
		log.Warn("engine start failed", "err", err)
		return Outcome{Kind: OutcomeFailure, Reason: ReasonFailure, Detail: fmt.Sprintf("start engine: %v", err)}, nil
	}

	start := time.Now()
	timer := time.NewTimer(prof.Budget.Timeout)
	defer timer.Stop()

	var stopped stopCause
	select {
	case <-proc.Done():
	case <-timer.C:
		stopped = stopTimeout
	case <-cancel:
		stopped = stopCancel
	case <-ctx.Done():
		stopped = stopShutdown
	}
	if stopped != stopNone {
		log.Info("stopping engine", "cause", stopped)
		s.stop(proc, log)
	}

	res := proc.Result()
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	switch stopped {
	case stopCancel:
		return s.cancelled(dir, ReasonNone, res), nil
	case stopShutdown:
		return s.cancelled(dir, ReasonShutdown, res), nil
	case stopTimeout:
		detail := fmt.Sprintf("execution timed out after %s", prof.Budget.Timeout)
		return s.budgetExceeded(dir, ReasonTimeout, detail, res), nil
	}
	if res.TurnLimitReached {
		detail := fmt.Sprintf("turn budget of %d exhausted", prof.Budget.MaxTurns)
		return s.budgetExceeded(dir, ReasonTurnLimit, detail, res), nil
	}
	if res.Err != nil {
		return Outcome{
			Kind:         OutcomeFailure,
			Reason:       ReasonFailure,
			Detail:       res.Err.Error(),
			EngineOutput: res.Output,
			Turns:        res.Turns,
			Duration:     res.Duration,
		}, nil
	}
	return Outcome{
		Kind:            OutcomeSuccess,
		OutputsLocation: dir,
		Summary:         s.rec.Summarize(dir, res.Output),
		EngineOutput:    res.Output,
		Turns:           res.Turns,
		Duration:        res.Duration,
	}, nil
}

// stop interrupts, waits out the grace period, then kills. It returns once
// the process has exited or a second grace period after the kill elapsed.
func (s *Supervisor) stop(proc engine.Process, log *slog.Logger) {
	if err := proc.Interrupt(); err != nil {
		log.Warn("interrupt failed", "err", err)
	}
	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-proc.Done():
		return
	case <-grace.C:
	}

	log.Warn("engine ignored interrupt, killing", "grace", s.grace)
	if err := proc.Kill(); err != nil {
		log.Warn("kill failed", "err", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(s.grace):
		log.Error("engine did not exit after kill")
	}
}

// budgetExceeded keeps whatever the engine wrote as a partial result.
func (s *Supervisor) budgetExceeded(dir string, reason Reason, detail string, res engine.Result) Outcome {
	o := Outcome{
		Reason:       reason,
		Detail:       detail,
		EngineOutput: res.Output,
		Turns:        res.Turns,
		Duration:     res.Duration,
	}
	if s.rec.HasArtifacts(dir) {
		o.Kind = OutcomePartial
		o.OutputsLocation = dir
		o.Summary = s.rec.Summarize(dir, res.Output)
		return o
	}
	o.Kind = OutcomeFailure
	return o
}

func (s *Supervisor) cancelled(dir string, reason Reason, res engine.Result) Outcome {
	o := Outcome{
		Kind:         OutcomeCancelled,
		Reason:       reason,
		Detail:       "execution cancelled",
		EngineOutput: res.Output,
		Turns:        res.Turns,
		Duration:     res.Duration,
	}
	if reason == ReasonShutdown {
		o.Detail = "worker shutting down"
	}
	if s.rec.HasArtifacts(dir) {
		o.OutputsLocation = dir
	}
	return o
}

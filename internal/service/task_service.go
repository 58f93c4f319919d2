package service

import (
	"context"
	"log/slog"
	"time"

	"deepagent/internal/apperr"
	"deepagent/internal/model"
	"deepagent/internal/store"
)

// TaskStore is the part of the task store the service uses.
type TaskStore interface {
	Create(ctx context.Context, draft model.TaskDraft) (*model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, f store.Filter, p store.Page) ([]model.Task, int64, error)
	Stats(ctx context.Context) (map[model.TaskStatus]int64, error)
	Transition(ctx context.Context, id string, from, to model.TaskStatus, f store.Fields) (*model.Task, error)
	RequestCancel(ctx context.Context, id string) (*model.Task, error)
	Logs(ctx context.Context, taskID string) ([]model.TaskLogEntry, error)
}

// Canceller stops a local execution right away. Executions held by other
// processes notice the cancellation flag on their next poll.
type Canceller interface {
	Cancel(id string) bool
	Active() []string
}

type TaskService struct {
	store              TaskStore
	canceller          Canceller
	defaultMaxAttempts int
	log                *slog.Logger
}

func NewTaskService(st TaskStore, canceller Canceller, defaultMaxAttempts int, logger *slog.Logger) *TaskService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{
		store:              st,
		canceller:          canceller,
		defaultMaxAttempts: defaultMaxAttempts,
		log:                logger.With("component", "service"),
	}
}

// Submit creates a task and queues it.
func (s *TaskService) Submit(ctx context.Context, draft model.TaskDraft) (*model.Task, error) {
	if draft.MaxAttempts == 0 && s.defaultMaxAttempts > 0 {
		draft.MaxAttempts = s.defaultMaxAttempts
	}
	task, err := s.store.Create(ctx, draft)
	if err != nil {
		return nil, err
	}
	task, err = s.store.Transition(ctx, task.ID, model.StatusPending, model.StatusQueued, store.Fields{Message: "submitted"})
	if err != nil {
		return nil, err
	}
	s.log.Info("task submitted", "task_id", task.ID, "type", task.Type, "correlation_id", task.CorrelationID)
	return task, nil
}

func (s *TaskService) GetStatus(ctx context.Context, id string) (*model.Task, error) {
	return s.store.Get(ctx, id)
}

// TaskResult is what a finished task produced. It is empty until the task
// has reached processing.
type TaskResult struct {
	TaskID          string                           `json:"task_id"`
	Status          model.TaskStatus                 `json:"status"`
	Ready           bool                             `json:"ready"`
	OutputsLocation string                           `json:"outputs_location,omitempty"`
	Summary         string                           `json:"summary,omitempty"`
	Deliveries      map[string]model.DeliveryOutcome `json:"deliveries,omitempty"`
	LastError       string                           `json:"last_error,omitempty"`
	CompletedAt     *time.Time                       `json:"completed_at,omitempty"`
}

func (s *TaskService) GetResult(ctx context.Context, id string) (*TaskResult, error) {
	const op = "service.GetResult"
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &TaskResult{TaskID: task.ID, Status: task.Status, LastError: task.LastError, CompletedAt: task.CompletedAt}
	switch task.Status {
	case model.StatusProcessing, model.StatusCompleted:
	case model.StatusCancelled:
		// a cancelled attempt may have left files behind
		res.OutputsLocation = task.OutputsLocation
		return res, nil
	default:
		return res, nil
	}

	res.Ready = task.Status == model.StatusCompleted
	res.OutputsLocation = task.OutputsLocation
	res.Summary = task.ResultSummary
	deliveries, err := task.Deliveries()
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if len(deliveries) > 0 {
		res.Deliveries = deliveries
	}
	return res, nil
}

// GetLogs returns the task's audit trail. An unknown task is NotFound
// rather than an empty trail.
func (s *TaskService) GetLogs(ctx context.Context, id string) ([]model.TaskLogEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Logs(ctx, id)
}

// Cancel cancels a task that has not started, or asks its worker to stop
// it. The local dispatcher is woken immediately when it holds the task.
func (s *TaskService) Cancel(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == model.StatusRunning && s.canceller != nil {
		s.canceller.Cancel(id)
	}
	s.log.Info("task cancel requested", "task_id", id, "status", task.Status)
	return task, nil
}

func (s *TaskService) List(ctx context.Context, f store.Filter, p store.Page) ([]model.Task, int64, error) {
	const op = "service.List"
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Validation(op, "unknown status %q", f.Status)
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, apperr.Validation(op, "unknown task type %q", f.Type)
	}
	return s.store.List(ctx, f, p)
}

// QueueStats summarises the queue across all workers.
type QueueStats struct {
	ByStatus map[model.TaskStatus]int64 `json:"by_status"`
	Total    int64                      `json:"total"`
	// Waiting counts tasks that will run eventually: queued plus retry.
	Waiting int64 `json:"waiting"`
	// LocalActive lists the tasks executing in this process.
	LocalActive []string `json:"local_active"`
}

func (s *TaskService) QueueStats(ctx context.Context) (*QueueStats, error) {
	counts, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st := &QueueStats{ByStatus: counts, LocalActive: []string{}}
	for _, n := range counts {
		st.Total += n
	}
	st.Waiting = counts[model.StatusQueued] + counts[model.StatusRetry]
	if s.canceller != nil {
		st.LocalActive = s.canceller.Active()
	}
	return st, nil
}

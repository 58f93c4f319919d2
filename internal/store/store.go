// Package store is the durable task record and the only place task status
// changes. Every mutation is a compare-and-set inside a transaction that
// also appends the matching audit entry.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"deepagent/internal/apperr"
	"deepagent/internal/model"
	"deepagent/internal/trace"
)

// maxClaimCandidates bounds how many lost CAS races one claim call absorbs
// before giving up for this tick.
const maxClaimCandidates = 8

type Store struct {
	db  *gorm.DB
	now func() time.Time
	log *slog.Logger

	busyRetries int
	busyBase    time.Duration
	// SELECT ... FOR UPDATE SKIP LOCKED is only issued where supported.
	rowLocking bool
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithBusyRetry sets how often a transient storage error is retried and the
// first backoff step.
func WithBusyRetry(attempts int, base time.Duration) Option {
	return func(s *Store) {
		s.busyRetries = attempts
		s.busyBase = base
	}
}

func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		now:         func() time.Time { return time.Now().UTC() },
		log:         slog.Default(),
		busyRetries: 5,
		busyBase:    20 * time.Millisecond,
		rowLocking:  db.Dialector.Name() == "mysql",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a new task in pending. The correlation id of ctx (or a
// fresh one) is recorded on the task and its creation entry.
func (s *Store) Create(ctx context.Context, draft model.TaskDraft) (*model.Task, error) {
	const op = "store.Create"
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	ctx, corr := trace.Ensure(ctx)

	maxAttempts := draft.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	now := s.now()
	task := &model.Task{
		ID:                  uuid.NewString(),
		Type:                draft.Type,
		Title:               draft.Title,
		Description:         draft.Description,
		Config:              datatypes.JSONMap(draft.Config),
		DeliveryPreferences: datatypes.JSONMap(draft.DeliveryPreferences),
		Status:              model.StatusPending,
		MaxAttempts:         maxAttempts,
		CorrelationID:       corr,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err := s.withRetry(ctx, op, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(task).Error; err != nil {
				return err
			}
			return tx.Create(&model.TaskLogEntry{
				TaskID:        task.ID,
				Level:         model.LevelInfo,
				Event:         model.EventCreated,
				Message:       fmt.Sprintf("task created: %s", task.Title),
				Data:          datatypes.JSONMap{"status": string(model.StatusPending), "type": string(task.Type), "max_attempts": maxAttempts},
				CorrelationID: corr,
				Timestamp:     now,
			}).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Get returns the task or a NotFound error.
func (s *Store) Get(ctx context.Context, id string) (*model.Task, error) {
	const op = "store.Get"
	var task model.Task
	err := s.withRetry(ctx, op, func() error {
		err := s.db.WithContext(ctx).Where("id = ?", id).Take(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(op, "task %s not found", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

type Filter struct {
	Status model.TaskStatus
	Type   model.TaskType
}

type Page struct {
	Page     int
	PageSize int
}

// normalize clamps p into page >= 1 and 1 <= size <= 100.
func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
	return p
}

// List returns tasks newest first plus the total matching count.
func (s *Store) List(ctx context.Context, f Filter, p Page) ([]model.Task, int64, error) {
	const op = "store.List"
	p = p.normalize()
	var (
		tasks []model.Task
		total int64
	)
	err := s.withRetry(ctx, op, func() error {
		filtered := func() *gorm.DB {
			q := s.db.WithContext(ctx).Model(&model.Task{})
			if f.Status != "" {
				q = q.Where("status = ?", string(f.Status))
			}
			if f.Type != "" {
				q = q.Where("type = ?", string(f.Type))
			}
			return q
		}
		if err := filtered().Count(&total).Error; err != nil {
			return err
		}
		return filtered().Order("created_at DESC").Order("id DESC").
			Offset((p.Page - 1) * p.PageSize).
			Limit(p.PageSize).
			Find(&tasks).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// Stats counts tasks per status. Every status is present in the result.
func (s *Store) Stats(ctx context.Context) (map[model.TaskStatus]int64, error) {
	const op = "store.Stats"
	var rows []struct {
		Status string
		Count  int64
	}
	err := s.withRetry(ctx, op, func() error {
		return s.db.WithContext(ctx).Model(&model.Task{}).
			Select("status, COUNT(*) AS count").
			Group("status").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make(map[model.TaskStatus]int64, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		out[st] = 0
	}
	for _, r := range rows {
		out[model.TaskStatus(r.Status)] = r.Count
	}
	return out, nil
}

// FindStale returns running tasks whose claim started before the cutoff of
// their type. Types without a cutoff are ignored.
func (s *Store) FindStale(ctx context.Context, cutoffs map[model.TaskType]time.Time) ([]model.Task, error) {
	const op = "store.FindStale"
	var stale []model.Task
	err := s.withRetry(ctx, op, func() error {
		stale = stale[:0]
		for _, typ := range model.TaskTypes {
			cutoff, ok := cutoffs[typ]
			if !ok {
				continue
			}
			var batch []model.Task
			err := s.db.WithContext(ctx).
				Where("status = ? AND type = ? AND started_at < ?", string(model.StatusRunning), string(typ), cutoff).
				Order("started_at ASC").
				Find(&batch).Error
			if err != nil {
				return err
			}
			stale = append(stale, batch...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// RunningWithCancelRequest lists running tasks flagged for cancellation.
// The dispatcher uses it to stop executions cancelled from other processes.
func (s *Store) RunningWithCancelRequest(ctx context.Context) ([]string, error) {
	const op = "store.RunningWithCancelRequest"
	var ids []string
	err := s.withRetry(ctx, op, func() error {
		return s.db.WithContext(ctx).Model(&model.Task{}).
			Where("status = ? AND cancel_requested = ?", string(model.StatusRunning), true).
			Pluck("id", &ids).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

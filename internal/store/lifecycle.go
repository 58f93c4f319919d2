package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"deepagent/internal/apperr"
	"deepagent/internal/model"
	"deepagent/internal/trace"
)

// Fields are the optional column updates applied together with a status
// change. Nil pointers leave the column untouched.
type Fields struct {
	LastError       *string
	OutputsLocation *string
	ResultSummary   *string
	DeliveryResults map[string]model.DeliveryOutcome
	NextRetryAt     *time.Time

	// Message and Data annotate the status_changed audit entry.
	Message string
	Data    map[string]any
}

// Str is a convenience for Fields pointers.
func Str(s string) *string { return &s }

// ClaimNextRunnable promotes retry tasks whose backoff elapsed, then claims
// the oldest queued task for workerID. It returns nil, nil when nothing is
// runnable. The claim is a conditional UPDATE whose affected-row count
// decides the winner, so concurrent callers never share a task.
func (s *Store) ClaimNextRunnable(ctx context.Context, workerID string) (*model.Task, error) {
	const op = "store.ClaimNextRunnable"
	var claimed *model.Task
	err := s.withRetry(ctx, op, func() error {
		claimed = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.now()
			if err := s.promoteDueRetries(tx, now); err != nil {
				return err
			}

			for i := 0; i < maxClaimCandidates; i++ {
				var cand model.Task
				q := tx.Select("id").
					Where("status = ? AND cancel_requested = ? AND attempts < max_attempts", string(model.StatusQueued), false).
					Order("queued_at ASC").Order("created_at ASC")
				if s.rowLocking {
					q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
				}
				err := q.Take(&cand).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				if err != nil {
					return err
				}

				corr := uuid.NewString()
				res := tx.Model(&model.Task{}).
					Where("id = ? AND status = ? AND cancel_requested = ? AND attempts < max_attempts", cand.ID, string(model.StatusQueued), false).
					Updates(map[string]any{
						"status":         string(model.StatusRunning),
						"started_at":     now,
						"attempts":       gorm.Expr("attempts + 1"),
						"worker_id":      workerID,
						"correlation_id": corr,
						"updated_at":     now,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected != 1 {
					// another worker won this one
					continue
				}

				var task model.Task
				if err := tx.Where("id = ?", cand.ID).Take(&task).Error; err != nil {
					return err
				}
				if err := tx.Create(&model.TaskLogEntry{
					TaskID:  task.ID,
					Level:   model.LevelInfo,
					Event:   model.EventStatusChanged,
					Message: fmt.Sprintf("claimed by %s (attempt %d/%d)", workerID, task.Attempts, task.MaxAttempts),
					Data: datatypes.JSONMap{
						"from":      string(model.StatusQueued),
						"to":        string(model.StatusRunning),
						"attempt":   task.Attempts,
						"worker_id": workerID,
					},
					CorrelationID: corr,
					Timestamp:     now,
				}).Error; err != nil {
					return err
				}
				claimed = &task
				return nil
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) promoteDueRetries(tx *gorm.DB, now time.Time) error {
	var due []model.Task
	if err := tx.Select("id", "correlation_id").
		Where("status = ? AND next_retry_at <= ?", string(model.StatusRetry), now).
		Order("next_retry_at ASC").
		Find(&due).Error; err != nil {
		return err
	}
	for _, t := range due {
		res := tx.Model(&model.Task{}).
			Where("id = ? AND status = ?", t.ID, string(model.StatusRetry)).
			Updates(map[string]any{
				"status":        string(model.StatusQueued),
				"queued_at":     now,
				"next_retry_at": nil,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			continue
		}
		if err := tx.Create(&model.TaskLogEntry{
			TaskID:        t.ID,
			Level:         model.LevelInfo,
			Event:         model.EventStatusChanged,
			Message:       "retry backoff elapsed",
			Data:          datatypes.JSONMap{"from": string(model.StatusRetry), "to": string(model.StatusQueued)},
			CorrelationID: t.CorrelationID,
			Timestamp:     now,
		}).Error; err != nil {
			return err
		}
	}
	return nil
}

// Transition moves task id from one status to another if and only if it is
// currently in from. Illegal edges, a status mismatch, and any move other
// than to cancelled on a task with a pending cancellation return a
// Conflict error and change nothing.
func (s *Store) Transition(ctx context.Context, id string, from, to model.TaskStatus, f Fields) (*model.Task, error) {
	const op = "store.Transition"
	if !model.CanTransition(from, to) {
		return nil, apperr.Conflict(op, "illegal transition %s -> %s", from, to)
	}

	updates := map[string]any{"status": string(to)}
	if f.LastError != nil {
		updates["last_error"] = *f.LastError
	}
	if f.OutputsLocation != nil {
		updates["outputs_location"] = *f.OutputsLocation
	}
	if f.ResultSummary != nil {
		updates["result_summary"] = *f.ResultSummary
	}
	if f.DeliveryResults != nil {
		raw, err := json.Marshal(f.DeliveryResults)
		if err != nil {
			return nil, apperr.Internal(op, err)
		}
		updates["delivery_results"] = datatypes.JSON(raw)
	}
	if f.NextRetryAt != nil {
		updates["next_retry_at"] = *f.NextRetryAt
	}
	switch to {
	case model.StatusCompleted:
		updates["last_error"] = ""
	case model.StatusQueued:
		updates["next_retry_at"] = nil
	}

	var task model.Task
	err := s.withRetry(ctx, op, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.now()
			updates["updated_at"] = now
			delete(updates, "completed_at")
			delete(updates, "queued_at")
			if to.Terminal() {
				updates["completed_at"] = now
			}
			if to == model.StatusQueued {
				updates["queued_at"] = now
			}

			q := tx.Model(&model.Task{}).Where("id = ? AND status = ?", id, string(from))
			if to != model.StatusCancelled {
				q = q.Where("cancel_requested = ?", false)
			}
			res := q.Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return s.explainMiss(tx, op, id, from)
			}

			if err := tx.Where("id = ?", id).Take(&task).Error; err != nil {
				return err
			}
			return tx.Create(s.transitionEntry(ctx, &task, from, to, f, now)).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Store) transitionEntry(ctx context.Context, task *model.Task, from, to model.TaskStatus, f Fields, now time.Time) *model.TaskLogEntry {
	data := datatypes.JSONMap{"from": string(from), "to": string(to)}
	for k, v := range f.Data {
		data[k] = v
	}
	msg := f.Message
	if msg == "" {
		msg = fmt.Sprintf("%s -> %s", from, to)
	}
	level := model.LevelInfo
	switch to {
	case model.StatusFailed, model.StatusRetry:
		level = model.LevelWarn
	case model.StatusDead:
		level = model.LevelError
	}
	corr := trace.CorrelationID(ctx)
	if corr == "" {
		corr = task.CorrelationID
	}
	return &model.TaskLogEntry{
		TaskID:        task.ID,
		Level:         level,
		Event:         model.EventStatusChanged,
		Message:       msg,
		Data:          data,
		CorrelationID: corr,
		Timestamp:     now,
	}
}

// explainMiss turns a zero-row CAS into NotFound or Conflict.
func (s *Store) explainMiss(tx *gorm.DB, op, id string, from model.TaskStatus) error {
	var cur model.Task
	err := tx.Select("id", "status", "cancel_requested").Where("id = ?", id).Take(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(op, "task %s not found", id)
	}
	if err != nil {
		return err
	}
	if cur.Status != from {
		return apperr.Conflict(op, "task %s is %s, expected %s", id, cur.Status, from)
	}
	if cur.CancelRequested {
		return apperr.Conflict(op, "task %s has a pending cancellation", id)
	}
	return apperr.Conflict(op, "task %s changed concurrently", id)
}

// RequestCancel cancels a task that no worker holds, or flags a running
// task so its worker stops it. Tasks that are delivering or already
// terminal cannot be cancelled.
func (s *Store) RequestCancel(ctx context.Context, id string) (*model.Task, error) {
	const op = "store.RequestCancel"
	var task model.Task
	err := s.withRetry(ctx, op, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var cur model.Task
			q := tx.Where("id = ?", id)
			if s.rowLocking {
				q = q.Clauses(clause.Locking{Strength: "UPDATE"})
			}
			err := q.Take(&cur).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "task %s not found", id)
			}
			if err != nil {
				return err
			}

			now := s.now()
			corr := trace.CorrelationID(ctx)
			if corr == "" {
				corr = cur.CorrelationID
			}

			var (
				updates map[string]any
				entry   *model.TaskLogEntry
			)
			switch cur.Status {
			case model.StatusPending, model.StatusQueued, model.StatusRetry, model.StatusFailed:
				updates = map[string]any{
					"status":           string(model.StatusCancelled),
					"cancel_requested": true,
					"completed_at":     now,
					"next_retry_at":    nil,
					"updated_at":       now,
				}
				entry = &model.TaskLogEntry{
					Level:   model.LevelInfo,
					Event:   model.EventStatusChanged,
					Message: "cancelled before execution",
					Data:    datatypes.JSONMap{"from": string(cur.Status), "to": string(model.StatusCancelled)},
				}
			case model.StatusRunning:
				if cur.CancelRequested {
					task = cur
					return nil
				}
				updates = map[string]any{"cancel_requested": true, "updated_at": now}
				entry = &model.TaskLogEntry{
					Level:   model.LevelInfo,
					Event:   model.EventCancelRequested,
					Message: "cancellation requested while running",
					Data:    datatypes.JSONMap{"worker_id": cur.WorkerID},
				}
			case model.StatusProcessing:
				return apperr.Conflict(op, "task %s is delivering results and can no longer be cancelled", id)
			default:
				return apperr.Conflict(op, "task %s is already %s", id, cur.Status)
			}

			res := tx.Model(&model.Task{}).
				Where("id = ? AND status = ?", id, string(cur.Status)).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return apperr.Conflict(op, "task %s changed concurrently", id)
			}
			entry.TaskID = id
			entry.CorrelationID = corr
			entry.Timestamp = now
			if err := tx.Create(entry).Error; err != nil {
				return err
			}
			return tx.Where("id = ?", id).Take(&task).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// AppendLog stores entry. Timestamp defaults to now.
func (s *Store) AppendLog(ctx context.Context, entry *model.TaskLogEntry) error {
	const op = "store.AppendLog"
	if entry.TaskID == "" {
		return apperr.Validation(op, "log entry without task id")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if entry.Level == "" {
		entry.Level = model.LevelInfo
	}
	return s.withRetry(ctx, op, func() error {
		entry.ID = 0
		return s.db.WithContext(ctx).Create(entry).Error
	})
}

// Logs returns the audit trail of a task in append order.
func (s *Store) Logs(ctx context.Context, taskID string) ([]model.TaskLogEntry, error) {
	const op = "store.Logs"
	var entries []model.TaskLogEntry
	err := s.withRetry(ctx, op, func() error {
		return s.db.WithContext(ctx).
			Where("task_id = ?", taskID).
			Order("id ASC").
			Find(&entries).Error
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

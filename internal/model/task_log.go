package model

import (
	"time"

	"gorm.io/datatypes"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warning"
	LevelError LogLevel = "error"
)

// Log events written by the store and the dispatcher.
const (
	EventCreated          = "created"
	EventStatusChanged    = "status_changed"
	EventCancelRequested  = "cancel_requested"
	EventExecutionStarted = "execution_started"
	EventExecutionOutcome = "execution_outcome"
	EventRetryScheduled   = "retry_scheduled"
	EventDelivery         = "delivery"
	EventStaleRecovered   = "stale_recovered"
	EventInternalError    = "internal_error"
)

// TaskLogEntry is an append-only audit record. The core never updates or
// deletes these rows.
type TaskLogEntry struct {
	ID            uint              `gorm:"primarykey" json:"id"`
	TaskID        string            `gorm:"type:varchar(36);not null;index" json:"task_id"`
	Level         LogLevel          `gorm:"type:varchar(10);not null" json:"level"`
	Event         string            `gorm:"type:varchar(64);not null;index" json:"event"`
	Message       string            `gorm:"type:text" json:"message"`
	Data          datatypes.JSONMap `json:"data,omitempty"`
	CorrelationID string            `gorm:"type:varchar(36);index" json:"correlation_id"`
	Timestamp     time.Time         `gorm:"column:logged_at;not null;index" json:"timestamp"`
}

func (TaskLogEntry) TableName() string { return "task_logs" }

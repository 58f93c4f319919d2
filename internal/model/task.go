package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"

	"deepagent/internal/apperr"
)

const (
	DefaultMaxAttempts = 3
	MaxTitleLength     = 200
)

// Task is one unit of submitted agent work.
type Task struct {
	ID          string   `gorm:"type:varchar(36);primaryKey" json:"id"`
	Type        TaskType `gorm:"type:varchar(20);not null;index" json:"type"`
	Title       string   `gorm:"type:varchar(200);not null" json:"title"`
	Description string   `gorm:"type:text;not null" json:"description"`

	// Passed through untouched to the engine and the delivery gateway.
	Config              datatypes.JSONMap `json:"config"`
	DeliveryPreferences datatypes.JSONMap `json:"delivery_preferences"`

	Status          TaskStatus `gorm:"type:varchar(20);not null;index:idx_tasks_claim,priority:1" json:"status"`
	Attempts        int        `gorm:"not null" json:"attempts"`
	MaxAttempts     int        `gorm:"not null" json:"max_attempts"`
	LastError       string     `gorm:"type:text" json:"last_error,omitempty"`
	CancelRequested bool       `gorm:"not null" json:"cancel_requested"`

	// WorkerID and CorrelationID describe the most recent claim.
	WorkerID      string `gorm:"type:varchar(100)" json:"worker_id,omitempty"`
	CorrelationID string `gorm:"type:varchar(36);index" json:"correlation_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	QueuedAt    *time.Time `gorm:"index:idx_tasks_claim,priority:2" json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	NextRetryAt *time.Time `gorm:"index" json:"next_retry_at,omitempty"`

	OutputsLocation string         `gorm:"type:varchar(500)" json:"outputs_location,omitempty"`
	ResultSummary   string         `gorm:"type:text" json:"result_summary,omitempty"`
	DeliveryResults datatypes.JSON `json:"delivery_results,omitempty"`
}

func (Task) TableName() string { return "tasks" }

// Deliveries decodes DeliveryResults. A task that never reached delivery
// yields an empty map.
func (t *Task) Deliveries() (map[string]DeliveryOutcome, error) {
	out := map[string]DeliveryOutcome{}
	if len(t.DeliveryResults) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(t.DeliveryResults, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeliveryStatus is the per-channel delivery result.
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

type DeliveryOutcome struct {
	Status DeliveryStatus `json:"status"`
	Detail string         `json:"detail,omitempty"`
	URL    string         `json:"url,omitempty"`
}

func (o DeliveryOutcome) OK() bool { return o.Status == DeliverySuccess }

// TaskDraft is the caller-supplied part of a new task.
type TaskDraft struct {
	Type                TaskType       `json:"type" validate:"required,oneof=research analysis document"`
	Title               string         `json:"title" validate:"required,max=200"`
	Description         string         `json:"description" validate:"required"`
	Config              map[string]any `json:"config"`
	DeliveryPreferences map[string]any `json:"delivery_preferences"`
	MaxAttempts         int            `json:"max_attempts" validate:"gte=0,lte=20"`
}

var validate = validator.New()

// Validate rejects drafts that must never become tasks.
func (d *TaskDraft) Validate() error {
	const op = "model.TaskDraft.Validate"
	if !d.Type.Valid() {
		return apperr.Validation(op, "unknown task type %q", d.Type)
	}
	if strings.TrimSpace(d.Title) == "" {
		return apperr.Validation(op, "title required")
	}
	if strings.TrimSpace(d.Description) == "" {
		return apperr.Validation(op, "description required")
	}
	if err := validate.Struct(d); err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err)
	}
	if v, ok := d.DeliveryPreferences["storage"]; ok {
		switch s, _ := v.(string); s {
		case "google_drive", "onedrive", "both":
		default:
			return apperr.Validation(op, "delivery storage must be google_drive, onedrive or both")
		}
	}
	if v, ok := d.DeliveryPreferences["email"]; ok {
		s, _ := v.(string)
		if err := validate.Var(s, "required,email"); err != nil {
			return apperr.Validation(op, "delivery email %q is not an address", s)
		}
	}
	return nil
}

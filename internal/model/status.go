package model

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusQueued     TaskStatus = "queued"
	StatusRunning    TaskStatus = "running"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusRetry      TaskStatus = "retry"
	StatusDead       TaskStatus = "dead"
	StatusCancelled  TaskStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusPending,
	StatusQueued,
	StatusRunning,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusRetry,
	StatusDead,
	StatusCancelled,
}

// allowedTransitions is the complete edge set of the task state machine.
// Anything not listed here is rejected by the store.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusQueued, StatusCancelled},
	StatusQueued:     {StatusRunning, StatusCancelled},
	StatusRunning:    {StatusProcessing, StatusFailed, StatusCancelled, StatusQueued},
	StatusProcessing: {StatusCompleted},
	StatusFailed:     {StatusRetry, StatusDead, StatusCancelled},
	StatusRetry:      {StatusQueued, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions leave s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDead, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// TaskType selects the prompt template, tool allow-list and budget of a task.
type TaskType string

const (
	TypeResearch TaskType = "research"
	TypeAnalysis TaskType = "analysis"
	TypeDocument TaskType = "document"
)

// TaskTypes is the closed set of accepted task types.
var TaskTypes = []TaskType{TypeResearch, TypeAnalysis, TypeDocument}

func (t TaskType) Valid() bool {
	switch t {
	case TypeResearch, TypeAnalysis, TypeDocument:
		return true
	}
	return false
}

package domain

import "time"

// Status is the backend task status vocabulary as stored by the hosted
// persistence layer.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// DisplayStatus is the three-valued vocabulary shown to users. It is in
// bijective correspondence with Status; values outside the backend
// vocabulary collapse to DisplayTodo.
type DisplayStatus string

const (
	DisplayTodo     DisplayStatus = "todo"
	DisplayProgress DisplayStatus = "progress"
	DisplayComplete DisplayStatus = "complete"
)

// DisplayStatusFor maps a backend status to its display counterpart.
// Upstream data quality is outside this layer's control, so unknown
// statuses map to DisplayTodo instead of failing.
func DisplayStatusFor(s Status) DisplayStatus {
	switch s {
	case StatusPending:
		return DisplayTodo
	case StatusInProgress:
		return DisplayProgress
	case StatusCompleted:
		return DisplayComplete
	default:
		return DisplayTodo
	}
}

// Priority is the task priority vocabulary.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// NormalizePriority collapses unknown or missing priorities to
// PriorityMedium.
func NormalizePriority(p Priority) Priority {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p
	default:
		return PriorityMedium
	}
}

// TaskRecord is a single task as returned by the hosted backend. An empty
// ProjectID marks the task as personal.
type TaskRecord struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	ProjectID   string     `json:"projectId,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Personal reports whether the task belongs to no project.
func (t TaskRecord) Personal() bool { return t.ProjectID == "" }

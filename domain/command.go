package domain

import "github.com/bytedance/sonic"

// Command entity and operation vocabulary understood by the hosted
// backend's command queue.
const (
	EntityTask = "task"

	CommandTaskCreate = "task-create"
	CommandTaskUpdate = "task-update"
	CommandTaskDelete = "task-delete"
	CommandTaskStatus = "task-status"
)

// Command represents a write request for the hosted backend.
type Command struct {
	// ID carries the idempotency key when enqueued to the command queue.
	ID             string                 `json:"id,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	EntityType     string                 `json:"entityType"`
	EntityID       string                 `json:"entityId,omitempty"`
	Type           string                 `json:"type"`
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp      int64                  `json:"timestamp"`
}

// CommandEnvelope wraps a command with the user issuing it.
type CommandEnvelope struct {
	UserID  string  `json:"userId"`
	Command Command `json:"command"`
}

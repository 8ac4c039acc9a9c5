package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"taskdeck/domain"
)

// ErrUnknownTask and ErrUnknownCommand reject a mutation before anything
// is enqueued; callers map them to client errors.
var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrUnknownCommand = errors.New("unknown command type")
)

func marshalCommandData(v any) (sonic.NoCopyRawMessage, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	return sonic.NoCopyRawMessage(data), nil
}

// applyCommand mirrors on the local snapshot what the backend will do
// when it processes the command. The input slice is already a working
// copy owned by the caller.
func applyCommand(tasks []domain.TaskRecord, cmd domain.Command) ([]domain.TaskRecord, error) {
	if cmd.EntityType != domain.EntityTask {
		return nil, fmt.Errorf("%w: entity %q", ErrUnknownCommand, cmd.EntityType)
	}

	switch cmd.Type {
	case domain.CommandTaskCreate:
		var t domain.TaskRecord
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return nil, fmt.Errorf("decode create payload: %w", err)
		}
		if t.ID == "" {
			t.ID = cmd.EntityID
		}
		now := time.Now().UTC()
		t.CreatedAt = now
		t.UpdatedAt = now
		return append(tasks, t), nil

	case domain.CommandTaskUpdate:
		i, err := indexOf(tasks, cmd.EntityID)
		if err != nil {
			return nil, err
		}
		var changes map[string]any
		if err := json.Unmarshal(cmd.Data, &changes); err != nil {
			return nil, fmt.Errorf("decode update payload: %w", err)
		}
		applyChanges(&tasks[i], changes)
		tasks[i].UpdatedAt = time.Now().UTC()
		return tasks, nil

	case domain.CommandTaskStatus:
		i, err := indexOf(tasks, cmd.EntityID)
		if err != nil {
			return nil, err
		}
		var payload struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode status payload: %w", err)
		}
		tasks[i].Status = domain.Status(payload.Status)
		tasks[i].UpdatedAt = time.Now().UTC()
		return tasks, nil

	case domain.CommandTaskDelete:
		i, err := indexOf(tasks, cmd.EntityID)
		if err != nil {
			return nil, err
		}
		return append(tasks[:i], tasks[i+1:]...), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

func indexOf(tasks []domain.TaskRecord, id string) (int, error) {
	for i := range tasks {
		if tasks[i].ID == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTask, id)
}

func applyChanges(t *domain.TaskRecord, changes map[string]any) {
	if v, ok := changes["title"].(string); ok {
		t.Title = v
	}
	if v, ok := changes["description"].(string); ok {
		t.Description = v
	}
	if v, ok := changes["priority"].(string); ok {
		t.Priority = domain.Priority(v)
	}
	if v, ok := changes["projectId"].(string); ok {
		t.ProjectID = v
	}
	if v, ok := changes["assigneeId"].(string); ok {
		t.AssigneeID = v
	}
	if v, ok := changes["dueDate"].(string); ok {
		if v == "" {
			t.DueDate = nil
		} else if due, err := time.Parse(time.RFC3339, v); err == nil {
			t.DueDate = &due
		}
	}
}

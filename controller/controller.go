// Package controller is the page-level owner of the task-list snapshot.
// It serializes mutations and snapshot replacements, keeps the projector
// in sync, and applies writes optimistically: the local list changes
// first, the command goes to the backend queue, and a failed enqueue
// leaves the previous snapshot in place.
package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskdeck/domain"
	"taskdeck/projector"
)

// Store is the slice of the data service the controller needs.
type Store interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.TaskRecord, error)
	EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error
}

// Controller owns one user's task-list snapshot and projector. All access
// goes through its mutex: the projector itself is lock-free by contract
// and relies on this serialization.
type Controller struct {
	store  Store
	logger *log.Logger

	mu     sync.Mutex
	userID string
	tasks  []domain.TaskRecord
	proj   *projector.Projector

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

// New creates a controller with an empty snapshot.
func New(store Store, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Controller{
		store:    store,
		logger:   logger,
		proj:     projector.New(nil, ""),
		watchers: make(map[chan struct{}]struct{}),
	}
}

// CurrentUserID returns the user whose snapshot is loaded.
func (c *Controller) CurrentUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// EnsureUser loads the snapshot for userID if it is not already the
// active one. Identity changes discard the previous user's snapshot and
// projector cache.
func (c *Controller) EnsureUser(ctx context.Context, userID string) error {
	c.mu.Lock()
	current := c.userID
	c.mu.Unlock()
	if current == userID {
		return nil
	}
	return c.Load(ctx, userID)
}

// Load fetches the full visible task list for userID and replaces the
// snapshot with it.
func (c *Controller) Load(ctx context.Context, userID string) error {
	tasks, err := c.store.FetchTasks(ctx, userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.userID = userID
	c.tasks = tasks
	c.proj.Reset(tasks, userID)
	c.mu.Unlock()

	c.notify()
	return nil
}

// Replace installs a new snapshot, discarding whatever was there. This is
// the last-writer-wins boundary for realtime pushes racing local edits.
func (c *Controller) Replace(tasks []domain.TaskRecord) {
	c.mu.Lock()
	c.tasks = tasks
	c.proj.Reset(tasks, c.userID)
	c.mu.Unlock()

	c.notify()
}

// Tasks returns a copy of the current snapshot.
func (c *Controller) Tasks() []domain.TaskRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TaskRecord, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Project returns the categorized view for the given context.
func (c *Controller) Project(mode, projectID, query string) *projector.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proj.Project(mode, projectID, query)
}

// Scans reports the projector's scan count, for request logging.
func (c *Controller) Scans() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proj.Scans()
}

// Apply runs the commands against a working copy of the snapshot, then
// enqueues them. The copy is committed only after the enqueue succeeds;
// on failure the previous snapshot stays untouched and the error carries
// the reason. Returned keys identify the commands for retry bookkeeping.
func (c *Controller) Apply(ctx context.Context, cmds []domain.Command) ([]string, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	keys := finalizeCommands(cmds)

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make([]domain.TaskRecord, len(c.tasks))
	copy(next, c.tasks)

	var err error
	for _, cmd := range cmds {
		next, err = applyCommand(next, cmd)
		if err != nil {
			return nil, err
		}
	}

	if err := c.store.EnqueueCommands(ctx, c.userID, cmds); err != nil {
		c.logger.WithFields(log.Fields{
			"user":     c.userID,
			"commands": len(cmds),
		}).Warnf("enqueue failed, optimistic state rolled back: %v", err)
		return nil, err
	}

	c.tasks = next
	c.proj.Reset(next, c.userID)

	c.notify()
	return keys, nil
}

// CreateTask optimistically appends a task and enqueues the create
// command. The generated task id doubles as the command entity id.
func (c *Controller) CreateTask(ctx context.Context, t domain.TaskRecord) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	data, err := marshalCommandData(t)
	if err != nil {
		return "", err
	}
	_, err = c.Apply(ctx, []domain.Command{{
		EntityType: domain.EntityTask,
		EntityID:   t.ID,
		Type:       domain.CommandTaskCreate,
		Data:       data,
	}})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// UpdateTask optimistically applies a partial change set to a task.
func (c *Controller) UpdateTask(ctx context.Context, taskID string, changes map[string]any) error {
	data, err := marshalCommandData(changes)
	if err != nil {
		return err
	}
	_, err = c.Apply(ctx, []domain.Command{{
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		Type:       domain.CommandTaskUpdate,
		Data:       data,
	}})
	return err
}

// DeleteTask optimistically removes a task.
func (c *Controller) DeleteTask(ctx context.Context, taskID string) error {
	_, err := c.Apply(ctx, []domain.Command{{
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		Type:       domain.CommandTaskDelete,
	}})
	return err
}

// UpdateStatus optimistically moves a task to a new backend status.
func (c *Controller) UpdateStatus(ctx context.Context, taskID string, status domain.Status) error {
	data, err := marshalCommandData(map[string]any{"status": string(status)})
	if err != nil {
		return err
	}
	_, err = c.Apply(ctx, []domain.Command{{
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		Type:       domain.CommandTaskStatus,
		Data:       data,
	}})
	return err
}

// Watch returns a channel that receives a tick whenever the snapshot is
// replaced, plus a cancel func. Ticks coalesce; receivers refetch the
// projection instead of reading payloads.
func (c *Controller) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.watchMu.Lock()
	c.watchers[ch] = struct{}{}
	c.watchMu.Unlock()

	cancel := func() {
		c.watchMu.Lock()
		delete(c.watchers, ch)
		c.watchMu.Unlock()
	}
	return ch, cancel
}

func (c *Controller) notify() {
	c.watchMu.Lock()
	for ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	c.watchMu.Unlock()
}

var lastTimestamp int64

// nextTimestamp returns strictly increasing nanosecond timestamps so
// commands issued in one burst keep their order.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}

// finalizeCommands stamps idempotency keys and timestamps in place and
// returns the keys.
func finalizeCommands(cmds []domain.Command) []string {
	keys := make([]string, len(cmds))
	for i := range cmds {
		if cmds[i].IdempotencyKey == "" {
			cmds[i].IdempotencyKey = uuid.NewString()
		}
		cmds[i].ID = cmds[i].IdempotencyKey
		cmds[i].Timestamp = nextTimestamp()
		keys[i] = cmds[i].IdempotencyKey
	}
	return keys
}

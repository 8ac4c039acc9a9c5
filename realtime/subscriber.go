// Package realtime keeps the local snapshot in sync with the hosted
// backend: when the backend publishes a read-model update for the active
// user, the subscriber refetches the task list and hands it to the
// controller, which invalidates the projection cache on replacement.
package realtime

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskdeck/domain"
)

// Fetcher refetches the full visible task list for a user.
type Fetcher interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.TaskRecord, error)
}

// Evicter is implemented by caching fetchers; stale entries are dropped
// before the refetch so it reaches the backend.
type Evicter interface {
	Evict(ctx context.Context, userID string)
}

// Target consumes replacement snapshots.
type Target interface {
	CurrentUserID() string
	Replace(tasks []domain.TaskRecord)
}

// Subscribe listens for read-model update notices on the given pub/sub
// channel and replaces the target's snapshot whenever the active user's
// read model changed. Notices for other users are dropped. It blocks
// until ctx is cancelled, resubscribing if the connection is lost.
func Subscribe(ctx context.Context, logger *log.Logger, rc *redis.Client, store Fetcher, channel string, target Target) {
	for ctx.Err() == nil {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				handleUpdate(ctx, logger, store, target, msg.Payload)
			}
		}
		_ = sub.Close()
	}
}

func handleUpdate(ctx context.Context, logger *log.Logger, store Fetcher, target Target, payload string) {
	var ev struct {
		UserID string `json:"UserId"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		logger.Errorf("unable to parse update: %v", err)
		return
	}
	if ev.UserID == "" || ev.UserID != target.CurrentUserID() {
		return
	}

	if e, ok := store.(Evicter); ok {
		e.Evict(ctx, ev.UserID)
	}
	tasks, err := store.FetchTasks(ctx, ev.UserID)
	if err != nil {
		logger.Errorf("fetch tasks: %v", err)
		return
	}
	target.Replace(tasks)
	logger.WithFields(log.Fields{
		"user":  ev.UserID,
		"tasks": len(tasks),
	}).Debug("snapshot replaced from realtime update")
}

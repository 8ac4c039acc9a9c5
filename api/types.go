package api

import (
	"context"

	"taskdeck/domain"
	"taskdeck/projector"
)

// Board is the page-controller surface the handlers drive.
type Board interface {
	EnsureUser(ctx context.Context, userID string) error
	Project(mode, projectID, query string) *projector.Result
	Tasks() []domain.TaskRecord
	Apply(ctx context.Context, cmds []domain.Command) ([]string, error)
	Scans() int
	Watch() (<-chan struct{}, func())
}

// Authenticator is implemented by types able to extract user IDs from
// Authorization headers.
type Authenticator interface {
	UserIDFromAuthHeader(ctx context.Context, header string) (string, error)
}

// ProfileSource resolves the signed-in user's profile, typically through
// the session's TTL cache.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (domain.Profile, error)
}

// ProjectSource lists the projects visible to a user.
type ProjectSource interface {
	FetchProjects(ctx context.Context, userID string) ([]domain.ProjectRecord, error)
}

// MemberSource lists the normalized member records of a project.
type MemberSource interface {
	FetchMembers(ctx context.Context, projectID string) ([]domain.MemberRecord, error)
}

// Deduper prevents reprocessing of retried commands.
type Deduper interface {
	// AddMany records the idempotency keys and reports which were newly added.
	AddMany(ctx context.Context, userID string, keys []string) ([]bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}

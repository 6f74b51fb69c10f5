package api

import (
	"context"
	"time"

	"taskhub/domain"
)

// TaskLister serves the shared task list read path.
type TaskLister interface {
	FetchTasks(ctx context.Context) ([]domain.Task, error)
}

// Authenticator is implemented by types able to verify credentials and, in
// local mode, mint them.
type Authenticator interface {
	IdentityFromAuthHeader(string) (domain.Identity, error)
	Issue(identityID, label string, ttl time.Duration) (string, error)
}

// Deduper prevents reprocessing of replayed task commands.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}

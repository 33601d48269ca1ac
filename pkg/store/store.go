package store

import (
	"context"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// StateStore is the narrow contract the coordination core consumes for
// durable task, lock, and session-context state.
//
// Required atomicity guarantees:
//   - AcquireLock is atomic and conditional on the path having no
//     active lock; it returns a fresh unique token.
//   - ReleaseLock requires the token and is a no-op, not an error, when
//     the lock is already gone or expired.
//   - ReleaseAllLocksForAgent atomically releases all of the agent's
//     active locks and returns the count.
//   - ReassignTasksForAgent atomically requeues all of the agent's
//     in-flight tasks, using the agent id as the transition
//     precondition: a task concurrently claimed by someone else between
//     read and write is left untouched.
//   - RequeueStalledTasks applies the same conditional transition to
//     in-progress tasks not updated since the cutoff.
type StateStore interface {
	// Locks
	AcquireLock(ctx context.Context, path, owner string, op models.LockOperation) (*models.FileLock, error)
	ReleaseLock(ctx context.Context, token string) error
	ReleaseAllLocksForAgent(ctx context.Context, agentID string) (int, error)
	GetAllLocks(ctx context.Context) ([]models.FileLock, error)

	// Tasks
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ClaimNextTask(ctx context.Context, agentID string) (*models.Task, error)
	StartTask(ctx context.Context, taskID, agentID string) error
	CompleteTask(ctx context.Context, taskID string, result map[string]interface{}) error
	FailTask(ctx context.Context, taskID, reason string) error
	ReassignTasksForAgent(ctx context.Context, agentID string) ([]models.Task, error)
	RequeueStalledTasks(ctx context.Context, cutoff time.Time) ([]models.Task, error)

	// Session contexts
	GetSessionContext(ctx context.Context, sessionID string) (*models.SessionContext, error)
	SaveSessionContext(ctx context.Context, session *models.SessionContext) error

	Close() error
}

// Config holds store-level settings shared by implementations
type Config struct {
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// DefaultConfig returns default store configuration
func DefaultConfig() Config {
	return Config{
		LockTTL: 5 * time.Minute,
	}
}

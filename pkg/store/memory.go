package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

// MemoryStore implements StateStore in memory behind a single mutex.
// Used by tests and single-process deployments.
type MemoryStore struct {
	config Config

	locks      map[string]*models.FileLock // path -> lock
	lockTokens map[string]string           // token -> path
	tasks      map[string]*models.Task
	sessions   map[string]*models.SessionContext

	mu sync.Mutex
}

// NewMemoryStore creates a new in-memory state store
func NewMemoryStore(config Config) *MemoryStore {
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultConfig().LockTTL
	}

	return &MemoryStore{
		config:     config,
		locks:      make(map[string]*models.FileLock),
		lockTokens: make(map[string]string),
		tasks:      make(map[string]*models.Task),
		sessions:   make(map[string]*models.SessionContext),
	}
}

// copyTask clones a task so stored state and caller state never share
// the Context and Result maps
func copyTask(task *models.Task) *models.Task {
	copied := *task
	copied.Context = copyMap(task.Context)
	copied.Result = copyMap(task.Result)
	return &copied
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AcquireLock takes an exclusive lock on a path. An expired lock on the
// same path is replaced; an active one fails the call.
func (s *MemoryStore) AcquireLock(ctx context.Context, path, owner string, op models.LockOperation) (*models.FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if existing, ok := s.locks[path]; ok {
		if existing.Active(now) {
			return nil, models.NewError(models.CodeLockHeld, "path is locked", false).
				WithDetail("path", path).
				WithDetail("owner", existing.Owner)
		}
		delete(s.lockTokens, existing.Token)
	}

	lock := &models.FileLock{
		Path:       path,
		Owner:      owner,
		Token:      uuid.New().String(),
		Operation:  op,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(s.config.LockTTL).UnixMilli(),
	}

	s.locks[path] = lock
	s.lockTokens[lock.Token] = path

	copied := *lock
	return &copied, nil
}

// ReleaseLock releases the lock identified by token. Releasing a lock
// that is already gone or expired is a no-op.
func (s *MemoryStore) ReleaseLock(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.lockTokens[token]
	if !ok {
		return nil
	}

	lock := s.locks[path]
	if lock != nil && lock.Token == token {
		delete(s.locks, path)
	}
	delete(s.lockTokens, token)

	return nil
}

// ReleaseAllLocksForAgent releases every active lock owned by the agent
func (s *MemoryStore) ReleaseAllLocksForAgent(ctx context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	released := 0

	for path, lock := range s.locks {
		if lock.Owner == agentID && lock.Active(now) {
			delete(s.locks, path)
			delete(s.lockTokens, lock.Token)
			released++
		}
	}

	return released, nil
}

// GetAllLocks returns every lock record, expired ones included.
// Callers judge validity against ExpiresAt themselves.
func (s *MemoryStore) GetAllLocks(ctx context.Context) ([]models.FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locks := make([]models.FileLock, 0, len(s.locks))
	for _, lock := range s.locks {
		locks = append(locks, *lock)
	}
	return locks, nil
}

// CreateTask stores a new task in the queued state
func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = models.TaskQueued
	task.AssignedTo = ""
	task.CreatedAt = now
	task.UpdatedAt = now

	s.tasks[task.ID] = copyTask(task)
	return nil
}

// GetTask returns a task by id
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, models.NewError(models.CodeTaskNotFound, "task not found", false).
			WithDetail("task_id", taskID)
	}

	return copyTask(task), nil
}

// ClaimNextTask atomically assigns the highest-priority queued task to
// the agent. Returns nil without error when the queue is empty.
func (s *MemoryStore) ClaimNextTask(ctx context.Context, agentID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Task
	for _, task := range s.tasks {
		if task.Status != models.TaskQueued {
			continue
		}
		if best == nil || task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.CreatedAt < best.CreatedAt) {
			best = task
		}
	}

	if best == nil {
		return nil, nil
	}

	best.Status = models.TaskClaimed
	best.AssignedTo = agentID
	best.UpdatedAt = time.Now().UnixMilli()

	return copyTask(best), nil
}

// StartTask moves a claimed task to in_progress for its assignee
func (s *MemoryStore) StartTask(ctx context.Context, taskID, agentID string) error {
	return s.transition(taskID, agentID, models.TaskInProgress, nil, "")
}

// CompleteTask finishes a task and records its result
func (s *MemoryStore) CompleteTask(ctx context.Context, taskID string, result map[string]interface{}) error {
	return s.transition(taskID, "", models.TaskCompleted, result, "")
}

// FailTask marks a task failed with a reason
func (s *MemoryStore) FailTask(ctx context.Context, taskID, reason string) error {
	return s.transition(taskID, "", models.TaskFailed, nil, reason)
}

func (s *MemoryStore) transition(taskID, agentID string, to models.TaskStatus, result map[string]interface{}, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return models.NewError(models.CodeTaskNotFound, "task not found", false).
			WithDetail("task_id", taskID)
	}

	if !models.CanTransition(task.Status, to) {
		return models.NewError(models.CodeInvalidTransition, "illegal task transition", false).
			WithDetail("task_id", taskID).
			WithDetail("from", string(task.Status)).
			WithDetail("to", string(to))
	}

	if agentID != "" && task.AssignedTo != agentID {
		return models.NewError(models.CodeInvalidTransition, "task assigned to another agent", false).
			WithDetail("task_id", taskID).
			WithDetail("assigned_to", task.AssignedTo)
	}

	task.Status = to
	task.UpdatedAt = time.Now().UnixMilli()

	switch to {
	case models.TaskCompleted:
		task.Result = copyMap(result)
		task.AssignedTo = ""
	case models.TaskFailed:
		if reason != "" {
			if task.Result == nil {
				task.Result = make(map[string]interface{})
			}
			task.Result["failure_reason"] = reason
		}
		task.AssignedTo = ""
	}

	return nil
}

// ReassignTasksForAgent atomically requeues every in-flight task owned
// by the agent. The agent id is the precondition: tasks already claimed
// by a new owner are left untouched.
func (s *MemoryStore) ReassignTasksForAgent(ctx context.Context, agentID string) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	requeued := make([]models.Task, 0)

	for _, task := range s.tasks {
		if task.AssignedTo != agentID || !models.InFlight(task.Status) {
			continue
		}

		task.Status = models.TaskQueued
		task.AssignedTo = ""
		task.RetryCount++
		task.UpdatedAt = now

		requeued = append(requeued, *copyTask(task))
	}

	return requeued, nil
}

// RequeueStalledTasks requeues in-progress tasks whose last update is
// older than the cutoff, with the same conditional semantics as
// ReassignTasksForAgent.
func (s *MemoryStore) RequeueStalledTasks(ctx context.Context, cutoff time.Time) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoffMillis := cutoff.UnixMilli()
	now := time.Now().UnixMilli()
	requeued := make([]models.Task, 0)

	for _, task := range s.tasks {
		if task.Status != models.TaskInProgress || task.UpdatedAt >= cutoffMillis {
			continue
		}

		task.Status = models.TaskQueued
		task.AssignedTo = ""
		task.RetryCount++
		task.UpdatedAt = now

		requeued = append(requeued, *copyTask(task))
	}

	return requeued, nil
}

// GetSessionContext returns the context for a session, or nil when absent
func (s *MemoryStore) GetSessionContext(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}

	copied := *session
	copied.Messages = append([]models.ContextMessage(nil), session.Messages...)
	return &copied, nil
}

// SaveSessionContext stores a session context
func (s *MemoryStore) SaveSessionContext(ctx context.Context, session *models.SessionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session.LastUpdatedAt = time.Now().UnixMilli()

	copied := *session
	copied.Messages = append([]models.ContextMessage(nil), session.Messages...)
	s.sessions[session.SessionID] = &copied
	return nil
}

// Close releases no resources for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

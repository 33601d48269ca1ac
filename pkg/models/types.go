package models

import (
	"time"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskPriority defines task execution priority
type TaskPriority int

const (
	LowPriority      TaskPriority = 1
	NormalPriority   TaskPriority = 5
	HighPriority     TaskPriority = 10
	CriticalPriority TaskPriority = 15
)

// AgentStatus represents the liveness state of an agent
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentUnknown AgentStatus = "unknown"
)

// CircuitState represents circuit breaker state
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// LockOperation is the kind of access a file lock grants
type LockOperation string

const (
	LockRead  LockOperation = "read"
	LockWrite LockOperation = "write"
)

// HeartbeatKind distinguishes activity heartbeats from idle keepalives
type HeartbeatKind string

const (
	HeartbeatActive HeartbeatKind = "active"
	HeartbeatIdle   HeartbeatKind = "idle"
)

// Task represents a unit of work claimed and executed by an agent.
// AssignedTo is non-empty iff Status is claimed or in_progress.
type Task struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Status      TaskStatus             `json:"status"`
	Priority    TaskPriority           `json:"priority"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	AssignedTo  string                 `json:"assigned_to,omitempty"`
	SessionID   string                 `json:"session_id"`
	RetryCount  int                    `json:"retry_count"`
	CreatedAt   int64                  `json:"created_at"`
	UpdatedAt   int64                  `json:"updated_at"`
}

// FileLock is an exclusive claim on a path. At most one active lock
// exists per path; release requires presenting the matching token.
type FileLock struct {
	Path       string        `json:"path"`
	Owner      string        `json:"owner"`
	Token      string        `json:"token"`
	Operation  LockOperation `json:"operation"`
	AcquiredAt int64         `json:"acquired_at"`
	ExpiresAt  int64         `json:"expires_at"`
}

// Active reports whether the lock is still valid at the given time.
// Expiry is lazy: readers compare against ExpiresAt themselves instead
// of assuming a cleanup pass has already evicted the record.
func (l FileLock) Active(now time.Time) bool {
	return now.UnixMilli() < l.ExpiresAt
}

// ContextMessage is one entry in a session's ordered message log
type ContextMessage struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// SessionContext is the shared conversational state for all agents
// collaborating within one session.
type SessionContext struct {
	SessionID     string                 `json:"session_id"`
	Messages      []ContextMessage       `json:"messages"`
	SharedState   map[string]interface{} `json:"shared_state,omitempty"`
	LastUpdatedAt int64                  `json:"last_updated_at"`
}

// NewSessionContext creates an empty session context
func NewSessionContext(sessionID string) *SessionContext {
	return &SessionContext{
		SessionID:     sessionID,
		Messages:      make([]ContextMessage, 0),
		SharedState:   make(map[string]interface{}),
		LastUpdatedAt: time.Now().UnixMilli(),
	}
}

// AddMessage appends a message to the ordered log
func (s *SessionContext) AddMessage(msg ContextMessage) {
	s.Messages = append(s.Messages, msg)
	s.LastUpdatedAt = time.Now().UnixMilli()
}

// AgentHealth is the process-local liveness record for one agent.
// It is never persisted.
type AgentHealth struct {
	AgentID             string      `json:"agent_id"`
	Status              AgentStatus `json:"status"`
	LastHeartbeat       time.Time   `json:"last_heartbeat"`
	LastActivity        time.Time   `json:"last_activity"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	ActiveTasks         int         `json:"active_tasks"`
	HeldLocks           int         `json:"held_locks"`
}

// taskTransitions is the forward-only task state machine. The single
// backward edge is the recovery transition {claimed,in_progress} ->
// queued, handled separately in CanTransition.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:     {TaskClaimed},
	TaskClaimed:    {TaskInProgress, TaskFailed},
	TaskInProgress: {TaskCompleted, TaskFailed},
	TaskCompleted:  {},
	TaskFailed:     {},
}

// CanTransition reports whether a task status change is legal
func CanTransition(from, to TaskStatus) bool {
	// Recovery: in-flight work returns to the queue with the assignee cleared
	if to == TaskQueued && InFlight(from) {
		return true
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InFlight reports whether a status means an agent currently owns the task
func InFlight(status TaskStatus) bool {
	return status == TaskClaimed || status == TaskInProgress
}

package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Topics for coordination lifecycle events
const (
	TopicAgentOffline   = "loom.agents.offline"
	TopicAgentRecovered = "loom.agents.recovered"
	TopicTaskReassigned = "loom.tasks.reassigned"
	TopicLockReleased   = "loom.locks.released"
)

// Event types
const (
	TypeAgentOffline   = "agent.offline"
	TypeAgentRecovered = "agent.recovered"
	TypeTaskReassigned = "task.reassigned"
	TypeLockReleased   = "lock.released"
)

// Event is one coordination lifecycle notification. Events are
// best-effort telemetry for outside observers; the recovery path never
// depends on a consumer seeing them.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// NewEvent creates an event with a fresh id and current timestamp
func NewEvent(eventType, agentID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Publisher emits coordination events to an external bus
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
	Close() error
}

// NopPublisher discards all events. Used when no bus is configured.
type NopPublisher struct{}

// NewNopPublisher creates a publisher that drops everything
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish discards the event
func (p *NopPublisher) Publish(ctx context.Context, topic string, event Event) error {
	return nil
}

// Close is a no-op
func (p *NopPublisher) Close() error {
	return nil
}

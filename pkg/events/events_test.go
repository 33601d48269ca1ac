package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	payload := map[string]interface{}{"task_id": "t1"}
	event := NewEvent(TypeTaskReassigned, "agent-1", payload)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, TypeTaskReassigned, event.Type)
	assert.Equal(t, "agent-1", event.AgentID)
	assert.Equal(t, payload, event.Payload)
	assert.NotZero(t, event.Timestamp)

	other := NewEvent(TypeAgentOffline, "agent-1", nil)
	assert.NotEqual(t, event.ID, other.ID)
}

func TestNopPublisher(t *testing.T) {
	p := NewNopPublisher()
	err := p.Publish(context.Background(), TopicAgentOffline, NewEvent(TypeAgentOffline, "agent-1", nil))
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

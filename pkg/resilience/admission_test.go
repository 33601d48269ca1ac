package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdmissionFilterLimitsPerKey(t *testing.T) {
	f := NewAdmissionFilter(AdmissionConfig{Limit: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		assert.True(t, f.Allow("agent-1"))
	}
	assert.False(t, f.Allow("agent-1"))

	// Other keys are independent
	assert.True(t, f.Allow("agent-2"))
	assert.Equal(t, 3, f.Count("agent-1"))
	assert.Equal(t, 1, f.Count("agent-2"))
}

func TestAdmissionFilterWindowSlides(t *testing.T) {
	f := NewAdmissionFilter(AdmissionConfig{Limit: 2, Window: 30 * time.Millisecond})

	assert.True(t, f.Allow("agent-1"))
	assert.True(t, f.Allow("agent-1"))
	assert.False(t, f.Allow("agent-1"))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, f.Allow("agent-1"))
}

func TestAdmissionFilterForget(t *testing.T) {
	f := NewAdmissionFilter(AdmissionConfig{Limit: 1, Window: time.Minute})

	assert.True(t, f.Allow("agent-1"))
	assert.False(t, f.Allow("agent-1"))

	f.Forget("agent-1")
	assert.True(t, f.Allow("agent-1"))
}

func TestAdmissionFilterDefaults(t *testing.T) {
	f := NewAdmissionFilter(AdmissionConfig{})
	assert.Equal(t, 60, f.limit)
	assert.Equal(t, time.Minute, f.window)
}

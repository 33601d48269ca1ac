package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrAdmissionRejected = errors.New("admission limit exceeded")
)

// AdmissionFilter is a sliding-window admission controller: at most
// Limit events per key within the rolling Window. The coordinator puts
// it in front of heartbeat ingestion so a misbehaving agent cannot
// flood the registry.
type AdmissionFilter struct {
	limit  int
	window time.Duration

	events map[string][]time.Time
	mu     sync.Mutex
}

// AdmissionConfig holds configuration for the admission filter
type AdmissionConfig struct {
	Limit  int           // events allowed per window
	Window time.Duration // rolling window size
}

// DefaultAdmissionConfig returns sensible defaults
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		Limit:  60,
		Window: time.Minute,
	}
}

// NewAdmissionFilter creates a new sliding-window admission filter
func NewAdmissionFilter(config AdmissionConfig) *AdmissionFilter {
	if config.Limit <= 0 {
		config.Limit = 60
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}

	return &AdmissionFilter{
		limit:  config.Limit,
		window: config.Window,
		events: make(map[string][]time.Time),
	}
}

// Allow records an event for the key and reports whether it fits in the
// current window.
func (f *AdmissionFilter) Allow(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-f.window)

	kept := f.events[key][:0]
	for _, ts := range f.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= f.limit {
		f.events[key] = kept
		return false
	}

	f.events[key] = append(kept, now)
	return true
}

// Count returns the number of events currently in the window for a key
func (f *AdmissionFilter) Count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-f.window)
	n := 0
	for _, ts := range f.events[key] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// Forget drops all recorded events for a key
func (f *AdmissionFilter) Forget(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, key)
}

package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/logging"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/resilience"
	"github.com/loomhq/loom/pkg/store"
)

// fakeClock lets tests move monitor time without sleeping
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(t *testing.T, config Config, st store.StateStore) (*Monitor, *fakeClock) {
	t.Helper()
	m := NewMonitor(config, st, logging.NewNopLogger())
	clock := newFakeClock()
	m.now = clock.Now
	return m, clock
}

func TestOfflineDetectionFiresExactlyOnce(t *testing.T) {
	st := store.NewMemoryStore(store.DefaultConfig())

	var offline []string
	config := DefaultConfig()
	config.AgentTimeout = 60 * time.Second
	config.OnAgentOffline = func(agentID string) {
		offline = append(offline, agentID)
	}

	m, clock := newTestMonitor(t, config, st)
	ctx := context.Background()

	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatActive)

	// Just inside the timeout: still online
	clock.Advance(59 * time.Second)
	assert.Equal(t, 0, m.CheckNow(ctx))
	assert.Empty(t, offline)

	// Past the timeout: offline, once
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, m.CheckNow(ctx))
	assert.Equal(t, []string{"agent-1"}, offline)

	// Further sweeps do not re-fire
	clock.Advance(time.Hour)
	assert.Equal(t, 0, m.CheckNow(ctx))
	assert.Equal(t, []string{"agent-1"}, offline)

	agent, ok := m.AgentHealth("agent-1")
	require.True(t, ok)
	assert.Equal(t, models.AgentOffline, agent.Status)
}

func TestHeartbeatRevivesOfflineAgent(t *testing.T) {
	st := store.NewMemoryStore(store.DefaultConfig())

	var online []string
	config := DefaultConfig()
	config.OnAgentOnline = func(agentID string) {
		online = append(online, agentID)
	}

	m, clock := newTestMonitor(t, config, st)
	ctx := context.Background()

	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatActive)
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.CheckNow(ctx))

	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatIdle)
	assert.Equal(t, []string{"agent-1"}, online)

	agent, ok := m.AgentHealth("agent-1")
	require.True(t, ok)
	assert.Equal(t, models.AgentOnline, agent.Status)
	assert.Equal(t, 0, agent.ConsecutiveFailures)

	// And it can go offline again later
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.CheckNow(ctx))
}

func TestIdleHeartbeatDoesNotAdvanceActivity(t *testing.T) {
	st := store.NewMemoryStore(store.DefaultConfig())
	m, clock := newTestMonitor(t, DefaultConfig(), st)

	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatActive)
	first, _ := m.AgentHealth("agent-1")

	clock.Advance(10 * time.Second)
	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatIdle)

	agent, _ := m.AgentHealth("agent-1")
	assert.Equal(t, first.LastActivity, agent.LastActivity)
	assert.True(t, agent.LastHeartbeat.After(first.LastHeartbeat))

	clock.Advance(10 * time.Second)
	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatActive)
	agent, _ = m.AgentHealth("agent-1")
	assert.True(t, agent.LastActivity.After(first.LastActivity))
}

func TestRecoveryReleasesLocksAndRequeuesTasks(t *testing.T) {
	st := store.NewMemoryStore(store.DefaultConfig())
	ctx := context.Background()

	_, err := st.AcquireLock(ctx, "/a", "agent-1", models.LockWrite)
	require.NoError(t, err)
	_, err = st.AcquireLock(ctx, "/b", "agent-1", models.LockRead)
	require.NoError(t, err)

	task := &models.Task{Type: "build"}
	require.NoError(t, st.CreateTask(ctx, task))
	_, err = st.ClaimNextTask(ctx, "agent-1")
	require.NoError(t, err)
	require.NoError(t, st.StartTask(ctx, task.ID, "agent-1"))

	var reassigned []models.Task
	var lockOwner string
	var lockCount int

	config := DefaultConfig()
	config.OnTaskReassigned = func(t models.Task) { reassigned = append(reassigned, t) }
	config.OnLockReleased = func(agentID string, count int) {
		lockOwner = agentID
		lockCount = count
	}

	m, clock := newTestMonitor(t, config, st)
	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatActive)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.CheckNow(ctx))

	assert.Equal(t, "agent-1", lockOwner)
	assert.Equal(t, 2, lockCount)
	require.Len(t, reassigned, 1)
	assert.Equal(t, task.ID, reassigned[0].ID)
	assert.Equal(t, 1, reassigned[0].RetryCount)

	locks, err := st.GetAllLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	recovered, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, recovered.Status)
	assert.Empty(t, recovered.AssignedTo)

	stats := m.MonitorStats()
	assert.Equal(t, int64(2), stats.LocksReleased)
	assert.Equal(t, int64(1), stats.TasksReassigned)
	assert.Equal(t, int64(1), stats.OfflineEvents)
}

// outageStore fails recovery writes until healed
type outageStore struct {
	store.StateStore
	healed bool
}

func (s *outageStore) ReleaseAllLocksForAgent(ctx context.Context, agentID string) (int, error) {
	if !s.healed {
		return 0, models.NewError(models.CodeStoreUnavailable, "store down", true)
	}
	return s.StateStore.ReleaseAllLocksForAgent(ctx, agentID)
}

func TestRecoveryReattemptedAfterStoreOutage(t *testing.T) {
	mem := store.NewMemoryStore(store.DefaultConfig())
	st := &outageStore{StateStore: mem}
	ctx := context.Background()

	_, err := mem.AcquireLock(ctx, "/a", "agent-1", models.LockWrite)
	require.NoError(t, err)

	task := &models.Task{Type: "build"}
	require.NoError(t, mem.CreateTask(ctx, task))
	_, err = mem.ClaimNextTask(ctx, "agent-1")
	require.NoError(t, err)

	var offline []string
	config := DefaultConfig()
	config.RecoveryRetry = resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, EnableJitter: false}
	config.OnAgentOffline = func(agentID string) { offline = append(offline, agentID) }

	m, clock := newTestMonitor(t, config, st)
	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatActive)

	// The outage outlasts the retry budget; the agent's state must stay put
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.CheckNow(ctx))
	require.Equal(t, []string{"agent-1"}, offline)

	stuck, err := mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskClaimed, stuck.Status)
	assert.Equal(t, "agent-1", stuck.AssignedTo)

	// Once the store heals, the next sweep finishes the recovery without
	// a second offline event
	st.healed = true
	clock.Advance(time.Hour)
	assert.Equal(t, 0, m.CheckNow(ctx))
	assert.Equal(t, []string{"agent-1"}, offline)

	recovered, err := mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, recovered.Status)
	assert.Empty(t, recovered.AssignedTo)
	assert.Equal(t, 1, recovered.RetryCount)

	locks, err := mem.GetAllLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	// Recovery is done; further sweeps leave the store alone
	clock.Advance(time.Hour)
	assert.Equal(t, 0, m.CheckNow(ctx))
	fresh, err := mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.RetryCount)
}

func TestHeartbeatCancelsPendingRecovery(t *testing.T) {
	mem := store.NewMemoryStore(store.DefaultConfig())
	st := &outageStore{StateStore: mem}
	ctx := context.Background()

	task := &models.Task{Type: "build"}
	require.NoError(t, mem.CreateTask(ctx, task))
	_, err := mem.ClaimNextTask(ctx, "agent-1")
	require.NoError(t, err)

	config := DefaultConfig()
	config.RecoveryRetry = resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, EnableJitter: false}

	m, clock := newTestMonitor(t, config, st)
	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatActive)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.CheckNow(ctx))

	// The agent comes back before the store heals: it still owns its work
	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatActive)
	st.healed = true
	assert.Equal(t, 0, m.CheckNow(ctx))

	kept, err := mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskClaimed, kept.Status)
	assert.Equal(t, "agent-1", kept.AssignedTo)
}

func TestCleanupForceReleasesStaleLocks(t *testing.T) {
	st := store.NewMemoryStore(store.Config{LockTTL: time.Hour})
	ctx := context.Background()

	_, err := st.AcquireLock(ctx, "/stale", "agent-1", models.LockWrite)
	require.NoError(t, err)

	config := DefaultConfig()
	config.LockTimeout = 5 * time.Minute

	m, clock := newTestMonitor(t, config, st)

	// Within the timeout nothing happens
	released, _ := m.CleanupNow(ctx)
	assert.Equal(t, 0, released)

	clock.Advance(6 * time.Minute)
	released, _ = m.CleanupNow(ctx)
	assert.Equal(t, 1, released)

	locks, err := st.GetAllLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestCleanupRequeuesStalledTasks(t *testing.T) {
	st := store.NewMemoryStore(store.DefaultConfig())
	ctx := context.Background()

	task := &models.Task{Type: "build"}
	require.NoError(t, st.CreateTask(ctx, task))
	_, err := st.ClaimNextTask(ctx, "agent-1")
	require.NoError(t, err)
	require.NoError(t, st.StartTask(ctx, task.ID, "agent-1"))

	config := DefaultConfig()
	config.TaskTimeout = 10 * time.Minute

	m, clock := newTestMonitor(t, config, st)

	_, requeued := m.CleanupNow(ctx)
	assert.Empty(t, requeued)

	clock.Advance(11 * time.Minute)
	_, requeued = m.CleanupNow(ctx)
	require.Len(t, requeued, 1)
	assert.Equal(t, task.ID, requeued[0].ID)

	stats := m.MonitorStats()
	assert.Equal(t, int64(1), stats.StaleRequeued)
}

func TestRegisterAndUnregister(t *testing.T) {
	st := store.NewMemoryStore(store.DefaultConfig())
	m, _ := newTestMonitor(t, DefaultConfig(), st)

	m.Register("agent-1")
	m.Register("agent-1") // idempotent
	m.Register("agent-2")

	assert.Len(t, m.AllAgents(), 2)

	stats := m.MonitorStats()
	assert.Equal(t, 2, stats.AgentsOnline)
	assert.Equal(t, 0, stats.AgentsOffline)

	m.Unregister("agent-1")
	assert.Len(t, m.AllAgents(), 1)

	_, ok := m.AgentHealth("agent-1")
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	st := store.NewMemoryStore(store.DefaultConfig())
	m := NewMonitor(DefaultConfig(), st, logging.NewNopLogger())

	m.Start(context.Background())
	m.RecordHeartbeat("agent-1", time.Time{}, models.HeartbeatActive)
	m.Stop()
}

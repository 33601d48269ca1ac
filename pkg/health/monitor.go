package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomhq/loom/pkg/logging"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/resilience"
	"github.com/loomhq/loom/pkg/store"
)

// Monitor tracks agent liveness from heartbeats and drives recovery
// when an agent goes silent: its locks are released and its in-flight
// tasks go back to the queue. The registry is process-local state,
// rebuilt from heartbeats after a restart.
type Monitor struct {
	config Config
	store  store.StateStore
	logger logging.Logger

	// Recovery writes bypass the regular traffic path and carry their
	// own retry policy, so a recovering store does not trap the very
	// writes that clean up after a dead agent.
	recoveryRetryer *resilience.Retryer

	agents  map[string]*models.AgentHealth
	pending map[string]struct{} // offline agents whose recovery has not yet succeeded
	mu      sync.Mutex

	checksRun       atomic.Int64
	cleanupRuns     atomic.Int64
	offlineEvents   atomic.Int64
	locksReleased   atomic.Int64
	tasksReassigned atomic.Int64
	staleRequeued   atomic.Int64

	startedAt time.Time
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds health monitor configuration
type Config struct {
	CheckInterval time.Duration // how often the liveness sweep runs
	AgentTimeout  time.Duration // heartbeat silence before an agent is offline
	LockTimeout   time.Duration // lock age before the cleanup sweep force-releases it
	TaskTimeout   time.Duration // in-progress silence before a task is requeued

	RecoveryRetry resilience.RetryConfig

	OnAgentOffline   func(agentID string)
	OnAgentOnline    func(agentID string)
	OnTaskReassigned func(task models.Task)
	OnLockReleased   func(agentID string, count int)
}

// cleanupInterval is fixed; the sweep is cheap and its cadence is not
// worth a knob.
const cleanupInterval = 60 * time.Second

// DefaultConfig returns default health monitor configuration
func DefaultConfig() Config {
	return Config{
		CheckInterval: 30 * time.Second,
		AgentTimeout:  60 * time.Second,
		LockTimeout:   5 * time.Minute,
		TaskTimeout:   10 * time.Minute,
		RecoveryRetry: resilience.RetryConfig{
			MaxRetries:   5,
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			EnableJitter: true,
		},
	}
}

// NewMonitor creates a health monitor backed by the given store
func NewMonitor(config Config, st store.StateStore, logger logging.Logger) *Monitor {
	defaults := DefaultConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.AgentTimeout <= 0 {
		config.AgentTimeout = defaults.AgentTimeout
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaults.LockTimeout
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.RecoveryRetry.MaxRetries <= 0 {
		config.RecoveryRetry = defaults.RecoveryRetry
	}

	return &Monitor{
		config:          config,
		store:           st,
		logger:          logger.With(logging.String("component", "health_monitor")),
		recoveryRetryer: resilience.NewRetryer(config.RecoveryRetry),
		agents:          make(map[string]*models.AgentHealth),
		pending:         make(map[string]struct{}),
		startedAt:       time.Now(),
		now:             time.Now,
	}
}

// Start launches the liveness and cleanup loops
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.checkLoop(ctx)
	go m.cleanupLoop(ctx)

	m.logger.Info("health monitor started",
		logging.Duration("check_interval", m.config.CheckInterval),
		logging.Duration("agent_timeout", m.config.AgentTimeout))
}

// Stop shuts down the background loops and waits for them to exit
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) checkLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

func (m *Monitor) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupNow(ctx)
		}
	}
}

// Register adds an agent to the registry in the online state. Agents
// are also registered implicitly by their first heartbeat.
func (m *Monitor) Register(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; ok {
		return
	}

	now := m.now()
	m.agents[agentID] = &models.AgentHealth{
		AgentID:       agentID,
		Status:        models.AgentOnline,
		LastHeartbeat: now,
		LastActivity:  now,
	}
}

// Unregister removes an agent without running recovery
func (m *Monitor) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
	delete(m.pending, agentID)
}

// RecordHeartbeat notes a heartbeat from an agent, registering it if
// unknown. A zero ts means "now". An offline agent that heartbeats
// again is brought back online; the heartbeat always wins over a
// pending offline mark because both run under the registry lock. Only
// active heartbeats advance LastActivity; idle keepalives prove
// liveness without claiming work.
func (m *Monitor) RecordHeartbeat(agentID string, ts time.Time, kind models.HeartbeatKind) {
	var cameOnline bool

	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		agent = &models.AgentHealth{AgentID: agentID, Status: models.AgentOnline}
		m.agents[agentID] = agent
	}

	if ts.IsZero() {
		ts = m.now()
	}
	agent.LastHeartbeat = ts
	agent.ConsecutiveFailures = 0
	if kind == models.HeartbeatActive {
		agent.LastActivity = ts
	}
	if agent.Status != models.AgentOnline {
		agent.Status = models.AgentOnline
		cameOnline = true
		// A live agent owns its state again; no recovery to finish
		delete(m.pending, agentID)
	}
	m.mu.Unlock()

	if cameOnline {
		m.logger.Info("agent back online", logging.String("agent_id", agentID))
		if m.config.OnAgentOnline != nil {
			m.config.OnAgentOnline(agentID)
		}
	}
}

// UpdateWorkload records the agent's current task and lock counts
func (m *Monitor) UpdateWorkload(agentID string, activeTasks, heldLocks int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent, ok := m.agents[agentID]; ok {
		agent.ActiveTasks = activeTasks
		agent.HeldLocks = heldLocks
	}
}

// CheckNow runs one synchronous liveness sweep and returns how many
// agents were newly marked offline. The offline transition fires
// exactly once per silence: an agent already offline is skipped until a
// heartbeat brings it back. An offline agent whose recovery writes have
// not yet succeeded is retried on every sweep until they do, so a store
// outage that outlasts one retry budget cannot strand its tasks.
func (m *Monitor) CheckNow(ctx context.Context) int {
	m.checksRun.Add(1)

	now := m.now()
	var failed []string
	var unrecovered []string

	m.mu.Lock()
	for id, agent := range m.agents {
		if agent.Status != models.AgentOnline {
			if _, ok := m.pending[id]; ok {
				unrecovered = append(unrecovered, id)
			}
			continue
		}
		if now.Sub(agent.LastHeartbeat) > m.config.AgentTimeout {
			agent.Status = models.AgentOffline
			agent.ConsecutiveFailures++
			failed = append(failed, id)
		}
	}
	m.mu.Unlock()

	for _, agentID := range failed {
		m.offlineEvents.Add(1)
		m.logger.Warn("agent went offline",
			logging.String("agent_id", agentID),
			logging.Duration("agent_timeout", m.config.AgentTimeout))

		if m.config.OnAgentOffline != nil {
			m.config.OnAgentOffline(agentID)
		}

		m.recoverAgent(ctx, agentID)
	}

	for _, agentID := range unrecovered {
		m.logger.Warn("reattempting agent recovery",
			logging.String("agent_id", agentID))
		m.recoverAgent(ctx, agentID)
	}

	return len(failed)
}

// recoverAgent releases the dead agent's locks and requeues its
// in-flight tasks. Both writes go through the recovery retryer; if the
// budget runs out the agent is marked pending and the next liveness
// sweep tries again.
func (m *Monitor) recoverAgent(ctx context.Context, agentID string) {
	var released int
	var requeued []models.Task

	err := m.recoveryRetryer.Execute(ctx, func(ctx context.Context) error {
		n, err := m.store.ReleaseAllLocksForAgent(ctx, agentID)
		if err != nil {
			return err
		}
		released = n

		tasks, err := m.store.ReassignTasksForAgent(ctx, agentID)
		if err != nil {
			return err
		}
		requeued = tasks
		return nil
	})
	if err != nil {
		m.mu.Lock()
		m.pending[agentID] = struct{}{}
		m.mu.Unlock()
		m.logger.Error("agent recovery failed",
			logging.String("agent_id", agentID),
			logging.Err(err))
		return
	}

	m.locksReleased.Add(int64(released))
	m.tasksReassigned.Add(int64(len(requeued)))

	m.mu.Lock()
	delete(m.pending, agentID)
	if agent, ok := m.agents[agentID]; ok {
		agent.ActiveTasks = 0
		agent.HeldLocks = 0
	}
	m.mu.Unlock()

	m.logger.Info("agent recovered",
		logging.String("agent_id", agentID),
		logging.Int("locks_released", released),
		logging.Int("tasks_requeued", len(requeued)))

	if released > 0 && m.config.OnLockReleased != nil {
		m.config.OnLockReleased(agentID, released)
	}
	if m.config.OnTaskReassigned != nil {
		for _, task := range requeued {
			m.config.OnTaskReassigned(task)
		}
	}
}

// CleanupNow runs one synchronous cleanup sweep: locks older than the
// lock timeout are force-released regardless of owner liveness, and
// in-progress tasks silent past the task timeout go back to the queue.
// Returns the released lock count and the requeued tasks.
func (m *Monitor) CleanupNow(ctx context.Context) (int, []models.Task) {
	m.cleanupRuns.Add(1)

	now := m.now()
	released := 0

	locks, err := m.store.GetAllLocks(ctx)
	if err != nil {
		m.logger.Error("cleanup lock scan failed", logging.Err(err))
	} else {
		timeoutMillis := m.config.LockTimeout.Milliseconds()
		for _, lock := range locks {
			if now.UnixMilli()-lock.AcquiredAt <= timeoutMillis {
				continue
			}
			if err := m.store.ReleaseLock(ctx, lock.Token); err != nil {
				m.logger.Error("stale lock release failed",
					logging.String("path", lock.Path),
					logging.Err(err))
				continue
			}
			released++
			m.logger.Warn("force-released stale lock",
				logging.String("path", lock.Path),
				logging.String("owner", lock.Owner))
			if m.config.OnLockReleased != nil {
				m.config.OnLockReleased(lock.Owner, 1)
			}
		}
	}
	m.locksReleased.Add(int64(released))

	cutoff := now.Add(-m.config.TaskTimeout)
	requeued, err := m.store.RequeueStalledTasks(ctx, cutoff)
	if err != nil {
		m.logger.Error("stalled task requeue failed", logging.Err(err))
		return released, nil
	}

	m.staleRequeued.Add(int64(len(requeued)))
	for _, task := range requeued {
		m.logger.Warn("requeued stalled task", logging.String("task_id", task.ID))
		if m.config.OnTaskReassigned != nil {
			m.config.OnTaskReassigned(task)
		}
	}

	return released, requeued
}

// AgentHealth returns a snapshot of one agent's liveness record
func (m *Monitor) AgentHealth(agentID string) (models.AgentHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return models.AgentHealth{}, false
	}
	return *agent, true
}

// AllAgents returns a snapshot of every registered agent
func (m *Monitor) AllAgents() []models.AgentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	agents := make([]models.AgentHealth, 0, len(m.agents))
	for _, agent := range m.agents {
		agents = append(agents, *agent)
	}
	return agents
}

// Stats is a snapshot of monitor counters
type Stats struct {
	ChecksRun       int64
	CleanupRuns     int64
	OfflineEvents   int64
	LocksReleased   int64
	TasksReassigned int64
	StaleRequeued   int64
	AgentsOnline    int
	AgentsOffline   int
	Uptime          time.Duration
}

// MonitorStats returns current monitor statistics
func (m *Monitor) MonitorStats() Stats {
	m.mu.Lock()
	online, offline := 0, 0
	for _, agent := range m.agents {
		if agent.Status == models.AgentOnline {
			online++
		} else {
			offline++
		}
	}
	m.mu.Unlock()

	return Stats{
		ChecksRun:       m.checksRun.Load(),
		CleanupRuns:     m.cleanupRuns.Load(),
		OfflineEvents:   m.offlineEvents.Load(),
		LocksReleased:   m.locksReleased.Load(),
		TasksReassigned: m.tasksReassigned.Load(),
		StaleRequeued:   m.staleRequeued.Load(),
		AgentsOnline:    online,
		AgentsOffline:   offline,
		Uptime:          time.Since(m.startedAt),
	}
}

package coordinator

import (
	"context"
	"time"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/health"
	"github.com/loomhq/loom/pkg/logging"
	"github.com/loomhq/loom/pkg/metrics"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/resilience"
	"github.com/loomhq/loom/pkg/store"
)

// Coordinator is the coordination core: every task, lock, and session
// operation flows through it, protected by a retryer wrapping a circuit
// breaker on the store path. Agent liveness and failure recovery are
// delegated to the health monitor, whose recovery writes go straight to
// the store so an open breaker cannot block cleanup after a dead agent.
type Coordinator struct {
	config Config

	store     store.StateStore
	breaker   *resilience.CircuitBreaker
	retryer   *resilience.Retryer
	monitor   *health.Monitor
	admission *resilience.AdmissionFilter
	publisher events.Publisher
	collector metrics.Collector
	logger    logging.Logger
}

// Config holds coordinator configuration
type Config struct {
	Breaker   resilience.CircuitBreakerConfig
	Retry     resilience.RetryConfig
	Health    health.Config
	Admission resilience.AdmissionConfig

	EventTimeout time.Duration // budget for publishing one event
}

// DefaultConfig returns default coordinator configuration
func DefaultConfig() Config {
	return Config{
		Breaker:      resilience.DefaultCircuitBreakerConfig("state_store"),
		Retry:        resilience.DefaultRetryConfig(),
		Health:       health.DefaultConfig(),
		Admission:    resilience.DefaultAdmissionConfig(),
		EventTimeout: 5 * time.Second,
	}
}

// New creates a coordinator over the given store. The publisher and
// collector may be nop implementations.
func New(config Config, st store.StateStore, publisher events.Publisher, collector metrics.Collector, logger logging.Logger) *Coordinator {
	if config.EventTimeout <= 0 {
		config.EventTimeout = 5 * time.Second
	}
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}

	c := &Coordinator{
		config:    config,
		store:     st,
		admission: resilience.NewAdmissionFilter(config.Admission),
		publisher: publisher,
		collector: collector,
		logger:    logger.With(logging.String("component", "coordinator")),
	}

	breakerCfg := config.Breaker
	userOnStateChange := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to models.CircuitState) {
		c.logger.Warn("circuit breaker state changed",
			logging.String("breaker", breakerCfg.Name),
			logging.String("from", string(from)),
			logging.String("to", string(to)))
		c.collector.SetGauge(metrics.CircuitBreakerState.Name,
			circuitStateValue(to), metrics.Labels("breaker", breakerCfg.Name))
		if userOnStateChange != nil {
			userOnStateChange(from, to)
		}
	}
	c.breaker = resilience.NewCircuitBreaker(breakerCfg)

	retryCfg := config.Retry
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.collector.IncrementCounter(metrics.RetryAttempts.Name,
			metrics.Labels("operation", "store", "outcome", "retried"))
		c.logger.Debug("retrying store operation",
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Err(err))
	}
	c.retryer = resilience.NewRetryer(retryCfg)

	healthCfg := config.Health
	healthCfg.OnAgentOffline = c.onAgentOffline
	healthCfg.OnAgentOnline = c.onAgentOnline
	healthCfg.OnTaskReassigned = c.onTaskReassigned
	healthCfg.OnLockReleased = c.onLockReleased
	c.monitor = health.NewMonitor(healthCfg, st, logger)

	return c
}

// Start launches the health monitor loops
func (c *Coordinator) Start(ctx context.Context) {
	c.monitor.Start(ctx)
	c.logger.Info("coordinator started")
}

// Stop shuts down the monitor, the event publisher, and the store
func (c *Coordinator) Stop() {
	c.monitor.Stop()
	if err := c.publisher.Close(); err != nil {
		c.logger.Warn("event publisher close failed", logging.Err(err))
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("store close failed", logging.Err(err))
	}
	c.logger.Info("coordinator stopped")
}

// execute runs a store operation under the regular traffic policy:
// retry with backoff around the circuit breaker. A rejected call is
// retryable, so a brief open window is ridden out by the retryer.
func (c *Coordinator) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()

	err := c.retryer.Execute(ctx, func(ctx context.Context) error {
		err := c.breaker.Execute(ctx, fn)
		if models.CodeOf(err) == models.CodeCircuitOpen {
			c.collector.IncrementCounter(metrics.CircuitBreakerRejections.Name,
				metrics.Labels("breaker", c.breaker.Name()))
		}
		return err
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.collector.ObserveDuration(metrics.StoreOperationDuration.Name, start,
		metrics.Labels("operation", operation))
	c.collector.IncrementCounter(metrics.StoreOperations.Name,
		metrics.Labels("operation", operation, "status", status))

	return err
}

// RecordHeartbeat ingests one heartbeat, subject to per-agent admission
// limits. A zero ts stamps the heartbeat on arrival. A rejected
// heartbeat does not count toward liveness.
func (c *Coordinator) RecordHeartbeat(agentID string, ts time.Time, kind models.HeartbeatKind) error {
	if !c.admission.Allow(agentID) {
		c.collector.IncrementCounter(metrics.HeartbeatsRejected.Name, nil)
		return models.NewError(models.CodeAdmissionRejected, "heartbeat rate limit exceeded", true).
			WithDetail("agent_id", agentID)
	}

	c.monitor.RecordHeartbeat(agentID, ts, kind)
	c.collector.IncrementCounter(metrics.HeartbeatsReceived.Name,
		metrics.Labels("kind", string(kind)))
	c.updateAgentGauges()
	return nil
}

// RegisterAgent adds an agent to the liveness registry
func (c *Coordinator) RegisterAgent(agentID string) {
	c.monitor.Register(agentID)
	c.updateAgentGauges()
}

// UnregisterAgent removes an agent from the registry without recovery.
// Orderly shutdown: the agent is expected to have released its own
// locks and finished or failed its tasks.
func (c *Coordinator) UnregisterAgent(agentID string) {
	c.monitor.Unregister(agentID)
	c.admission.Forget(agentID)
	c.updateAgentGauges()
}

// AgentHealth returns one agent's liveness snapshot
func (c *Coordinator) AgentHealth(agentID string) (models.AgentHealth, bool) {
	return c.monitor.AgentHealth(agentID)
}

// AllAgents returns every registered agent's liveness snapshot
func (c *Coordinator) AllAgents() []models.AgentHealth {
	return c.monitor.AllAgents()
}

// SubmitTask queues a new task
func (c *Coordinator) SubmitTask(ctx context.Context, task *models.Task) error {
	return c.execute(ctx, "create_task", func(ctx context.Context) error {
		return c.store.CreateTask(ctx, task)
	})
}

// GetTask returns a task by id
func (c *Coordinator) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task *models.Task
	err := c.execute(ctx, "get_task", func(ctx context.Context) error {
		t, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// ClaimTask assigns the best queued task to the agent, or nil when the
// queue is empty.
func (c *Coordinator) ClaimTask(ctx context.Context, agentID string) (*models.Task, error) {
	var task *models.Task
	err := c.execute(ctx, "claim_task", func(ctx context.Context) error {
		t, err := c.store.ClaimNextTask(ctx, agentID)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// StartTask moves a claimed task to in_progress
func (c *Coordinator) StartTask(ctx context.Context, taskID, agentID string) error {
	return c.execute(ctx, "start_task", func(ctx context.Context) error {
		return c.store.StartTask(ctx, taskID, agentID)
	})
}

// CompleteTask finishes a task with a result
func (c *Coordinator) CompleteTask(ctx context.Context, taskID string, result map[string]interface{}) error {
	return c.execute(ctx, "complete_task", func(ctx context.Context) error {
		return c.store.CompleteTask(ctx, taskID, result)
	})
}

// FailTask marks a task failed
func (c *Coordinator) FailTask(ctx context.Context, taskID, reason string) error {
	return c.execute(ctx, "fail_task", func(ctx context.Context) error {
		return c.store.FailTask(ctx, taskID, reason)
	})
}

// AcquireLock takes an exclusive lock on a path for the agent
func (c *Coordinator) AcquireLock(ctx context.Context, path, agentID string, op models.LockOperation) (*models.FileLock, error) {
	var lock *models.FileLock
	err := c.execute(ctx, "acquire_lock", func(ctx context.Context) error {
		l, err := c.store.AcquireLock(ctx, path, agentID, op)
		if err != nil {
			return err
		}
		lock = l
		return nil
	})
	return lock, err
}

// ReleaseLock releases a lock by token
func (c *Coordinator) ReleaseLock(ctx context.Context, token string) error {
	return c.execute(ctx, "release_lock", func(ctx context.Context) error {
		return c.store.ReleaseLock(ctx, token)
	})
}

// GetSessionContext returns the shared context for a session
func (c *Coordinator) GetSessionContext(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	var session *models.SessionContext
	err := c.execute(ctx, "get_session", func(ctx context.Context) error {
		s, err := c.store.GetSessionContext(ctx, sessionID)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	return session, err
}

// SaveSessionContext stores the shared context for a session
func (c *Coordinator) SaveSessionContext(ctx context.Context, session *models.SessionContext) error {
	return c.execute(ctx, "save_session", func(ctx context.Context) error {
		return c.store.SaveSessionContext(ctx, session)
	})
}

// CheckNow runs one synchronous liveness sweep
func (c *Coordinator) CheckNow(ctx context.Context) int {
	n := c.monitor.CheckNow(ctx)
	c.updateAgentGauges()
	return n
}

// CleanupNow runs one synchronous cleanup sweep
func (c *Coordinator) CleanupNow(ctx context.Context) (int, []models.Task) {
	return c.monitor.CleanupNow(ctx)
}

// Stats is an aggregate snapshot of the coordinator's moving parts
type Stats struct {
	Breaker resilience.CircuitBreakerStats
	Retry   resilience.RetryStats
	Health  health.Stats
}

// Stats returns current coordinator statistics
func (c *Coordinator) Stats() Stats {
	return Stats{
		Breaker: c.breaker.Stats(),
		Retry:   c.retryer.Stats(),
		Health:  c.monitor.MonitorStats(),
	}
}

func (c *Coordinator) onAgentOffline(agentID string) {
	c.updateAgentGauges()
	c.publish(events.TopicAgentOffline, events.NewEvent(events.TypeAgentOffline, agentID, nil))
}

func (c *Coordinator) onAgentOnline(agentID string) {
	c.updateAgentGauges()
	c.publish(events.TopicAgentRecovered, events.NewEvent(events.TypeAgentRecovered, agentID, nil))
}

func (c *Coordinator) onTaskReassigned(task models.Task) {
	c.collector.IncrementCounter(metrics.TasksReassigned.Name,
		metrics.Labels("reason", "recovery"))
	c.publish(events.TopicTaskReassigned, events.NewEvent(events.TypeTaskReassigned, task.AssignedTo,
		map[string]interface{}{
			"task_id":     task.ID,
			"retry_count": task.RetryCount,
		}))
}

func (c *Coordinator) onLockReleased(agentID string, count int) {
	c.collector.AddCounter(metrics.LocksReleased.Name, float64(count),
		metrics.Labels("reason", "recovery"))
	c.publish(events.TopicLockReleased, events.NewEvent(events.TypeLockReleased, agentID,
		map[string]interface{}{"count": count}))
}

// publish emits one event on a detached context. Event delivery is
// best-effort; a failure is logged and never propagated.
func (c *Coordinator) publish(topic string, event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.EventTimeout)
	defer cancel()

	if err := c.publisher.Publish(ctx, topic, event); err != nil {
		c.logger.Warn("event publish failed",
			logging.String("topic", topic),
			logging.String("event_type", event.Type),
			logging.Err(err))
	}
}

func (c *Coordinator) updateAgentGauges() {
	stats := c.monitor.MonitorStats()
	c.collector.SetGauge(metrics.AgentsOnline.Name, float64(stats.AgentsOnline), nil)
	c.collector.SetGauge(metrics.AgentsOffline.Name, float64(stats.AgentsOffline), nil)
}

func circuitStateValue(state models.CircuitState) float64 {
	switch state {
	case models.CircuitOpen:
		return 1
	case models.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}

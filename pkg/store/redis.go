package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/pkg/models"
)

// Key layout under the configured prefix
const (
	keyPrefixLock      = "lock:"      // lock:<path> -> FileLock JSON
	keyPrefixLockToken = "locktoken:" // locktoken:<token> -> path
	keyPrefixAgentLock = "agentlocks:" // agentlocks:<agent> -> set of paths
	keyPrefixTask      = "task:"      // task:<id> -> Task JSON
	keyPrefixAgentTask = "agenttasks:" // agenttasks:<agent> -> set of task ids
	keyPrefixSession   = "session:"   // session:<id> -> SessionContext JSON
	keyQueuedTasks     = "tasks:queued"   // zset, score = priority
	keyInFlightTasks   = "tasks:inflight" // set of claimed/in_progress ids
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultRedisConfig returns sensible defaults
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:   "localhost:6379",
		DB:        0,
		KeyPrefix: "loom:",
	}
}

// RedisStore implements StateStore on Redis. Every multi-key mutation
// runs as a Lua script so the §4.4-style conditional updates are a
// single atomic step on the server.
type RedisStore struct {
	client *redis.Client
	config Config
	prefix string
}

// NewRedisStore connects to Redis and returns a store
func NewRedisStore(ctx context.Context, redisCfg RedisConfig, storeCfg Config) (*RedisStore, error) {
	if storeCfg.LockTTL <= 0 {
		storeCfg.LockTTL = DefaultConfig().LockTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Address,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := redisCfg.KeyPrefix
	if prefix == "" {
		prefix = "loom:"
	}

	return &RedisStore{
		client: client,
		config: storeCfg,
		prefix: prefix,
	}, nil
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

// acquireLockScript: conditional take of a path lock. An expired record
// is evicted lazily here; an active one refuses the call.
// KEYS: lock, token index, new owner's lock set
// ARGV: lock JSON, token, now millis, agent-lock key prefix
var acquireLockScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local lock = cjson.decode(cur)
  if tonumber(ARGV[3]) < lock.expires_at then
    return 0
  end
  redis.call('DEL', ARGV[4] .. 'locktoken:' .. lock.token)
  redis.call('SREM', ARGV[4] .. 'agentlocks:' .. lock.owner, lock.path)
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], cjson.decode(ARGV[1]).path)
redis.call('SADD', KEYS[3], cjson.decode(ARGV[1]).path)
return 1
`)

// AcquireLock takes an exclusive lock on a path
func (s *RedisStore) AcquireLock(ctx context.Context, path, owner string, op models.LockOperation) (*models.FileLock, error) {
	now := time.Now()

	lock := &models.FileLock{
		Path:       path,
		Owner:      owner,
		Token:      uuid.New().String(),
		Operation:  op,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(s.config.LockTTL).UnixMilli(),
	}

	data, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize lock: %w", err)
	}

	keys := []string{
		s.key(keyPrefixLock, path),
		s.key(keyPrefixLockToken, lock.Token),
		s.key(keyPrefixAgentLock, owner),
	}

	ok, err := acquireLockScript.Run(ctx, s.client, keys, data, lock.Token, now.UnixMilli(), s.prefix).Int()
	if err != nil {
		return nil, models.WrapError(models.CodeStoreUnavailable, true, err)
	}
	if ok == 0 {
		return nil, models.NewError(models.CodeLockHeld, "path is locked", false).
			WithDetail("path", path)
	}

	return lock, nil
}

// releaseLockScript: token-checked release; a stale or unknown token is
// a silent no-op.
// KEYS: token index
// ARGV: token, key prefix
var releaseLockScript = redis.NewScript(`
local path = redis.call('GET', KEYS[1])
if not path then
  return 0
end
local cur = redis.call('GET', ARGV[2] .. 'lock:' .. path)
if cur then
  local lock = cjson.decode(cur)
  if lock.token == ARGV[1] then
    redis.call('DEL', ARGV[2] .. 'lock:' .. path)
    redis.call('SREM', ARGV[2] .. 'agentlocks:' .. lock.owner, path)
  end
end
redis.call('DEL', KEYS[1])
return 1
`)

// ReleaseLock releases the lock identified by token
func (s *RedisStore) ReleaseLock(ctx context.Context, token string) error {
	keys := []string{s.key(keyPrefixLockToken, token)}
	if err := releaseLockScript.Run(ctx, s.client, keys, token, s.prefix).Err(); err != nil {
		return models.WrapError(models.CodeStoreUnavailable, true, err)
	}
	return nil
}

// releaseAgentLocksScript: atomic bulk release of one agent's locks.
// KEYS: agent lock set
// ARGV: agent id, now millis, key prefix
var releaseAgentLocksScript = redis.NewScript(`
local paths = redis.call('SMEMBERS', KEYS[1])
local released = 0
for _, path in ipairs(paths) do
  local cur = redis.call('GET', ARGV[3] .. 'lock:' .. path)
  if cur then
    local lock = cjson.decode(cur)
    if lock.owner == ARGV[1] then
      redis.call('DEL', ARGV[3] .. 'lock:' .. path)
      redis.call('DEL', ARGV[3] .. 'locktoken:' .. lock.token)
      if tonumber(ARGV[2]) < lock.expires_at then
        released = released + 1
      end
    end
  end
end
redis.call('DEL', KEYS[1])
return released
`)

// ReleaseAllLocksForAgent atomically releases all of the agent's active
// locks and returns how many were still active.
func (s *RedisStore) ReleaseAllLocksForAgent(ctx context.Context, agentID string) (int, error) {
	keys := []string{s.key(keyPrefixAgentLock, agentID)}
	released, err := releaseAgentLocksScript.Run(ctx, s.client, keys, agentID, time.Now().UnixMilli(), s.prefix).Int()
	if err != nil {
		return 0, models.WrapError(models.CodeStoreUnavailable, true, err)
	}
	return released, nil
}

// GetAllLocks returns every lock record, expired ones included
func (s *RedisStore) GetAllLocks(ctx context.Context) ([]models.FileLock, error) {
	pattern := s.key(keyPrefixLock) + "*"

	var cursor uint64
	locks := make([]models.FileLock, 0)

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, models.WrapError(models.CodeStoreUnavailable, true, err)
		}

		for _, key := range batch {
			data, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, models.WrapError(models.CodeStoreUnavailable, true, err)
			}

			var lock models.FileLock
			if err := json.Unmarshal(data, &lock); err != nil {
				continue
			}
			locks = append(locks, lock)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return locks, nil
}

// CreateTask stores a new task and indexes it as queued
func (s *RedisStore) CreateTask(ctx context.Context, task *models.Task) error {
	now := time.Now().UnixMilli()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = models.TaskQueued
	task.AssignedTo = ""
	task.CreatedAt = now
	task.UpdatedAt = now

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(keyPrefixTask, task.ID), data, 0)
	pipe.ZAdd(ctx, s.key(keyQueuedTasks), redis.Z{Score: float64(task.Priority), Member: task.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		return models.WrapError(models.CodeStoreUnavailable, true, err)
	}
	return nil
}

// GetTask returns a task by id
func (s *RedisStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	data, err := s.client.Get(ctx, s.key(keyPrefixTask, taskID)).Bytes()
	if err == redis.Nil {
		return nil, models.NewError(models.CodeTaskNotFound, "task not found", false).
			WithDetail("task_id", taskID)
	}
	if err != nil {
		return nil, models.WrapError(models.CodeStoreUnavailable, true, err)
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}
	return &task, nil
}

// claimNextScript: pop the highest-priority queued task, oldest first
// among equals, and assign it.
// KEYS: queued zset, in-flight set
// ARGV: agent id, now millis, key prefix
var claimNextScript = redis.NewScript(`
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #top == 0 then
  return false
end
local candidates = redis.call('ZRANGEBYSCORE', KEYS[1], top[2], top[2])
local best, bestCreated
for _, id in ipairs(candidates) do
  local data = redis.call('GET', ARGV[3] .. 'task:' .. id)
  if data then
    local task = cjson.decode(data)
    if not best or task.created_at < bestCreated then
      best = task
      bestCreated = task.created_at
    end
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
if not best then
  return false
end
best.status = 'claimed'
best.assigned_to = ARGV[1]
best.updated_at = tonumber(ARGV[2])
local encoded = cjson.encode(best)
redis.call('SET', ARGV[3] .. 'task:' .. best.id, encoded)
redis.call('ZREM', KEYS[1], best.id)
redis.call('SADD', KEYS[2], best.id)
redis.call('SADD', ARGV[3] .. 'agenttasks:' .. ARGV[1], best.id)
return encoded
`)

// ClaimNextTask atomically assigns the best queued task to the agent.
// Returns nil without error when the queue is empty.
func (s *RedisStore) ClaimNextTask(ctx context.Context, agentID string) (*models.Task, error) {
	keys := []string{s.key(keyQueuedTasks), s.key(keyInFlightTasks)}

	res, err := claimNextScript.Run(ctx, s.client, keys, agentID, time.Now().UnixMilli(), s.prefix).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, models.WrapError(models.CodeStoreUnavailable, true, err)
	}

	var task models.Task
	if err := json.Unmarshal([]byte(res.(string)), &task); err != nil {
		return nil, fmt.Errorf("failed to deserialize claimed task: %w", err)
	}
	return &task, nil
}

// transitionScript: compare-and-set status change on one task.
// KEYS: task, in-flight set
// ARGV: expected from, to, required assignee ('' = any), now millis,
// result JSON ('' = none), clear assignee flag, key prefix
var transitionScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return 'NOT_FOUND'
end
local task = cjson.decode(data)
if task.status ~= ARGV[1] then
  return 'BAD_STATUS:' .. task.status
end
if ARGV[3] ~= '' and task.assigned_to ~= ARGV[3] then
  return 'BAD_AGENT'
end
local owner = task.assigned_to
task.status = ARGV[2]
task.updated_at = tonumber(ARGV[4])
if ARGV[5] ~= '' then
  task.result = cjson.decode(ARGV[5])
end
if ARGV[6] == '1' then
  task.assigned_to = nil
  if owner then
    redis.call('SREM', ARGV[7] .. 'agenttasks:' .. owner, task.id)
  end
  redis.call('SREM', KEYS[2], task.id)
end
redis.call('SET', KEYS[1], cjson.encode(task))
return 'OK'
`)

func (s *RedisStore) transition(ctx context.Context, taskID string, from, to models.TaskStatus, agentID string, result map[string]interface{}, clearAssignee bool) error {
	resultJSON := ""
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to serialize result: %w", err)
		}
		resultJSON = string(data)
	}

	clear := "0"
	if clearAssignee {
		clear = "1"
	}

	keys := []string{s.key(keyPrefixTask, taskID), s.key(keyInFlightTasks)}
	res, err := transitionScript.Run(ctx, s.client, keys,
		string(from), string(to), agentID, time.Now().UnixMilli(), resultJSON, clear, s.prefix).Text()
	if err != nil {
		return models.WrapError(models.CodeStoreUnavailable, true, err)
	}

	switch {
	case res == "OK":
		return nil
	case res == "NOT_FOUND":
		return models.NewError(models.CodeTaskNotFound, "task not found", false).
			WithDetail("task_id", taskID)
	case res == "BAD_AGENT":
		return models.NewError(models.CodeInvalidTransition, "task assigned to another agent", false).
			WithDetail("task_id", taskID)
	default:
		return models.NewError(models.CodeInvalidTransition, "illegal task transition", false).
			WithDetail("task_id", taskID).
			WithDetail("reason", res)
	}
}

// StartTask moves a claimed task to in_progress for its assignee
func (s *RedisStore) StartTask(ctx context.Context, taskID, agentID string) error {
	return s.transition(ctx, taskID, models.TaskClaimed, models.TaskInProgress, agentID, nil, false)
}

// CompleteTask finishes an in-progress task and records its result
func (s *RedisStore) CompleteTask(ctx context.Context, taskID string, result map[string]interface{}) error {
	return s.transition(ctx, taskID, models.TaskInProgress, models.TaskCompleted, "", result, true)
}

// FailTask marks a task failed
func (s *RedisStore) FailTask(ctx context.Context, taskID, reason string) error {
	result := map[string]interface{}{"failure_reason": reason}
	if err := s.transition(ctx, taskID, models.TaskInProgress, models.TaskFailed, "", result, true); err == nil {
		return nil
	}
	// A claimed task that never started can also fail
	return s.transition(ctx, taskID, models.TaskClaimed, models.TaskFailed, "", result, true)
}

// reassignAgentTasksScript: atomic requeue of one agent's in-flight
// tasks, conditional on the task still being assigned to that agent.
// KEYS: agent task set, queued zset, in-flight set
// ARGV: agent id, now millis, key prefix
var reassignAgentTasksScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local requeued = {}
for _, id in ipairs(ids) do
  local data = redis.call('GET', ARGV[3] .. 'task:' .. id)
  if data then
    local task = cjson.decode(data)
    if task.assigned_to == ARGV[1] and (task.status == 'claimed' or task.status == 'in_progress') then
      task.status = 'queued'
      task.assigned_to = nil
      task.retry_count = (task.retry_count or 0) + 1
      task.updated_at = tonumber(ARGV[2])
      local encoded = cjson.encode(task)
      redis.call('SET', ARGV[3] .. 'task:' .. id, encoded)
      redis.call('ZADD', KEYS[2], task.priority, id)
      redis.call('SREM', KEYS[3], id)
      table.insert(requeued, encoded)
    end
  end
end
redis.call('DEL', KEYS[1])
return requeued
`)

// ReassignTasksForAgent atomically requeues every in-flight task still
// assigned to the agent and returns them.
func (s *RedisStore) ReassignTasksForAgent(ctx context.Context, agentID string) ([]models.Task, error) {
	keys := []string{
		s.key(keyPrefixAgentTask, agentID),
		s.key(keyQueuedTasks),
		s.key(keyInFlightTasks),
	}

	res, err := reassignAgentTasksScript.Run(ctx, s.client, keys, agentID, time.Now().UnixMilli(), s.prefix).Slice()
	if err != nil {
		return nil, models.WrapError(models.CodeStoreUnavailable, true, err)
	}

	return decodeTaskSlice(res)
}

// requeueStalledScript: requeue in-progress tasks not updated since the
// cutoff, same conditional transition as agent-failure recovery.
// KEYS: in-flight set, queued zset
// ARGV: cutoff millis, now millis, key prefix
var requeueStalledScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local requeued = {}
for _, id in ipairs(ids) do
  local data = redis.call('GET', ARGV[3] .. 'task:' .. id)
  if data then
    local task = cjson.decode(data)
    if task.status == 'in_progress' and task.updated_at < tonumber(ARGV[1]) then
      local owner = task.assigned_to
      task.status = 'queued'
      task.assigned_to = nil
      task.retry_count = (task.retry_count or 0) + 1
      task.updated_at = tonumber(ARGV[2])
      local encoded = cjson.encode(task)
      redis.call('SET', ARGV[3] .. 'task:' .. id, encoded)
      redis.call('ZADD', KEYS[2], task.priority, id)
      redis.call('SREM', KEYS[1], id)
      if owner then
        redis.call('SREM', ARGV[3] .. 'agenttasks:' .. owner, id)
      end
      table.insert(requeued, encoded)
    end
  end
end
return requeued
`)

// RequeueStalledTasks requeues in-progress tasks stalled past the cutoff
func (s *RedisStore) RequeueStalledTasks(ctx context.Context, cutoff time.Time) ([]models.Task, error) {
	keys := []string{s.key(keyInFlightTasks), s.key(keyQueuedTasks)}

	res, err := requeueStalledScript.Run(ctx, s.client, keys, cutoff.UnixMilli(), time.Now().UnixMilli(), s.prefix).Slice()
	if err != nil {
		return nil, models.WrapError(models.CodeStoreUnavailable, true, err)
	}

	return decodeTaskSlice(res)
}

func decodeTaskSlice(res []interface{}) ([]models.Task, error) {
	tasks := make([]models.Task, 0, len(res))
	for _, item := range res {
		encoded, ok := item.(string)
		if !ok {
			continue
		}
		var task models.Task
		if err := json.Unmarshal([]byte(encoded), &task); err != nil {
			return nil, fmt.Errorf("failed to deserialize task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// GetSessionContext returns the context for a session, or nil when absent
func (s *RedisStore) GetSessionContext(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	data, err := s.client.Get(ctx, s.key(keyPrefixSession, sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, models.WrapError(models.CodeStoreUnavailable, true, err)
	}

	var session models.SessionContext
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to deserialize session: %w", err)
	}
	return &session, nil
}

// SaveSessionContext stores a session context
func (s *RedisStore) SaveSessionContext(ctx context.Context, session *models.SessionContext) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}

	session.LastUpdatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	if err := s.client.Set(ctx, s.key(keyPrefixSession, session.SessionID), data, 0).Err(); err != nil {
		return models.WrapError(models.CodeStoreUnavailable, true, err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

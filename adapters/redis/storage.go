package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"gatekit/core"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements the engine.Storage interface using Redis as the backend.
// Data structure:
// - user:{user_id}:core  -> hash of the core progression record
// - user:{user_id}:flags -> hash of flag key -> JSON {value, set_at}
// - user:{user_id}:vars  -> hash of variable key -> int64
// - user:{user_id}:fired -> set of fired trigger ids
// - user:{user_id}:state -> JSON blob of UserState for quick retrieval
type Store struct {
	client *redis.Client
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func userCoreKey(userID core.UserID) string  { return fmt.Sprintf("user:%s:core", userID) }
func userFlagsKey(userID core.UserID) string { return fmt.Sprintf("user:%s:flags", userID) }
func userVarsKey(userID core.UserID) string  { return fmt.Sprintf("user:%s:vars", userID) }
func userFiredKey(userID core.UserID) string { return fmt.Sprintf("user:%s:fired", userID) }
func userStateKey(userID core.UserID) string { return fmt.Sprintf("user:%s:state", userID) }

// Lua script for atomic hash-field addition with overflow protection and a
// floor at zero (XP totals never go negative).
var addFieldScript = redis.NewScript(`
	local key = KEYS[1]
	local field = ARGV[1]
	local delta = tonumber(ARGV[2])
	local current = tonumber(redis.call('HGET', key, field) or '0')
	local next_val = current + delta

	if next_val > 9223372036854775807 or next_val < -9223372036854775808 then
		return redis.error_reply('integer overflow')
	end
	if next_val < 0 then
		next_val = 0
	end

	redis.call('HSET', key, field, next_val)
	return next_val
`)

// Lua script: set level only when strictly higher than the stored value.
var levelIfHigherScript = redis.NewScript(`
	local key = KEYS[1]
	local level = tonumber(ARGV[1])
	local current = tonumber(redis.call('HGET', key, 'level') or '0')
	if level > current then
		redis.call('HSET', key, 'level', level)
		return level
	end
	return current
`)

// Lua script: apply meter deltas with clamping in one round trip.
var adjustMetersScript = redis.NewScript(`
	local key = KEYS[1]
	local anomaly = tonumber(redis.call('HGET', key, 'anomaly') or '0') + tonumber(ARGV[1])
	local observer = tonumber(redis.call('HGET', key, 'observer') or '0') + tonumber(ARGV[2])
	if anomaly < 0 then anomaly = 0 end
	if observer < 0 then observer = 0 end
	if observer > 100 then observer = 100 end
	redis.call('HSET', key, 'anomaly', anomaly, 'observer', observer)
	return {anomaly, observer}
`)

// IncrementXP atomically adds delta to the user's XP total.
func (s *Store) IncrementXP(ctx context.Context, userID core.UserID, delta int64) (int64, error) {
	result, err := addFieldScript.Run(ctx, s.client, []string{userCoreKey(userID)}, "xp", delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment xp: %w", err)
	}
	total, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from Redis script: %T", result)
	}
	s.invalidateStateCache(ctx, userID)
	return total, nil
}

// SetLevelIfHigher persists level only when it advances.
func (s *Store) SetLevelIfHigher(ctx context.Context, userID core.UserID, level int) error {
	if err := levelIfHigherScript.Run(ctx, s.client, []string{userCoreKey(userID)}, level).Err(); err != nil {
		return fmt.Errorf("failed to set level: %w", err)
	}
	s.invalidateStateCache(ctx, userID)
	return nil
}

// UpsertFlag stores the flag value together with its set-at timestamp.
func (s *Store) UpsertFlag(ctx context.Context, userID core.UserID, key, value string) error {
	payload, err := json.Marshal(core.Flag{Value: value, SetAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, userFlagsKey(userID), key, payload).Err(); err != nil {
		return fmt.Errorf("failed to upsert flag: %w", err)
	}
	s.invalidateStateCache(ctx, userID)
	return nil
}

// IncrementVariable atomically adds delta to a named variable.
func (s *Store) IncrementVariable(ctx context.Context, userID core.UserID, key string, delta int64) (int64, error) {
	result, err := addFieldScript.Run(ctx, s.client, []string{userVarsKey(userID)}, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment variable: %w", err)
	}
	val, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from Redis script: %T", result)
	}
	s.invalidateStateCache(ctx, userID)
	return val, nil
}

// MarkFired records a fired trigger id; SADD makes the insert idempotent.
func (s *Store) MarkFired(ctx context.Context, userID core.UserID, eventID string) (bool, error) {
	added, err := s.client.SAdd(ctx, userFiredKey(userID), eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark fired: %w", err)
	}
	s.invalidateStateCache(ctx, userID)
	return added == 1, nil
}

// UpdateLoginRecord persists the login bookkeeping fields together.
func (s *Store) UpdateLoginRecord(ctx context.Context, userID core.UserID, loginCount, streak int, lastLogin time.Time) error {
	err := s.client.HSet(ctx, userCoreKey(userID),
		"login_count", loginCount,
		"streak", streak,
		"last_login", lastLogin.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to update login record: %w", err)
	}
	s.invalidateStateCache(ctx, userID)
	return nil
}

// AdjustMeters applies both meter deltas with clamping in one script call.
func (s *Store) AdjustMeters(ctx context.Context, userID core.UserID, anomalyDelta, observerDelta int) (int, int, error) {
	result, err := adjustMetersScript.Run(ctx, s.client, []string{userCoreKey(userID)}, anomalyDelta, observerDelta).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to adjust meters: %w", err)
	}
	vals, ok := result.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected result from Redis script: %v", result)
	}
	anomaly, _ := vals[0].(int64)
	observer, _ := vals[1].(int64)
	s.invalidateStateCache(ctx, userID)
	return int(anomaly), int(observer), nil
}

// GetState retrieves the complete user state, using cache when possible
func (s *Store) GetState(ctx context.Context, userID core.UserID) (core.UserState, error) {
	// Try to get from cache first
	cached, err := s.getCachedState(ctx, userID)
	if err == nil {
		return cached, nil
	}

	// Cache miss or error, rebuild from individual keys
	state, err := s.buildStateFromKeys(ctx, userID)
	if err != nil {
		return core.UserState{}, err
	}

	// Update cache (best-effort); keep it synchronous for determinism.
	ctxCache, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = s.updateStateCache(ctxCache, userID, state)

	return state, nil
}

// getCachedState attempts to retrieve the cached user state
func (s *Store) getCachedState(ctx context.Context, userID core.UserID) (core.UserState, error) {
	data, err := s.client.Get(ctx, userStateKey(userID)).Bytes()
	if err != nil {
		return core.UserState{}, err
	}
	var state core.UserState
	if err := json.Unmarshal(data, &state); err != nil {
		return core.UserState{}, err
	}
	if state.Flags == nil {
		state.Flags = map[string]core.Flag{}
	}
	if state.Variables == nil {
		state.Variables = map[string]int64{}
	}
	if state.Fired == nil {
		state.Fired = map[string]struct{}{}
	}
	return state, nil
}

// updateStateCache stores the user state in cache with a TTL
func (s *Store) updateStateCache(ctx context.Context, userID core.UserID, state core.UserState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	// Cache for 5 minutes
	return s.client.Set(ctx, userStateKey(userID), data, 5*time.Minute).Err()
}

// invalidateStateCache removes the cached state
func (s *Store) invalidateStateCache(ctx context.Context, userID core.UserID) {
	s.client.Del(ctx, userStateKey(userID))
}

// buildStateFromKeys reconstructs the user state from individual Redis keys
func (s *Store) buildStateFromKeys(ctx context.Context, userID core.UserID) (core.UserState, error) {
	state := core.UserState{
		UserID:    userID,
		Flags:     make(map[string]core.Flag),
		Variables: make(map[string]int64),
		Fired:     make(map[string]struct{}),
		Updated:   time.Now().UTC(),
	}

	coreFields, err := s.client.HGetAll(ctx, userCoreKey(userID)).Result()
	if err != nil {
		return core.UserState{}, fmt.Errorf("failed to get core record: %w", err)
	}
	state.XP = parseInt64(coreFields["xp"])
	state.Level = int(parseInt64(coreFields["level"]))
	state.LoginCount = int(parseInt64(coreFields["login_count"]))
	state.Streak = int(parseInt64(coreFields["streak"]))
	state.AnomalyScore = int(parseInt64(coreFields["anomaly"]))
	state.ObserverLoad = int(parseInt64(coreFields["observer"]))
	if raw := coreFields["last_login"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			t = t.UTC()
			state.LastLoginAt = &t
		}
	}

	flags, err := s.client.HGetAll(ctx, userFlagsKey(userID)).Result()
	if err == nil {
		for key, raw := range flags {
			var f core.Flag
			if err := json.Unmarshal([]byte(raw), &f); err != nil {
				continue // Skip invalid entries
			}
			state.Flags[key] = f
		}
	}

	vars, err := s.client.HGetAll(ctx, userVarsKey(userID)).Result()
	if err == nil {
		for key, raw := range vars {
			state.Variables[key] = parseInt64(raw)
		}
	}

	fired, err := s.client.SMembers(ctx, userFiredKey(userID)).Result()
	if err == nil {
		for _, id := range fired {
			state.Fired[id] = struct{}{}
		}
	}

	return state, nil
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

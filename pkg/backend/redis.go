package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/emberq/emberq/pkg/core"
)

// RedisOption configures the Redis backend.
type RedisOption func(*Redis)

// WithRedisResultTTL bounds how long results stay queryable.
func WithRedisResultTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func taskKey(id string) string         { return "emberq:task:" + id }
func chordResultsKey(id string) string { return "emberq:chord:" + id + ":results" }
func chordFiredKey(id string) string   { return "emberq:chord:" + id + ":fired" }
func chordAbortKey(id string) string   { return "emberq:chord:" + id + ":aborted" }
func beatKey(name, slot string) string { return "emberq:beat:" + name + "@" + slot }
func doneChannel(id string) string     { return "emberq:done:" + id }

const revokedKey = "emberq:revoked"

// Terminal-state protection and the chord barrier run as Lua so that
// concurrent workers cannot interleave between read and write.
var (
	setStateScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'state')
if s == 'SUCCESS' or s == 'FAILURE' or s == 'REVOKED' or s == 'REJECTED' then
  return 0
end
if s == false then
  s = 'PENDING'
end
local edges = {
  PENDING  = {RECEIVED = 1, REVOKED = 1},
  RECEIVED = {STARTED = 1, REVOKED = 1, REJECTED = 1},
  STARTED  = {SUCCESS = 1, FAILURE = 1, RETRY = 1, REVOKED = 1},
  RETRY    = {PENDING = 1, RECEIVED = 1},
}
local nexts = edges[s]
if not nexts or not nexts[ARGV[1]] then
  return -1
end
redis.call('HSET', KEYS[1], 'state', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

	setResultScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'state')
if s == 'SUCCESS' or s == 'FAILURE' or s == 'REVOKED' or s == 'REJECTED' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'result', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	chordJoinScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
if redis.call('HLEN', KEYS[1]) < tonumber(ARGV[3]) then
  return nil
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return nil
end
if redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[4]) then
  local out = {}
  for i = 0, tonumber(ARGV[3]) - 1 do
    out[i + 1] = redis.call('HGET', KEYS[1], tostring(i))
  end
  return out
end
return nil
`)
)

// Redis is a Redis-backed result store. Waiters block on a pub/sub
// notification published when a terminal result lands, with a polling
// fallback in case the notification is lost.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Backend = (*Redis)(nil)

// NewRedis creates a backend on an existing client.
func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{rdb: rdb, ttl: DefaultResultTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) ttlMillis() string {
	return strconv.FormatInt(r.ttl.Milliseconds(), 10)
}

func (r *Redis) SetState(ctx context.Context, id string, state core.TaskState) error {
	if !state.Valid() {
		return core.Configf("unknown task state %q", state)
	}
	n, err := setStateScript.Run(ctx, r.rdb, []string{taskKey(id)}, string(state), r.ttlMillis()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("emberq: set state %s: %w", id, err)
	}
	if n == -1 {
		return fmt.Errorf("%w: to %s", core.ErrInvalidTransition, state)
	}
	return nil
}

func (r *Redis) GetState(ctx context.Context, id string) (core.TaskState, error) {
	s, err := r.rdb.HGet(ctx, taskKey(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return core.StatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("emberq: get state %s: %w", id, err)
	}
	return core.TaskState(s), nil
}

func (r *Redis) SetResult(ctx context.Context, res *core.TaskResult) error {
	if res == nil || res.TaskID == "" {
		return core.Configf("result requires a task id")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("emberq: encode result %s: %w", res.TaskID, err)
	}
	written, err := setResultScript.Run(ctx, r.rdb,
		[]string{taskKey(res.TaskID)}, string(res.State), string(data), r.ttlMillis()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("emberq: set result %s: %w", res.TaskID, err)
	}
	if written == 1 && res.State.IsTerminal() {
		// Best effort: waiters also poll.
		_ = r.rdb.Publish(ctx, doneChannel(res.TaskID), string(data)).Err()
	}
	return nil
}

func (r *Redis) GetResult(ctx context.Context, id string) (*core.TaskResult, error) {
	data, err := r.rdb.HGet(ctx, taskKey(id), "result").Result()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrResultNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("emberq: get result %s: %w", id, err)
	}
	var res core.TaskResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("emberq: decode result %s: %w", id, err)
	}
	return &res, nil
}

func (r *Redis) WaitForResult(ctx context.Context, id string) (*core.TaskResult, error) {
	pubsub := r.rdb.Subscribe(ctx, doneChannel(id))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("emberq: wait for %s: %w", id, err)
	}

	// Check after subscribing: the result may have landed in between.
	if res, err := r.GetResult(ctx, id); err == nil && res.State.IsTerminal() {
		return res, nil
	}

	msgs := pubsub.Channel()
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-msgs:
			var res core.TaskResult
			if err := json.Unmarshal([]byte(msg.Payload), &res); err == nil {
				return &res, nil
			}
		case <-poll.C:
			if res, err := r.GetResult(ctx, id); err == nil && res.State.IsTerminal() {
				return res, nil
			}
		}
	}
}

func (r *Redis) GetMany(ctx context.Context, ids []string) (map[string]*core.TaskResult, error) {
	out := make(map[string]*core.TaskResult, len(ids))
	for _, id := range ids {
		res, err := r.GetResult(ctx, id)
		if errors.Is(err, core.ErrResultNotReady) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = res
	}
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	return r.rdb.Del(ctx, taskKey(id)).Err()
}

func (r *Redis) ChordJoin(ctx context.Context, chordID string, size, index int, value []byte) (bool, [][]byte, error) {
	if size < 1 || index < 0 || index >= size {
		return false, nil, core.Configf("chord index %d out of range for size %d", index, size)
	}
	raw, err := chordJoinScript.Run(ctx, r.rdb,
		[]string{chordResultsKey(chordID), chordFiredKey(chordID), chordAbortKey(chordID)},
		strconv.Itoa(index), string(value), strconv.Itoa(size), r.ttlMillis()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("emberq: chord join %s: %w", chordID, err)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return false, nil, nil
	}
	results := make([][]byte, len(items))
	for i, item := range items {
		if s, ok := item.(string); ok {
			results[i] = []byte(s)
		}
	}
	return true, results, nil
}

func (r *Redis) ChordAbort(ctx context.Context, chordID, reason string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, chordAbortKey(chordID), reason, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("emberq: chord abort %s: %w", chordID, err)
	}
	return ok, nil
}

func (r *Redis) ChordAborted(ctx context.Context, chordID string) (string, bool, error) {
	reason, err := r.rdb.Get(ctx, chordAbortKey(chordID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("emberq: chord aborted %s: %w", chordID, err)
	}
	return reason, true, nil
}

func (r *Redis) AcquireBeatSlot(ctx context.Context, name, slot string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, beatKey(name, slot), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("emberq: acquire beat slot %s@%s: %w", name, slot, err)
	}
	return ok, nil
}

func (r *Redis) AddRevocation(ctx context.Context, id string, terminate bool) error {
	val := "0"
	if terminate {
		val = "1"
	}
	if !terminate {
		// Do not downgrade an existing terminate flag.
		if err := r.rdb.HSetNX(ctx, revokedKey, id, val).Err(); err != nil {
			return fmt.Errorf("emberq: add revocation %s: %w", id, err)
		}
		return nil
	}
	if err := r.rdb.HSet(ctx, revokedKey, id, val).Err(); err != nil {
		return fmt.Errorf("emberq: add revocation %s: %w", id, err)
	}
	return nil
}

func (r *Redis) RemoveRevocation(ctx context.Context, id string) error {
	if err := r.rdb.HDel(ctx, revokedKey, id).Err(); err != nil {
		return fmt.Errorf("emberq: remove revocation %s: %w", id, err)
	}
	return nil
}

func (r *Redis) ListRevocations(ctx context.Context) (map[string]bool, error) {
	all, err := r.rdb.HGetAll(ctx, revokedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("emberq: list revocations: %w", err)
	}
	out := make(map[string]bool, len(all))
	for id, val := range all {
		out[id] = val == "1"
	}
	return out, nil
}

func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

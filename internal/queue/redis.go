package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

// RedisStore keeps each job in a hash and schedules it in a sorted set
// scored by the Unix millisecond at which it next becomes claimable (its
// next_attempt_at, or its lease expiry while leased). All state changes run
// as Lua scripts so they are atomic with respect to other dispatchers.
//
// Keys:
//
//	<prefix>:due                  ZSET job id -> eligible-at ms
//	<prefix>:job:<id>             HASH job fields, times in Unix ms
//	<prefix>:key:<entity>:<target> STRING job id, for dedup
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
}

func NewRedis(client *redis.Client, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "harborsync"
	}
	return &RedisStore{client: client, prefix: prefix, opts: opts.withDefaults()}
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr string, dbIndex int, prefix string, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: dbIndex})
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue store: redis ping %s: %w", addr, err)
	}
	return NewRedis(client, prefix, opts), nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStore) dueKey() string { return s.prefix + ":due" }

func (s *RedisStore) jobKey(id string) string { return s.prefix + ":job:" + id }

func (s *RedisStore) pairKey(entityID int64, targetID string) string {
	return s.prefix + ":key:" + strconv.FormatInt(entityID, 10) + ":" + targetID
}

var enqueueScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  local jk = ARGV[1] .. ':job:' .. existing
  local leased = tonumber(redis.call('HGET', jk, 'leased_until') or '0') or 0
  if leased > tonumber(ARGV[5]) then
    redis.call('HSET', jk, 'dirty', '1')
  end
  return {existing, 0}
end
local jk = ARGV[1] .. ':job:' .. ARGV[2]
redis.call('HSET', jk,
  'id', ARGV[2], 'entity_id', ARGV[3], 'target_id', ARGV[4],
  'attempt_count', '0', 'last_attempt_at', '0', 'next_attempt_at', ARGV[5],
  'leased_until', '0', 'dirty', '0', 'created_at', ARGV[5])
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[2])
return {ARGV[2], 1}
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('HSET', ARGV[1] .. ':job:' .. id, 'leased_until', ARGV[4])
  redis.call('ZADD', KEYS[1], ARGV[4], id)
end
return ids
`)

var completeScript = redis.NewScript(`
local jk = ARGV[1] .. ':job:' .. ARGV[2]
if redis.call('EXISTS', jk) == 0 then
  return 0
end
if redis.call('HGET', jk, 'dirty') == '1' then
  redis.call('HSET', jk, 'dirty', '0', 'attempt_count', '0', 'last_attempt_at', '0',
    'leased_until', '0', 'next_attempt_at', ARGV[3])
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
  return 2
end
local e = redis.call('HGET', jk, 'entity_id')
local t = redis.call('HGET', jk, 'target_id')
redis.call('DEL', jk, ARGV[1] .. ':key:' .. e .. ':' .. t)
redis.call('ZREM', KEYS[1], ARGV[2])
return 1
`)

var failScript = redis.NewScript(`
local jk = ARGV[1] .. ':job:' .. ARGV[2]
if redis.call('EXISTS', jk) == 0 then
  return 0
end
local now = tonumber(ARGV[3])
local attempts = tonumber(redis.call('HGET', jk, 'attempt_count')) + 1
local shift = attempts
if shift > tonumber(ARGV[5]) then
  shift = tonumber(ARGV[5])
end
local nextAt = now + tonumber(ARGV[4]) * (2 ^ shift)
local prev = tonumber(redis.call('HGET', jk, 'next_attempt_at'))
if prev > nextAt then
  nextAt = prev
end
local nextStr = string.format('%.0f', nextAt)
redis.call('HSET', jk, 'attempt_count', tostring(attempts), 'last_attempt_at', ARGV[3],
  'next_attempt_at', nextStr, 'leased_until', '0', 'dirty', '0')
redis.call('ZADD', KEYS[1], nextStr, ARGV[2])
return 1
`)

func msTime(v string) (time.Time, bool) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func parseRedisJob(m map[string]string) (Job, error) {
	if len(m) == 0 {
		return Job{}, redis.Nil
	}
	var j Job
	var err error
	j.ID = m["id"]
	j.TargetID = m["target_id"]
	if j.EntityID, err = strconv.ParseInt(m["entity_id"], 10, 64); err != nil {
		return Job{}, fmt.Errorf("job %s: entity_id: %w", j.ID, err)
	}
	if j.AttemptCount, err = strconv.Atoi(m["attempt_count"]); err != nil {
		return Job{}, fmt.Errorf("job %s: attempt_count: %w", j.ID, err)
	}
	j.NextAttemptAt, _ = msTime(m["next_attempt_at"])
	j.CreatedAt, _ = msTime(m["created_at"])
	if t, ok := msTime(m["last_attempt_at"]); ok {
		j.LastAttemptAt = &t
	}
	if t, ok := msTime(m["leased_until"]); ok {
		j.LeasedUntil = &t
	}
	j.Dirty = m["dirty"] == "1"
	return j, nil
}

func (s *RedisStore) load(ctx context.Context, id string) (Job, error) {
	m, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return Job{}, err
	}
	j, err := parseRedisJob(m)
	if errors.Is(err, redis.Nil) {
		return Job{}, syncerr.New(syncerr.ErrNotFound, "job", id)
	}
	return j, err
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(ids))
	for _, cmd := range cmds {
		j, err := parseRedisJob(cmd.Val())
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, entityID int64, targetID string, now time.Time) (Job, bool, error) {
	id := uuid.NewString()
	res, err := enqueueScript.Run(ctx, s.client,
		[]string{s.pairKey(entityID, targetID), s.dueKey()},
		s.prefix, id, entityID, targetID, now.UnixMilli()).Slice()
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue entity %d for %s: %w", entityID, targetID, err)
	}
	jobID, _ := res[0].(string)
	created, _ := res[1].(int64)
	j, err := s.load(ctx, jobID)
	if err != nil {
		return Job{}, false, err
	}
	return j, created == 1, nil
}

func (s *RedisStore) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := claimScript.Run(ctx, s.client, []string{s.dueKey()},
		s.prefix, now.UnixMilli(), limit, now.Add(s.opts.Lease).UnixMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load claimed jobs: %w", err)
	}
	sortDue(jobs)
	return jobs, nil
}

func (s *RedisStore) Complete(ctx context.Context, jobID string, now time.Time) error {
	if err := completeScript.Run(ctx, s.client, []string{s.dueKey()},
		s.prefix, jobID, now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, jobID string, now time.Time) (Job, error) {
	n, err := failScript.Run(ctx, s.client, []string{s.dueKey()},
		s.prefix, jobID, now.UnixMilli(), s.opts.BaseDelay.Milliseconds(), maxBackoffShift).Int()
	if err != nil {
		return Job{}, fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if n == 0 {
		return Job{}, syncerr.New(syncerr.ErrNotFound, "fail job", jobID)
	}
	return s.load(ctx, jobID)
}

func (s *RedisStore) ListExhausted(ctx context.Context, maxAttempts int) ([]Job, error) {
	ids, err := s.client.ZRange(ctx, s.dueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list exhausted: %w", err)
	}
	all, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list exhausted: %w", err)
	}
	var jobs []Job
	for _, j := range all {
		if j.AttemptCount >= maxAttempts {
			jobs = append(jobs, j)
		}
	}
	sortDue(jobs)
	return jobs, nil
}

func (s *RedisStore) Depth(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.dueKey()).Result()
	return int(n), err
}

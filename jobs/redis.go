package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per job under <prefix>job:<id>, holding the JSON
// job and its state, and a sorted set <prefix>due scored by run time.
// Removing a member from the sorted set is the claim; the scripts below make
// every state change a single round trip.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// scheduleScript writes the record only if absent and indexes it in the
// same step.
var scheduleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'job', ARGV[1], 'state', 'scheduled')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// claimScript removes up to ARGV[2] due members and marks each claimed,
// returning the job documents. KEYS[1] is the due set; ARGV[3] the job key
// prefix.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  local job = redis.call('HGET', key, 'job')
  if job then
    redis.call('HSET', key, 'state', 'claimed')
    table.insert(out, job)
  end
end
return out
`)

// completeScript marks a job done and starts its retention clock.
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'done')
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// retryScript stores the updated job and puts it back on the due set.
var retryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'job', ARGV[1], 'state', 'scheduled')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// NewRedisStore builds a store. prefix defaults to "dealflow:jobs:"; completed
// records are kept for retention so their ids stay deduplicated.
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "dealflow:jobs:"
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) jobPrefix() string      { return s.prefix + "job:" }
func (s *RedisStore) jobKey(id string) string { return s.jobPrefix() + id }
func (s *RedisStore) dueKey() string         { return s.prefix + "due" }

func (s *RedisStore) Schedule(ctx context.Context, job Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("jobs: encode %s: %w", job.ID, err)
	}
	n, err := scheduleScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.dueKey()},
		data, score(job.RunAt), job.ID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("jobs: schedule %s: %w", job.ID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := claimScript.Run(ctx, s.client,
		[]string{s.dueKey()},
		score(now), limit, s.jobPrefix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("jobs: claim due: %w", err)
	}

	out := make([]Job, 0, len(docs))
	for _, doc := range docs {
		var job Job
		if err := json.Unmarshal([]byte(doc), &job); err != nil {
			return out, fmt.Errorf("jobs: decode claimed job: %w", err)
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) Complete(ctx context.Context, id string) error {
	n, err := completeScript.Run(ctx, s.client, []string{s.jobKey(id)}, s.retention.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("jobs: complete %s: %w", id, err)
	}
	if n == 0 {
		return ErrUnknownJob
	}
	return nil
}

func (s *RedisStore) Retry(ctx context.Context, job Job, runAt time.Time) error {
	job.RunAt = runAt
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: encode %s: %w", job.ID, err)
	}
	n, err := retryScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.dueKey()},
		data, score(runAt), job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("jobs: requeue %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrUnknownJob
	}
	return nil
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

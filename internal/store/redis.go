package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"queuectl/internal/config"
	"queuectl/internal/models"
)

var _ Store = (*Redis)(nil)

// Redis keeps each job in a hash and coordinates claims through two sorted
// sets: ready (scored by creation time) and delayed (scored by the retry
// gate). Claims promote due delayed jobs into ready before popping.
type Redis struct {
	client     *redis.Client
	opts       options
	jobsKey    string
	readyKey   string
	delayedKey string
	jobPrefix  string
}

// OpenRedis connects using the redis_* settings from cfg.
func OpenRedis(ctx context.Context, cfg config.Config, opts ...Option) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedis(client, opts...), nil
}

// NewRedis wraps an existing client. The store owns it from then on.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	return &Redis{
		client:     client,
		opts:       buildOptions(opts),
		jobsKey:    "queuectl:jobs",
		readyKey:   "queuectl:ready",
		delayedKey: "queuectl:delayed",
		jobPrefix:  "queuectl:job:",
	}
}

func (s *Redis) jobKey(id string) string {
	return s.jobPrefix + id
}

// placement names the sorted set a job belongs to, if any.
func placement(job models.Job) string {
	switch {
	case job.State == models.StatePending:
		return "ready"
	case job.ShouldRetry() && job.NextEligibleAt.IsZero():
		return "ready"
	case job.ShouldRetry():
		return "delayed"
	default:
		return ""
	}
}

func jobFields(job models.Job) []any {
	return []any{
		"id", job.ID,
		"command", job.Command,
		"state", string(job.State),
		"attempts", job.Attempts,
		"max_retries", job.MaxRetries,
		"created_at", formatTime(job.CreatedAt),
		"updated_at", formatTime(job.UpdatedAt),
		"error_message", job.ErrorMessage,
		"worker_id", job.WorkerID,
		"next_eligible_at", formatTime(job.NextEligibleAt),
	}
}

func (s *Redis) Add(ctx context.Context, job models.Job) error {
	args := []any{job.ID, micros(job.CreatedAt), placement(job), micros(job.NextEligibleAt)}
	args = append(args, jobFields(job)...)
	res, err := addScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.jobsKey, s.readyKey, s.delayedKey}, args...).Text()
	if err != nil {
		return storageErr("add job", err)
	}
	if res == "exists" {
		return models.ErrDuplicateID
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, id string) (models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, storageErr("get job", err)
	}
	if len(fields) == 0 {
		return models.Job{}, models.ErrNotFound
	}
	job, err := jobFromHash(fields)
	if err != nil {
		return models.Job{}, storageErr("decode job", err)
	}
	return job, nil
}

func (s *Redis) Update(ctx context.Context, job models.Job, from models.State) error {
	args := []any{string(from), job.ID, placement(job), micros(job.NextEligibleAt)}
	args = append(args, jobFields(job)...)
	res, err := updateScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.jobsKey, s.readyKey, s.delayedKey}, args...).Text()
	if err != nil {
		return storageErr("update job", err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return models.ErrNotFound
	case "conflict":
		return models.ErrStateConflict
	default:
		return storageErr("update job", fmt.Errorf("unexpected script reply %q", res))
	}
}

// listPage bounds how many hashes one List round trip fetches.
const listPage = 100

func (s *Redis) List(ctx context.Context, state models.State) iter.Seq2[models.Job, error] {
	return func(yield func(models.Job, error) bool) {
		for start := int64(0); ; start += listPage {
			ids, err := s.client.ZRange(ctx, s.jobsKey, start, start+listPage-1).Result()
			if err != nil {
				yield(models.Job{}, storageErr("list jobs", err))
				return
			}
			if len(ids) == 0 {
				return
			}

			pipe := s.client.Pipeline()
			cmds := make([]*redis.MapStringStringCmd, len(ids))
			for i, id := range ids {
				cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				yield(models.Job{}, storageErr("list jobs", err))
				return
			}
			for _, cmd := range cmds {
				fields := cmd.Val()
				if len(fields) == 0 {
					// deleted between ZRANGE and HGETALL
					continue
				}
				job, err := jobFromHash(fields)
				if err != nil {
					yield(models.Job{}, storageErr("decode job", err))
					return
				}
				if state != "" && job.State != state {
					continue
				}
				if !yield(job, nil) {
					return
				}
			}
			if len(ids) < listPage {
				return
			}
		}
	}
}

func (s *Redis) ClaimNext(ctx context.Context, workerID string) (models.Job, bool, error) {
	now := models.Timestamp(s.opts.now())
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.readyKey, s.delayedKey, s.jobsKey},
		micros(now), workerID, formatTime(now), s.jobPrefix, string(models.StateProcessing),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, storageErr("claim job", err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	job, err := jobFromHash(fields)
	if err != nil {
		return models.Job{}, false, storageErr("decode job", err)
	}
	return job, true, nil
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.jobKey(id))
	pipe.ZRem(ctx, s.jobsKey, id)
	pipe.ZRem(ctx, s.readyKey, id)
	pipe.ZRem(ctx, s.delayedKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("delete job", err)
	}
	if del.Val() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func jobFromHash(f map[string]string) (models.Job, error) {
	job := models.Job{
		ID:           f["id"],
		Command:      f["command"],
		State:        models.State(f["state"]),
		ErrorMessage: f["error_message"],
		WorkerID:     f["worker_id"],
	}
	var err error
	if job.Attempts, err = strconv.Atoi(f["attempts"]); err != nil {
		return models.Job{}, fmt.Errorf("attempts: %w", err)
	}
	if job.MaxRetries, err = strconv.Atoi(f["max_retries"]); err != nil {
		return models.Job{}, fmt.Errorf("max_retries: %w", err)
	}
	if job.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return models.Job{}, fmt.Errorf("created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(f["updated_at"]); err != nil {
		return models.Job{}, fmt.Errorf("updated_at: %w", err)
	}
	if job.NextEligibleAt, err = parseTime(f["next_eligible_at"]); err != nil {
		return models.Job{}, fmt.Errorf("next_eligible_at: %w", err)
	}
	return job, nil
}

// KEYS: job hash, jobs, ready, delayed
// ARGV: id, created_us, placement, eligible_us, field/value pairs...
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 'exists'
end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
if ARGV[3] == 'ready' then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
elseif ARGV[3] == 'delayed' then
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
end
return 'ok'
`)

// KEYS: job hash, jobs, ready, delayed
// ARGV: from state, id, placement, eligible_us, field/value pairs...
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'missing'
end
if redis.call('HGET', KEYS[1], 'state') ~= ARGV[1] then
  return 'conflict'
end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('ZREM', KEYS[4], ARGV[2])
if ARGV[3] == 'ready' then
  redis.call('ZADD', KEYS[3], redis.call('ZSCORE', KEYS[2], ARGV[2]), ARGV[2])
elseif ARGV[3] == 'delayed' then
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
end
return 'ok'
`)

// KEYS: ready, delayed, jobs
// ARGV: now_us, worker id, now (RFC3339), job key prefix, processing state
//
// The claimed job's hash key is only known inside the script, so it is built
// from the prefix rather than declared in KEYS. That needs a single node;
// Redis Cluster would reject it.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local created = redis.call('ZSCORE', KEYS[3], id)
  if created then
    redis.call('ZADD', KEYS[1], created, id)
  end
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return nil
end
local id = head[1]
redis.call('ZREM', KEYS[1], id)
local key = ARGV[4] .. id
redis.call('HSET', key, 'state', ARGV[5], 'worker_id', ARGV[2], 'updated_at', ARGV[3])
return redis.call('HGETALL', key)
`)

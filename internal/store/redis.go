package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"durable-queue/internal/config"
	"durable-queue/internal/models"
)

const defaultRedisPort = 6379

// Redis keeps each job in a hash and indexes ids in two sorted sets scored
// by creation time: one for every job, one for failed jobs.
type Redis struct {
	cfg       config.StoreConfig
	logger    *slog.Logger
	allKey    string
	failedKey string
	jobPrefix string

	mu     sync.RWMutex
	client *redis.Client
}

// NewRedis prepares a Redis-backed store; the client is created by Init.
func NewRedis(cfg config.StoreConfig, logger *slog.Logger) *Redis {
	prefix := cfg.Database
	if prefix == "" {
		prefix = "queue"
	}
	return &Redis{
		cfg:       cfg,
		logger:    logger,
		allKey:    prefix + ":jobs",
		failedKey: prefix + ":failed",
		jobPrefix: prefix + ":job:",
	}
}

func (s *Redis) jobKey(id string) string {
	return s.jobPrefix + id
}

func (s *Redis) options() (*redis.Options, error) {
	if s.cfg.DSN != "" {
		opts, err := redis.ParseURL(s.cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	host := s.cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := s.cfg.Port
	if port == 0 {
		port = defaultRedisPort
	}
	return &redis.Options{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Username: s.cfg.User,
		Password: s.cfg.Password,
		DB:       s.cfg.RedisDB,
	}, nil
}

func (s *Redis) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	opts, err := s.options()
	if err != nil {
		return err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	s.client = client
	debugf(s.logger, s.cfg.Debug, "datasource initialized", "addr", opts.Addr)
	return nil
}

func (s *Redis) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func (s *Redis) conn() (*redis.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, ErrClosed
	}
	return s.client, nil
}

func (s *Redis) Insert(ctx context.Context, job *models.Job) (string, error) {
	client, err := s.conn()
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	fields := map[string]any{
		"topic":      job.Topic,
		"data":       string(job.Data),
		"attempts":   job.Attempts,
		"error":      "0",
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	}
	if job.RetryAt != nil {
		fields["retry_at"] = *job.RetryAt
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(id), fields)
	pipe.ZAdd(ctx, s.allKey, redis.Z{Score: float64(now.UnixMicro()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	job.ID = id
	job.Failed = false
	job.CreatedAt = now
	job.UpdatedAt = now
	debugf(s.logger, s.cfg.Debug, "job inserted", "id", id, "topic", job.Topic)
	return id, nil
}

func (s *Redis) Get(ctx context.Context, id string) (models.Job, error) {
	client, err := s.conn()
	if err != nil {
		return models.Job{}, err
	}
	vals, err := client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	if len(vals) == 0 {
		return models.Job{}, ErrNotFound
	}
	return decodeRedisJob(id, vals)
}

func (s *Redis) FindAll(ctx context.Context) ([]models.Job, error) {
	return s.findIn(ctx, s.allKey)
}

func (s *Redis) FindFailed(ctx context.Context) ([]models.Job, error) {
	return s.findIn(ctx, s.failedKey)
}

func (s *Redis) findIn(ctx context.Context, index string) ([]models.Job, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	ids, err := client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, s.jobKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]models.Job, 0, len(ids))
	for i, c := range cmds {
		vals := c.Val()
		if len(vals) == 0 {
			// Deleted between the index read and the hash read.
			continue
		}
		job, err := decodeRedisJob(ids[i], vals)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	debugf(s.logger, s.cfg.Debug, "jobs queried", "index", index, "count", len(jobs))
	return jobs, nil
}

func (s *Redis) Update(ctx context.Context, id string, u models.JobUpdate) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	failed := ""
	if u.Failed != nil {
		failed = "0"
		if *u.Failed {
			failed = "1"
		}
	}
	res, err := updateScript.Run(ctx, client,
		[]string{s.jobKey(id), s.failedKey, s.allKey},
		id, failed, time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if res == 0 {
		return ErrNotFound
	}
	debugf(s.logger, s.cfg.Debug, "job updated", "id", id)
	return nil
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	del := pipe.Del(ctx, s.jobKey(id))
	pipe.ZRem(ctx, s.allKey, id)
	pipe.ZRem(ctx, s.failedKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	debugf(s.logger, s.cfg.Debug, "job deleted", "id", id)
	return nil
}

func decodeRedisJob(id string, vals map[string]string) (models.Job, error) {
	job := models.Job{
		ID:     id,
		Topic:  vals["topic"],
		Data:   []byte(vals["data"]),
		Failed: vals["error"] == "1",
	}
	if v, ok := vals["attempts"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return models.Job{}, fmt.Errorf("decode attempts for %s: %w", id, err)
		}
		job.Attempts = n
	}
	if v, ok := vals["retry_at"]; ok {
		job.RetryAt = &v
	}
	var err error
	if job.CreatedAt, err = parseRedisTime(vals["created_at"]); err != nil {
		return models.Job{}, fmt.Errorf("decode created_at for %s: %w", id, err)
	}
	if job.UpdatedAt, err = parseRedisTime(vals["updated_at"]); err != nil {
		return models.Job{}, fmt.Errorf("decode updated_at for %s: %w", id, err)
	}
	return job, nil
}

func parseRedisTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	return time.Parse(time.RFC3339Nano, v)
}

// updateScript only touches jobs that still exist so an acknowledgment can
// never resurrect a deleted job. The failed index reuses the creation score.
var updateScript = redis.NewScript(`
local job = KEYS[1]
local failedIdx = KEYS[2]
local allIdx = KEYS[3]
if redis.call('EXISTS', job) == 0 then
  return 0
end
if ARGV[2] ~= '' then
  redis.call('HSET', job, 'error', ARGV[2])
  if ARGV[2] == '1' then
    local score = redis.call('ZSCORE', allIdx, ARGV[1]) or '0'
    redis.call('ZADD', failedIdx, score, ARGV[1])
  else
    redis.call('ZREM', failedIdx, ARGV[1])
  end
end
redis.call('HSET', job, 'updated_at', ARGV[3])
return 1
`)

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"durable-queue/internal/config"
	"durable-queue/internal/models"
)

const defaultPostgresPort = 5432

// Postgres wraps pgxpool for queue persistence.
type Postgres struct {
	cfg    config.StoreConfig
	logger *slog.Logger

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// NewPostgres prepares a Postgres-backed store; the pool is created by Init.
func NewPostgres(cfg config.StoreConfig, logger *slog.Logger) *Postgres {
	return &Postgres{cfg: cfg, logger: logger}
}

// PostgresDSN renders the connection string for cfg. An explicit DSN wins
// over the individual fields.
func PostgresDSN(cfg config.StoreConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=disable",
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	return u.String()
}

// Init creates the pooled connection, verifies it and applies migrations.
func (s *Postgres) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}
	pcfg, err := pgxpool.ParseConfig(PostgresDSN(s.cfg))
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := pool.Exec(ctx, sql)
		return err
	}); err != nil {
		pool.Close()
		return err
	}
	s.pool = pool
	debugf(s.logger, s.cfg.Debug, "datasource initialized")
	return nil
}

func (s *Postgres) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *Postgres) conn() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, ErrClosed
	}
	return s.pool, nil
}

// Insert stores a new job and assigns its id and timestamps.
func (s *Postgres) Insert(ctx context.Context, job *models.Job) (string, error) {
	pool, err := s.conn()
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = pool.Exec(ctx, `
		INSERT INTO queue (id, topic, data, attempts, retry_at, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $6)
	`, id, job.Topic, string(job.Data), job.Attempts, job.RetryAt, now)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	job.ID = id
	job.Failed = false
	job.CreatedAt = now
	job.UpdatedAt = now
	debugf(s.logger, s.cfg.Debug, "job inserted", "id", id, "topic", job.Topic)
	return id, nil
}

const selectJobs = `SELECT id, topic, data, attempts, retry_at, error, created_at, updated_at FROM queue`

// Get fetches a job by id.
func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	pool, err := s.conn()
	if err != nil {
		return models.Job{}, err
	}
	job, err := scanPgJob(pool.QueryRow(ctx, selectJobs+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *Postgres) FindAll(ctx context.Context) ([]models.Job, error) {
	return s.query(ctx, selectJobs+` ORDER BY created_at ASC`)
}

func (s *Postgres) FindFailed(ctx context.Context) ([]models.Job, error) {
	return s.query(ctx, selectJobs+` WHERE error = TRUE ORDER BY created_at ASC`)
}

func (s *Postgres) query(ctx context.Context, sql string, args ...any) ([]models.Job, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	debugf(s.logger, s.cfg.Debug, "jobs queried", "count", len(jobs))
	return jobs, nil
}

// Update applies the non-nil fields of u.
func (s *Postgres) Update(ctx context.Context, id string, u models.JobUpdate) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `
		UPDATE queue SET error = COALESCE($2, error), updated_at = NOW() WHERE id = $1
	`, id, u.Failed)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	debugf(s.logger, s.cfg.Debug, "job updated", "id", id)
	return nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	debugf(s.logger, s.cfg.Debug, "job deleted", "id", id)
	return nil
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var data string
	var retryAt pgtype.Text
	if err := row.Scan(&job.ID, &job.Topic, &data, &job.Attempts, &retryAt, &job.Failed, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Data = []byte(data)
	job.RetryAt = textPtr(retryAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

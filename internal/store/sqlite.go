package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"durable-queue/internal/config"
	"durable-queue/internal/models"
)

// SQLite persists jobs in a single database file.
type SQLite struct {
	cfg    config.StoreConfig
	logger *slog.Logger

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLite prepares a file-backed store; the file is opened by Init.
func NewSQLite(cfg config.StoreConfig, logger *slog.Logger) *SQLite {
	return &SQLite{cfg: cfg, logger: logger}
}

func (s *SQLite) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if dir := filepath.Dir(s.cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", s.cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}
	if err := runMigrations(ctx, "sqlite", func(ctx context.Context, stmt string) error {
		_, err := db.ExecContext(ctx, stmt)
		return err
	}); err != nil {
		db.Close()
		return err
	}
	s.db = db
	debugf(s.logger, s.cfg.Debug, "datasource initialized", "path", s.cfg.Path)
	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *SQLite) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (s *SQLite) Insert(ctx context.Context, job *models.Job) (string, error) {
	db, err := s.conn()
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = db.ExecContext(ctx, `
		INSERT INTO queue (id, topic, data, attempts, retry_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, id, job.Topic, string(job.Data), job.Attempts, nullString(job.RetryAt), now, now)
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

func (s *SQLite) Get(ctx context.Context, id string) (models.Job, error) {
	db, err := s.conn()
	if err != nil {
		return models.Job{}, err
	}
	job, err := scanSQLJob(db.QueryRowContext(ctx, selectJobs+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) FindAll(ctx context.Context) ([]models.Job, error) {
	return s.query(ctx, selectJobs+` ORDER BY created_at ASC, rowid ASC`)
}

func (s *SQLite) FindFailed(ctx context.Context) ([]models.Job, error) {
	return s.query(ctx, selectJobs+` WHERE error = 1 ORDER BY created_at ASC, rowid ASC`)
}

func (s *SQLite) query(ctx context.Context, stmt string, args ...any) ([]models.Job, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanSQLJob(rows)
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

func (s *SQLite) Update(ctx context.Context, id string, u models.JobUpdate) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	var failed sql.NullBool
	if u.Failed != nil {
		failed = sql.NullBool{Bool: *u.Failed, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		UPDATE queue SET error = COALESCE(?, error), updated_at = ? WHERE id = ?
	`, failed, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	debugf(s.logger, s.cfg.Debug, "job updated", "id", id)
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	debugf(s.logger, s.cfg.Debug, "job deleted", "id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var data string
	var retryAt sql.NullString
	if err := row.Scan(&job.ID, &job.Topic, &data, &job.Attempts, &retryAt, &job.Failed, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Data = []byte(data)
	if retryAt.Valid {
		job.RetryAt = &retryAt.String
	}
	return job, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"durable-queue/internal/config"
	"durable-queue/internal/models"
)

var (
	// ErrNotFound is returned when no job matches the given id.
	ErrNotFound = errors.New("store: job not found")
	// ErrClosed is returned by operations issued while the store is not initialized.
	ErrClosed = errors.New("store: not initialized")
)

// Store is durable CRUD access to queue jobs. Init may be called again after
// Close; the engine does so on every restart.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	Insert(ctx context.Context, job *models.Job) (string, error)
	Get(ctx context.Context, id string) (models.Job, error)
	FindAll(ctx context.Context) ([]models.Job, error)
	FindFailed(ctx context.Context) ([]models.Job, error)
	Update(ctx context.Context, id string, u models.JobUpdate) error
	Delete(ctx context.Context, id string) error
}

// Open builds the backend selected by cfg.Driver. No connection is made
// until Init.
func Open(cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("store", cfg.Driver)
	switch cfg.Driver {
	case config.DriverPostgres:
		return NewPostgres(cfg, logger), nil
	case config.DriverSQLite:
		return NewSQLite(cfg, logger), nil
	case config.DriverRedis:
		return NewRedis(cfg, logger), nil
	case config.DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// debugf logs store operations when the connection was configured with debug.
func debugf(logger *slog.Logger, enabled bool, msg string, args ...any) {
	if enabled {
		logger.Debug(msg, args...)
	}
}

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"durable-queue/internal/config"
	"durable-queue/internal/logging"
	"durable-queue/internal/models"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if err := st.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer st.Close()

	retryAt := "300000"
	// New jobs always start unfailed, whatever the caller passes.
	first := &models.Job{Topic: "emails", Data: []byte(`{"to":"a@b.com"}`), Attempts: 3, RetryAt: &retryAt, Failed: true}
	id1, err := st.Insert(ctx, first)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.Failed {
		t.Fatalf("insert should reset the failed flag on the caller's job")
	}
	if id1 == "" || first.ID != id1 {
		t.Fatalf("expected id assigned on insert, got %q / %q", id1, first.ID)
	}
	second := &models.Job{Topic: "jobs", Data: []byte(`[1,2,3]`)}
	id2, err := st.Insert(ctx, second)
	if err != nil {
		t.Fatalf("insert second: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("ids must be unique")
	}

	got, err := st.Get(ctx, id1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Topic != "emails" || string(got.Data) != `{"to":"a@b.com"}` || got.Attempts != 3 || got.Failed {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.RetryAt == nil || *got.RetryAt != "300000" {
		t.Fatalf("retry_at not persisted: %v", got.RetryAt)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got)
	}

	all, err := st.FindAll(ctx)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}

	failed, err := st.FindFailed(ctx)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failed jobs, got %d", len(failed))
	}

	if err := st.Update(ctx, id2, models.MarkFailed()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, err = st.FindFailed(ctx)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id2 || !failed[0].Failed {
		t.Fatalf("expected %s failed, got %+v", id2, failed)
	}

	if err := st.Delete(ctx, id2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Delete(ctx, id2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
	if err := st.Update(ctx, id2, models.MarkFailed()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update after delete should be not found, got %v", err)
	}
	if _, err := st.Get(ctx, id2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete should be not found, got %v", err)
	}
	failed, _ = st.FindFailed(ctx)
	if len(failed) != 0 {
		t.Fatalf("deleted job still indexed as failed: %+v", failed)
	}

	// Reconnect: data must survive a Close/Init cycle.
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := st.FindAll(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := st.Init(ctx); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	all, err = st.FindAll(ctx)
	if err != nil {
		t.Fatalf("find all after reconnect: %v", err)
	}
	if len(all) != 1 || all[0].ID != id1 {
		t.Fatalf("expected %s to survive reconnect, got %+v", id1, all)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	exerciseStore(t, NewSQLite(config.StoreConfig{Driver: config.DriverSQLite, Path: path}, logging.Discard()))
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	st := NewRedis(config.StoreConfig{Driver: config.DriverRedis, DSN: "redis://" + mr.Addr()}, logging.Discard())
	exerciseStore(t, st)

	if !mr.Exists("queue:jobs") {
		t.Fatalf("expected job index key in redis")
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set (integration test)")
	}
	st := NewPostgres(config.StoreConfig{Driver: config.DriverPostgres, DSN: dsn}, logging.Discard())
	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	pool, _ := st.conn()
	if _, err := pool.Exec(ctx, `DELETE FROM queue`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	st.Close()
	exerciseStore(t, st)
}

func TestInitFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	st := NewRedis(config.StoreConfig{Driver: config.DriverRedis, DSN: "redis://" + addr}, logging.Discard())
	if err := st.Init(context.Background()); err == nil {
		t.Fatalf("expected init to fail against a closed server")
	}
	if _, err := st.Insert(context.Background(), &models.Job{Topic: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.StoreConfig
		want string
	}{
		{"explicit", config.StoreConfig{DSN: "postgres://x/y"}, "postgres://x/y"},
		{"defaults", config.StoreConfig{Database: "q"}, "postgres://localhost:5432/q?sslmode=disable"},
		{"credentials", config.StoreConfig{Host: "db", Port: 6000, User: "u", Password: "p@ss", Database: "q"}, "postgres://u:p%40ss@db:6000/q?sslmode=disable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PostgresDSN(tc.cfg); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	for _, driver := range []string{config.DriverPostgres, config.DriverSQLite, config.DriverRedis, config.DriverMemory} {
		if _, err := Open(config.StoreConfig{Driver: driver}, nil); err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
	}
	if _, err := Open(config.StoreConfig{Driver: "mysql"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

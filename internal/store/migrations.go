package store

import (
	"context"
	"embed"
	"fmt"
	"path"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// runMigrations executes the embedded SQL migrations for dialect in order.
// Every migration is written to be re-runnable.
func runMigrations(ctx context.Context, dialect string, exec func(ctx context.Context, sql string) error) error {
	dir := path.Join("migrations", dialect)
	entries, err := migrationFiles.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if err := exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

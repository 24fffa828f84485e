package startup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dialog/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate применяет встроенные SQL-миграции по порядку имён файлов (001, 002, ...).
// Миграции идемпотентны (IF NOT EXISTS), отдельная таблица версий не ведётся.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("startup.Migrate read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("startup.Migrate read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("startup.Migrate exec %s: %w", name, err)
		}
	}
	return nil
}

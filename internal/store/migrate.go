package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

type migrationFile struct {
	version string // file name of the up migration
	path    string
}

func listMigrations(dir, suffix string) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		files = append(files, migrationFile{
			version: strings.TrimSuffix(name, suffix) + upSuffix,
			path:    filepath.Join(dir, name),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// ApplyMigrations runs every pending *.up.sql file in name order, each in its
// own transaction, and returns how many were applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string, logger zerolog.Logger) (int, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, err
	}
	files, err := listMigrations(migrationsDir, upSuffix)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, file := range files {
		migrated, err := isMigrated(ctx, db, file.version)
		if err != nil {
			return applied, err
		}
		if migrated {
			continue
		}
		if err := runMigration(ctx, db, file, `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
			return applied, err
		}
		logger.Info().Str("version", file.version).Msg("migration applied")
		applied++
	}
	return applied, nil
}

// RevertMigrations rolls back up to steps applied migrations, newest first.
func RevertMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int, logger zerolog.Logger) (int, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, err
	}
	files, err := listMigrations(migrationsDir, downSuffix)
	if err != nil {
		return 0, err
	}

	reverted := 0
	for i := len(files) - 1; i >= 0 && reverted < steps; i-- {
		file := files[i]
		migrated, err := isMigrated(ctx, db, file.version)
		if err != nil {
			return reverted, err
		}
		if !migrated {
			continue
		}
		if err := runMigration(ctx, db, file, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return reverted, err
		}
		logger.Info().Str("version", file.version).Msg("migration reverted")
		reverted++
	}
	return reverted, nil
}

func runMigration(ctx context.Context, db *sql.DB, file migrationFile, record string) error {
	contents, err := os.ReadFile(file.path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file.path, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", file.version, err)
	}
	if sqlText := strings.TrimSpace(string(contents)); sqlText != "" {
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", file.path, err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, file.version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", file.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file.version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}

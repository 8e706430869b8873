package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema change. The version is the numeric file
// prefix, e.g. 0002_append_only.sql is version 2.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations returns the embedded migrations in version order.
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("db: read migrations: %w", err)
	}

	out := make([]Migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("db: migration %s has no version prefix", e.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("db: migration %s: %w", e.Name(), err)
		}
		data, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("db: read %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: e.Name(), SQL: string(data)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrator applies pending migrations and records them in schema_migrations.
type Migrator struct {
	pool   TxBeginner
	logger *slog.Logger
}

func NewMigrator(pool TxBeginner, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{pool: pool, logger: logger}
}

// Run applies every migration newer than the recorded schema version, each in
// its own transaction.
func (m *Migrator) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "starting database migrations")

	migrations, err := Migrations()
	if err != nil {
		return err
	}

	err = InTx(ctx, m.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version integer PRIMARY KEY,
				name text NOT NULL,
				applied_at timestamptz NOT NULL DEFAULT now()
			)`)
		return err
	})
	if err != nil {
		return fmt.Errorf("db: create schema_migrations: %w", err)
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "current schema version", "version", current)

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		m.logger.InfoContext(ctx, "applying migration", "version", mig.Version, "name", mig.Name)

		err := InTx(ctx, m.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.SQL); err != nil {
				return fmt.Errorf("db: apply %s: %w", mig.Name, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name); err != nil {
				return fmt.Errorf("db: record %s: %w", mig.Name, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	m.logger.InfoContext(ctx, "database migrations completed")
	return nil
}

func (m *Migrator) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := InTx(ctx, m.pool, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	})
	if err != nil {
		return 0, fmt.Errorf("db: query schema version: %w", err)
	}
	return version, nil
}

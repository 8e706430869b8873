package db

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreOrderedAndVersioned(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "migration %s", m.Name)
		assert.NotEmpty(t, strings.TrimSpace(m.SQL))
	}
	assert.Contains(t, migrations[0].SQL, "conditions_blocking_never_skipped")
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}

func TestToJSON(t *testing.T) {
	assert.Equal(t, "{}", ToJSON(nil))
	assert.Equal(t, `{"a":1}`, ToJSON(map[string]any{"a": 1}))
	assert.Equal(t, "{}", ToJSON(map[string]any{"bad": make(chan int)}))
}

func TestMigratorRunIsIdempotent(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping migration integration test")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	m := NewMigrator(pool, nil)
	require.NoError(t, m.Run(ctx))
	require.NoError(t, m.Run(ctx))

	var version int
	require.NoError(t, pool.QueryRow(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version))
	migrations, _ := Migrations()
	assert.Equal(t, migrations[len(migrations)-1].Version, version)
}

//go:build integration

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// setupTestStore connects to the local tollbooth_test database and runs
// migrations.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	cfg := Config{
		Host:            "localhost",
		Port:            "5432",
		User:            "postgres",
		Password:        "postgres",
		DB:              "tollbooth_test",
		SslMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5,
		MaxConnIdleTime: 1,
	}

	s, err := NewPostgresStore(context.Background(), cfg)
	require.NoError(t, err, "failed to connect to test database")

	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	projectRoot := filepath.Join(dir, "..", "..")
	migrationsPath := filepath.Join(projectRoot, "migrations")

	require.NoError(t, s.RunMigrations("file://"+migrationsPath), "failed to run migrations on test database")
	return s
}

func cleanupTestStore(t *testing.T, s *PostgresStore) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, table := range []string{"ledger_snapshots", "ledger_blobs"} {
		_, err := s.pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err, "failed to truncate table %s", table)
	}
}

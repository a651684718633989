package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tollbooth/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config holds the connection parameters for PostgresStore.
type Config struct {
	Host            string
	Port            string
	User            string
	Password        string
	DB              string
	SslMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime int
	MaxConnIdleTime int
	MigrationPath   string
}

// PostgresStore is the reference durable-store implementation: a
// primary ledger_blobs row per user plus an append-only
// ledger_snapshots table, one immutable row per SnapshotLedger call —
// the relational equivalent of a "new child per day, prior days kept"
// layout.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DB, cfg.SslMode)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		logger.Error("failed to parse connection config", zap.Error(err))
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = time.Duration(cfg.MaxConnLifetime) * time.Minute
	poolCfg.MaxConnIdleTime = time.Duration(cfg.MaxConnIdleTime) * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create db connection pool", zap.Error(err))
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		logger.Error("database ping failed", zap.Error(err))
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("ledger store connection pool created successfully")
	return &PostgresStore{pool: pool}, nil
}

// RunMigrations applies pending schema migrations using golang-migrate.
func (s *PostgresStore) RunMigrations(migrationPath string) error {
	if migrationPath == "" {
		migrationPath = "file://migrations"
	}

	connStr := s.pool.Config().ConnString()
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("failed to open sql.DB for migrations", zap.Error(err))
		return fmt.Errorf("open database for migrations: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		logger.Error("failed to create postgres driver", zap.Error(err))
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationPath, "postgres", driver)
	if err != nil {
		logger.Error("failed to create migrate instance", zap.Error(err))
		return fmt.Errorf("create migrate instance: %w", err)
	}

	logger.Info("running ledger store migrations")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no new migrations to apply")
			return nil
		}
		logger.Error("migration failed", zap.Error(err))
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d", version)
	}

	logger.Info("ledger store migrations complete", zap.Uint("version", version))
	return nil
}

func (s *PostgresStore) FetchLedger(ctx context.Context, userID string) ([]byte, error) {
	const query = `SELECT blob FROM ledger_blobs WHERE user_id = $1`

	var blob []byte
	err := s.pool.QueryRow(ctx, query, userID).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch ledger for user %s: %w", userID, err)
	}
	return blob, nil
}

func (s *PostgresStore) StoreLedger(ctx context.Context, userID string, blob []byte) (string, error) {
	const query = `
		INSERT INTO ledger_blobs (user_id, blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, query, userID, blob); err != nil {
		return "", fmt.Errorf("store ledger for user %s: %w", userID, err)
	}
	return userID, nil
}

func (s *PostgresStore) SnapshotLedger(ctx context.Context, userID string, blob []byte, at time.Time) (string, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ledger_blobs WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("check primary record for user %s: %w", userID, err)
	}
	if !exists {
		return "", nil
	}

	id := uuid.NewString()
	const query = `INSERT INTO ledger_snapshots (id, user_id, blob, taken_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, id, userID, blob, at); err != nil {
		return "", fmt.Errorf("snapshot ledger for user %s: %w", userID, err)
	}
	return id, nil
}

// Close gracefully shuts down the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		logger.Info("closing ledger store connection pool")
		s.pool.Close()
	}
}

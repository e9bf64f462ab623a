package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
)

// DB wraps the database connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		cfg.MaxConns, cfg.MinConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Set connection pool settings
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks if the database is healthy
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS videos (
	id                       TEXT PRIMARY KEY,
	processing_status        TEXT NOT NULL DEFAULT 'pending',
	processing_progress      INTEGER NOT NULL DEFAULT 0,
	processing_error         TEXT NOT NULL DEFAULT '',
	processing_started_at    TIMESTAMPTZ,
	processing_completed_at  TIMESTAMPTZ,
	width                    INTEGER NOT NULL DEFAULT 0,
	height                   INTEGER NOT NULL DEFAULT 0,
	duration                 DOUBLE PRECISION NOT NULL DEFAULT 0,
	file_size                BIGINT NOT NULL DEFAULT 0,
	mime_type                TEXT NOT NULL DEFAULT '',
	video_file               TEXT NOT NULL DEFAULT '',
	thumbnail_file           TEXT NOT NULL DEFAULT '',
	master_playlist          TEXT NOT NULL DEFAULT '',
	variants                 JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT videos_progress_range CHECK (processing_progress BETWEEN 0 AND 100)
);

CREATE INDEX IF NOT EXISTS idx_videos_processing_status ON videos (processing_status);
`

// Migrate creates the videos table when it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

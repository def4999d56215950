// Package repository persists documents, processing jobs and the sweep
// lease. It speaks plain SQL over database/sql so the same code runs on
// Postgres (pgx) and embedded sqlite; the driver is picked from the DSN.
package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/swiftai/cv-pipeline/internal/common"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	hash           TEXT PRIMARY KEY,
	media_type     TEXT NOT NULL,
	size_bytes     BIGINT NOT NULL,
	uploaded_at_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id                TEXT PRIMARY KEY,
	document_hash     TEXT NOT NULL,
	pipeline_version  TEXT NOT NULL,
	template_id       TEXT NOT NULL,
	state             TEXT NOT NULL,
	attempts          INTEGER NOT NULL DEFAULT 0,
	last_stage        TEXT NOT NULL DEFAULT '',
	error_code        TEXT NOT NULL DEFAULT '',
	error_summary     TEXT NOT NULL DEFAULT '',
	cancel_requested  INTEGER NOT NULL DEFAULT 0,
	next_retry_at_ms  BIGINT NOT NULL DEFAULT 0,
	created_at_ms     BIGINT NOT NULL,
	updated_at_ms     BIGINT NOT NULL,
	rendered_checksum TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_doc ON processing_jobs (document_hash, pipeline_version, state);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_jobs_active ON processing_jobs (document_hash, pipeline_version) WHERE state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELED');
CREATE INDEX IF NOT EXISTS idx_jobs_state_updated ON processing_jobs (state, updated_at_ms);

CREATE TABLE IF NOT EXISTS sweep_leases (
	name          TEXT PRIMARY KEY,
	holder        TEXT NOT NULL DEFAULT '',
	expires_at_ms BIGINT NOT NULL DEFAULT 0
);
`

// Config mirrors common.DatabaseConfig without importing it upward.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// Open connects, applies the schema, and returns the handle.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := "sqlite"
	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		driver = "pgx"
	}
	logger.Info("connecting to job store", "driver", driver)

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		logger.Error("failed to open job store", "error", err)
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
	}
	if cfg.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}
	if cfg.MaxConnIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.MaxConnIdleTime)
	}

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		logger.Error("job store ping failed", "error", err)
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	// one statement per Exec: pgx's extended protocol rejects batches
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("applying schema failed", "error", err)
			return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
		}
	}

	logger.Info("job store ready")
	return db, nil
}

// HealthCheck pings the store to catch DSN issues early.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return db.PingContext(ctx)
}

func nowMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

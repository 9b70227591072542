package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"plugin-warden/internal/config"
	"plugin-warden/internal/plugin"
	"plugin-warden/internal/policy"
)

// DB wraps a PostgreSQL connection pool holding the plugin registry
// mirror and the execution audit log.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool and verifies it.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// Migrate creates the schema when it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
	name             TEXT NOT NULL,
	version          TEXT NOT NULL,
	kind             TEXT NOT NULL,
	author           TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	entry_point      TEXT NOT NULL DEFAULT '',
	dependencies     TEXT[],
	permissions      TEXT[],
	risk_level       TEXT NOT NULL,
	checksum         TEXT NOT NULL,
	signature        TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	path             TEXT NOT NULL,
	status           TEXT NOT NULL,
	risk_score       INTEGER NOT NULL DEFAULT 0,
	findings         TEXT[],
	registered_at    TIMESTAMPTZ NOT NULL,
	approved_by      TEXT NOT NULL DEFAULT '',
	approved_at      TIMESTAMPTZ,
	rejected_by      TEXT NOT NULL DEFAULT '',
	rejected_at      TIMESTAMPTZ,
	suspended_by     TEXT NOT NULL DEFAULT '',
	suspended_at     TIMESTAMPTZ,
	blacklisted_by   TEXT NOT NULL DEFAULT '',
	blacklist_reason TEXT NOT NULL DEFAULT '',
	blacklisted_at   TIMESTAMPTZ,
	PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	plugin          TEXT NOT NULL,
	version         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	risk_level      TEXT NOT NULL,
	backend         TEXT NOT NULL,
	status          TEXT NOT NULL,
	exit_code       INTEGER NOT NULL,
	timed_out       BOOLEAN NOT NULL DEFAULT FALSE,
	duration_ms     BIGINT NOT NULL,
	stdout          TEXT NOT NULL DEFAULT '',
	stderr          TEXT NOT NULL DEFAULT '',
	security_events INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS executions_plugin_idx
	ON executions (plugin, started_at DESC);
`

// SavePlugin upserts one registry record. The registry calls this on
// every state change, so conflicts update the mutable columns.
func (db *DB) SavePlugin(ctx context.Context, rec plugin.Record) error {
	query := `
		INSERT INTO plugins (name, version, kind, author, description, entry_point,
			dependencies, permissions, risk_level, checksum, signature, created_at,
			path, status, risk_score, findings, registered_at,
			approved_by, approved_at, rejected_by, rejected_at,
			suspended_by, suspended_at, blacklisted_by, blacklist_reason, blacklisted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (name, version) DO UPDATE SET
			status           = EXCLUDED.status,
			risk_score       = EXCLUDED.risk_score,
			findings         = EXCLUDED.findings,
			approved_by      = EXCLUDED.approved_by,
			approved_at      = EXCLUDED.approved_at,
			rejected_by      = EXCLUDED.rejected_by,
			rejected_at      = EXCLUDED.rejected_at,
			suspended_by     = EXCLUDED.suspended_by,
			suspended_at     = EXCLUDED.suspended_at,
			blacklisted_by   = EXCLUDED.blacklisted_by,
			blacklist_reason = EXCLUDED.blacklist_reason,
			blacklisted_at   = EXCLUDED.blacklisted_at`

	m := rec.Metadata
	_, err := db.pool.Exec(ctx, query,
		m.Name, m.Version, string(m.Kind), m.Author, m.Description, m.EntryPoint,
		m.Dependencies, m.Permissions, string(m.RiskLevel), m.Checksum, m.Signature, m.CreatedAt,
		rec.Path, string(rec.Status), rec.RiskScore, rec.Findings, rec.RegisteredAt,
		rec.ApprovedBy, rec.ApprovedAt, rec.RejectedBy, rec.RejectedAt,
		rec.SuspendedBy, rec.SuspendedAt, rec.BlacklistedBy, rec.BlacklistReason, rec.BlacklistedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting plugin %s@%s: %w", m.Name, m.Version, err)
	}
	return nil
}

// LoadPlugins returns every stored registry record.
func (db *DB) LoadPlugins(ctx context.Context) ([]plugin.Record, error) {
	query := `
		SELECT name, version, kind, author, description, entry_point,
			dependencies, permissions, risk_level, checksum, signature, created_at,
			path, status, risk_score, findings, registered_at,
			approved_by, approved_at, rejected_by, rejected_at,
			suspended_by, suspended_at, blacklisted_by, blacklist_reason, blacklisted_at
		FROM plugins
		ORDER BY name, version`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying plugins: %w", err)
	}
	defer rows.Close()

	var records []plugin.Record
	for rows.Next() {
		var (
			rec              plugin.Record
			kind, level, sts string
		)
		if err := rows.Scan(
			&rec.Metadata.Name, &rec.Metadata.Version, &kind,
			&rec.Metadata.Author, &rec.Metadata.Description, &rec.Metadata.EntryPoint,
			&rec.Metadata.Dependencies, &rec.Metadata.Permissions, &level,
			&rec.Metadata.Checksum, &rec.Metadata.Signature, &rec.Metadata.CreatedAt,
			&rec.Path, &sts, &rec.RiskScore, &rec.Findings, &rec.RegisteredAt,
			&rec.ApprovedBy, &rec.ApprovedAt, &rec.RejectedBy, &rec.RejectedAt,
			&rec.SuspendedBy, &rec.SuspendedAt, &rec.BlacklistedBy, &rec.BlacklistReason, &rec.BlacklistedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning plugin row: %w", err)
		}
		rec.Metadata.Kind = plugin.Kind(kind)
		rec.Metadata.RiskLevel = policy.Level(level)
		rec.Status = plugin.Status(sts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

const insertExecution = `
	INSERT INTO executions (id, plugin, version, kind, risk_level, backend,
		status, exit_code, timed_out, duration_ms, stdout, stderr,
		security_events, error, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

// LogExecutions inserts a batch of execution records in a single round
// trip.
func (db *DB) LogExecutions(ctx context.Context, rows []ExecutionRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range rows {
		row := &rows[i]
		batch.Queue(insertExecution,
			row.ID, row.Plugin, row.Version, row.Kind, row.RiskLevel, row.Backend,
			row.Status, row.ExitCode, row.TimedOut, row.DurationMS,
			truncateForDB(row.Stdout, 65535),
			truncateForDB(row.Stderr, 65535),
			row.SecurityEvents, row.Error, row.StartedAt, row.FinishedAt,
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("inserting execution batch: %w", err)
		}
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*ExecutionRow, error) {
	query := `
		SELECT id, plugin, version, kind, risk_level, backend,
			status, exit_code, timed_out, duration_ms, stdout, stderr,
			security_events, error, started_at, finished_at
		FROM executions WHERE id = $1`

	var row ExecutionRow
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&row.ID, &row.Plugin, &row.Version, &row.Kind, &row.RiskLevel, &row.Backend,
		&row.Status, &row.ExitCode, &row.TimedOut, &row.DurationMS,
		&row.Stdout, &row.Stderr,
		&row.SecurityEvents, &row.Error, &row.StartedAt, &row.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &row, nil
}

// ListExecutions queries the audit log with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRow, error) {
	query := `
		SELECT id, plugin, version, kind, risk_level, backend,
			status, exit_code, timed_out, duration_ms,
			security_events, error, started_at, finished_at
		FROM executions
		WHERE ($1 = '' OR plugin = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Plugin, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []ExecutionRow
	for rows.Next() {
		var row ExecutionRow
		if err := rows.Scan(
			&row.ID, &row.Plugin, &row.Version, &row.Kind, &row.RiskLevel, &row.Backend,
			&row.Status, &row.ExitCode, &row.TimedOut, &row.DurationMS,
			&row.SecurityEvents, &row.Error, &row.StartedAt, &row.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

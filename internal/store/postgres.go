package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/chimera-autarch/autarch/internal/idgen"
	"github.com/chimera-autarch/autarch/internal/observability"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS evolutions (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	failure_reason TEXT NOT NULL,
	applied_fix TEXT NOT NULL,
	observed_improvement DOUBLE PRECISION NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tool_metrics (
	tool TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	success BOOLEAN NOT NULL,
	latency DOUBLE PRECISION NOT NULL,
	context JSONB
);
CREATE TABLE IF NOT EXISTS model_versions (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	version TEXT NOT NULL,
	params_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	metrics JSONB
);
`

// PostgresConfig configures the optional clustered store.
type PostgresConfig struct {
	DSN             string
	BackupDir       string
	BackupRetention int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns sensible pool defaults, mirroring the
// teacher's CockroachConfig pooling choices.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		BackupDir:       "backups",
		BackupRetention: 24,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// PostgresStore is the opt-in clustered-deployment Store implementation.
type PostgresStore struct {
	db      *sql.DB
	cfg     PostgresConfig
	ids     *idgen.Generator
	logger  *slog.Logger
	metrics *observability.Metrics
}

// OpenPostgres opens a Postgres/CockroachDB-backed Store using the lib/pq
// driver. metrics may be nil.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger, metrics *observability.Metrics) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = 24
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{
		db:      db,
		cfg:     cfg,
		ids:     idgen.New(),
		logger:  logger.With("component", "store.postgres"),
		metrics: metrics,
	}, nil
}

// storageErr records a StorageUnavailable metric for op and wraps err in
// ErrUnavailable.
func (s *PostgresStore) storageErr(op string, err error) error {
	if s.metrics != nil {
		s.metrics.RecordStorageError(op)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *PostgresStore) RecordEvolution(ctx context.Context, topic, failureReason, appliedFix string, observedImprovement float64) (string, error) {
	id := s.ids.Next()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evolutions (id, topic, failure_reason, applied_fix, observed_improvement, ts) VALUES ($1,$2,$3,$4,$5,$6)`,
		id, topic, failureReason, appliedFix, observedImprovement, time.Now(),
	)
	if err != nil {
		return "", s.storageErr("record_evolution", err)
	}
	return id, nil
}

// RecordToolMetric writes synchronously; the Postgres backend relies on the
// driver's own connection pool rather than the sqlite backend's local
// queue, since concurrent connections already absorb bursts.
func (s *PostgresStore) RecordToolMetric(ctx context.Context, ev ToolMetricEvent) error {
	var ctxBlob []byte
	if ev.Context != nil {
		ctxBlob, _ = json.Marshal(ev.Context)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_metrics (tool, ts, success, latency, context) VALUES ($1,$2,$3,$4,$5)`,
		ev.ToolName, ev.Timestamp, ev.Success, ev.LatencySeconds, ctxBlob,
	)
	if err != nil {
		return s.storageErr("record_tool_metric", err)
	}
	return nil
}

func (s *PostgresStore) LoadRecentEvolutions(ctx context.Context, limit int) ([]EvolutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, failure_reason, applied_fix, observed_improvement, ts FROM evolutions ORDER BY ts DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, s.storageErr("load_recent_evolutions", err)
	}
	defer rows.Close()

	var out []EvolutionRecord
	for rows.Next() {
		var r EvolutionRecord
		if err := rows.Scan(&r.ID, &r.Topic, &r.FailureReason, &r.AppliedFix, &r.ObservedImprovement, &r.Timestamp); err != nil {
			return nil, s.storageErr("load_recent_evolutions", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordModelVersion(ctx context.Context, mv ModelVersion) error {
	if mv.ID == "" {
		mv.ID = s.ids.Next()
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now()
	}
	var metricsBlob []byte
	if mv.Metrics != nil {
		metricsBlob, _ = json.Marshal(mv.Metrics)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_versions (id, topic, version, params_hash, created_at, metrics) VALUES ($1,$2,$3,$4,$5,$6)`,
		mv.ID, mv.Topic, mv.Version, mv.ParamsHash, mv.CreatedAt, metricsBlob,
	)
	if err != nil {
		return s.storageErr("record_model_version", err)
	}
	return nil
}

func (s *PostgresStore) LatestModelVersion(ctx context.Context, topic string) (ModelVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, topic, version, params_hash, created_at, metrics FROM model_versions WHERE topic = $1 ORDER BY created_at DESC LIMIT 1`,
		topic,
	)
	var mv ModelVersion
	var metricsBlob []byte
	if err := row.Scan(&mv.ID, &mv.Topic, &mv.Version, &mv.ParamsHash, &mv.CreatedAt, &metricsBlob); err != nil {
		if err == sql.ErrNoRows {
			return ModelVersion{}, ErrNotFound
		}
		return ModelVersion{}, s.storageErr("latest_model_version", err)
	}
	if len(metricsBlob) > 0 {
		_ = json.Unmarshal(metricsBlob, &mv.Metrics)
	}
	return mv, nil
}

// BackupNow produces a logical, pg_dump-shaped export: a single JSON-lines
// file holding every row of every table, each line tagged with its table
// name. lib/pq does not expose a server-side snapshot primitive, so
// the export runs inside a single REPEATABLE READ transaction for
// consistency across tables.
func (s *PostgresStore) BackupNow(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.cfg.BackupDir, 0o755); err != nil {
		return "", s.storageErr("backup_now", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return "", s.storageErr("backup_now", err)
	}
	defer tx.Rollback()

	name := fmt.Sprintf("%s.snapshot", time.Now().UTC().Format("20060102T150405.000000000Z"))
	dest := filepath.Join(s.cfg.BackupDir, name)

	f, err := os.Create(dest)
	if err != nil {
		return "", s.storageErr("backup_now", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, table := range []string{"evolutions", "tool_metrics", "model_versions"} {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT row_to_json(t) FROM %s t", pq.QuoteIdentifier(table)))
		if err != nil {
			return "", s.storageErr("backup_now", err)
		}
		for rows.Next() {
			var raw json.RawMessage
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return "", s.storageErr("backup_now", err)
			}
			if err := enc.Encode(map[string]any{"table": table, "row": raw}); err != nil {
				rows.Close()
				return "", s.storageErr("backup_now", err)
			}
		}
		rows.Close()
	}

	if err := s.enforceRetention(); err != nil {
		s.logger.Warn("backup retention sweep failed", "error", err)
	}

	return dest, nil
}

func (s *PostgresStore) enforceRetention() error {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= s.cfg.BackupRetention {
		return nil
	}
	for _, n := range names[:len(names)-s.cfg.BackupRetention] {
		if err := os.Remove(filepath.Join(s.cfg.BackupDir, n)); err != nil {
			s.logger.Warn("failed to remove old backup", "file", n, "error", err)
		}
	}
	return nil
}

// Stats always reports zero dropped metrics: writes are synchronous.
func (s *PostgresStore) Stats() Stats {
	return Stats{}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

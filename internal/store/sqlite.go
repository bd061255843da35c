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
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chimera-autarch/autarch/internal/idgen"
	"github.com/chimera-autarch/autarch/internal/observability"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS evolutions (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	failure_reason TEXT NOT NULL,
	applied_fix TEXT NOT NULL,
	observed_improvement REAL NOT NULL,
	ts DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tool_metrics (
	tool TEXT NOT NULL,
	ts DATETIME NOT NULL,
	success INTEGER NOT NULL,
	latency REAL NOT NULL,
	context TEXT
);
CREATE TABLE IF NOT EXISTS model_versions (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	version TEXT NOT NULL,
	params_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	metrics TEXT
);
`

// SQLiteConfig configures the default embedded store.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:" for an ephemeral store.
	Path string

	// BackupDir is where BackupNow places snapshots. Defaults to
	// "backups" next to Path.
	BackupDir string

	// BackupRetention is the number of snapshots BackupNow keeps; older
	// ones are deleted FIFO.
	BackupRetention int

	// MetricQueueSize bounds the async tool-metric write queue.
	MetricQueueSize int
}

// DefaultSQLiteConfig returns the documented defaults.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:            path,
		BackupDir:       filepath.Join(filepath.Dir(path), "backups"),
		BackupRetention: 24,
		MetricQueueSize: 1024,
	}
}

// SQLiteStore is the default Store implementation, backed by the pure-Go
// modernc.org/sqlite driver.
type SQLiteStore struct {
	db      *sql.DB
	cfg     SQLiteConfig
	ids     *idgen.Generator
	logger  *slog.Logger
	metrics *observability.Metrics

	metricsCh chan ToolMetricEvent
	wg        sync.WaitGroup
	closeOnce sync.Once
	stopCh    chan struct{}

	dropped atomic.Uint64
}

// OpenSQLite opens (creating if necessary) a sqlite-backed Store. metrics
// may be nil.
func OpenSQLite(cfg SQLiteConfig, logger *slog.Logger, metrics *observability.Metrics) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricQueueSize <= 0 {
		cfg.MetricQueueSize = 1024
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = 24
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY churn

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		cfg:       cfg,
		ids:       idgen.New(),
		logger:    logger.With("component", "store.sqlite"),
		metrics:   metrics,
		metricsCh: make(chan ToolMetricEvent, cfg.MetricQueueSize),
		stopCh:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.drainMetrics()

	return s, nil
}

// storageErr records a StorageUnavailable metric for op and wraps err in
// ErrUnavailable.
func (s *SQLiteStore) storageErr(op string, err error) error {
	if s.metrics != nil {
		s.metrics.RecordStorageError(op)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *SQLiteStore) RecordEvolution(ctx context.Context, topic, failureReason, appliedFix string, observedImprovement float64) (string, error) {
	id := s.ids.Next()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evolutions (id, topic, failure_reason, applied_fix, observed_improvement, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		id, topic, failureReason, appliedFix, observedImprovement, time.Now(),
	)
	if err != nil {
		return "", s.storageErr("record_evolution", err)
	}
	return id, nil
}

// RecordToolMetric enqueues the metric for asynchronous persistence (one
// insert per metric, written by a background goroutine), returning
// immediately. On queue overflow the oldest pending metric is
// dropped and the drop counter incremented, per the store's bounded-queue
// overflow policy.
func (s *SQLiteStore) RecordToolMetric(ctx context.Context, ev ToolMetricEvent) error {
	select {
	case s.metricsCh <- ev:
		return nil
	default:
	}
	// Queue full: drop oldest, then enqueue newest.
	select {
	case <-s.metricsCh:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.metricsCh <- ev:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *SQLiteStore) drainMetrics() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.metricsCh:
			s.writeMetric(ev)
		case <-s.stopCh:
			// Flush whatever remains without blocking forever.
			for {
				select {
				case ev := <-s.metricsCh:
					s.writeMetric(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *SQLiteStore) writeMetric(ev ToolMetricEvent) {
	var ctxBlob []byte
	if ev.Context != nil {
		ctxBlob, _ = json.Marshal(ev.Context)
	}
	_, err := s.db.Exec(
		`INSERT INTO tool_metrics (tool, ts, success, latency, context) VALUES (?, ?, ?, ?, ?)`,
		ev.ToolName, ev.Timestamp, ev.Success, ev.LatencySeconds, string(ctxBlob),
	)
	if err != nil {
		s.logger.Warn("failed to write tool metric", "tool", ev.ToolName, "error", err)
		if s.metrics != nil {
			s.metrics.RecordStorageError("record_tool_metric")
		}
	}
}

func (s *SQLiteStore) LoadRecentEvolutions(ctx context.Context, limit int) ([]EvolutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, failure_reason, applied_fix, observed_improvement, ts FROM evolutions ORDER BY ts DESC, id DESC LIMIT ?`,
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

func (s *SQLiteStore) RecordModelVersion(ctx context.Context, mv ModelVersion) error {
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
		`INSERT INTO model_versions (id, topic, version, params_hash, created_at, metrics) VALUES (?, ?, ?, ?, ?, ?)`,
		mv.ID, mv.Topic, mv.Version, mv.ParamsHash, mv.CreatedAt, string(metricsBlob),
	)
	if err != nil {
		return s.storageErr("record_model_version", err)
	}
	return nil
}

func (s *SQLiteStore) LatestModelVersion(ctx context.Context, topic string) (ModelVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, topic, version, params_hash, created_at, metrics FROM model_versions WHERE topic = ? ORDER BY created_at DESC LIMIT 1`,
		topic,
	)
	var mv ModelVersion
	var metricsBlob string
	if err := row.Scan(&mv.ID, &mv.Topic, &mv.Version, &mv.ParamsHash, &mv.CreatedAt, &metricsBlob); err != nil {
		if err == sql.ErrNoRows {
			return ModelVersion{}, ErrNotFound
		}
		return ModelVersion{}, s.storageErr("latest_model_version", err)
	}
	if metricsBlob != "" {
		_ = json.Unmarshal([]byte(metricsBlob), &mv.Metrics)
	}
	return mv, nil
}

// BackupNow produces a consistent snapshot via VACUUM INTO, then enforces
// retention by deleting the oldest snapshots beyond cfg.BackupRetention.
func (s *SQLiteStore) BackupNow(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.cfg.BackupDir, 0o755); err != nil {
		return "", s.storageErr("backup_now", err)
	}

	name := fmt.Sprintf("%s.snapshot", time.Now().UTC().Format("20060102T150405.000000000Z"))
	dest := filepath.Join(s.cfg.BackupDir, name)

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return "", s.storageErr("backup_now", err)
	}

	if err := s.enforceRetention(); err != nil {
		s.logger.Warn("backup retention sweep failed", "error", err)
	}

	return dest, nil
}

func (s *SQLiteStore) enforceRetention() error {
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
	sort.Strings(names) // timestamp-prefixed names sort chronologically
	if len(names) <= s.cfg.BackupRetention {
		return nil
	}
	toRemove := names[:len(names)-s.cfg.BackupRetention]
	for _, n := range toRemove {
		if err := os.Remove(filepath.Join(s.cfg.BackupDir, n)); err != nil {
			s.logger.Warn("failed to remove old backup", "file", n, "error", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Stats() Stats {
	return Stats{DroppedMetrics: s.dropped.Load()}
}

func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

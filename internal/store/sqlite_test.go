package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSQLiteRecordAndLoadEvolutions(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(DefaultSQLiteConfig(filepath.Join(dir, "autarch.db")), nil, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	id1, err := s.RecordEvolution(ctx, "optimization", "timeout", "federated_training rounds=5", 0.2)
	if err != nil {
		t.Fatalf("record evolution: %v", err)
	}
	id2, err := s.RecordEvolution(ctx, "optimization", "timeout", "federated_training rounds=5", 0.3)
	if err != nil {
		t.Fatalf("record evolution: %v", err)
	}
	if id1 == id2 {
		t.Fatal("expected distinct ids")
	}

	recent, err := s.LoadRecentEvolutions(ctx, 10)
	if err != nil {
		t.Fatalf("load recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 evolutions, got %d", len(recent))
	}
	if recent[0].ID != id2 {
		t.Fatalf("expected newest-first order, got %+v", recent)
	}
}

func TestSQLiteRecordToolMetricIsAsync(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(DefaultSQLiteConfig(filepath.Join(dir, "autarch.db")), nil, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	ctx := context.Background()
	if err := s.RecordToolMetric(ctx, ToolMetricEvent{ToolName: "echo", Success: true, LatencySeconds: 0.01}); err != nil {
		t.Fatalf("record tool metric: %v", err)
	}
	// Close drains the queue before returning.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSQLiteBackupRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultSQLiteConfig(filepath.Join(dir, "autarch.db"))
	cfg.BackupRetention = 2
	s, err := OpenSQLite(cfg, nil, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := s.BackupNow(ctx); err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(cfg.BackupDir)
	if err != nil {
		t.Fatalf("read backup dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 retained backups, got %d", len(entries))
	}
}

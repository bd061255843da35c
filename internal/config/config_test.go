package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "autarch.yaml", `
control_plane:
  port: 9000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlPlane.Port != 9000 {
		t.Fatalf("expected explicit port 9000, got %d", cfg.ControlPlane.Port)
	}
	if cfg.Metacognitive.ConfidenceThreshold != 0.60 {
		t.Fatalf("expected default confidence threshold 0.60, got %f", cfg.Metacognitive.ConfidenceThreshold)
	}
	if cfg.Nodes.MaxRetries != 2 {
		t.Fatalf("expected default max_retries 2, got %d", cfg.Nodes.MaxRetries)
	}
	if cfg.Persistence.Backend != "sqlite" {
		t.Fatalf("expected default backend sqlite, got %q", cfg.Persistence.Backend)
	}
	if cfg.Intent.DefaultTool != "echo" {
		t.Fatalf("expected default intent tool echo, got %q", cfg.Intent.DefaultTool)
	}
}

func TestLoadResolvesInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nodes.yaml", `
nodes:
  max_retries: 5
`)
	path := writeFile(t, dir, "autarch.yaml", `
$include: nodes.yaml
control_plane:
  port: 9001
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Nodes.MaxRetries != 5 {
		t.Fatalf("expected included max_retries 5, got %d", cfg.Nodes.MaxRetries)
	}
	if cfg.ControlPlane.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", cfg.ControlPlane.Port)
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "autarch.yaml", `
control_plane:
  port: 9000
`)
	t.Setenv("AUTARCH_CONTROL_PLANE_PORT", "9999")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlPlane.Port != 9999 {
		t.Fatalf("expected env override 9999, got %d", cfg.ControlPlane.Port)
	}
}

func TestLoadRejectsInvalidBackend(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "autarch.yaml", `
persistence:
  backend: mongo
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unrecognized backend")
	}
}

func TestLoadRejectsMismatchedTLSPair(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "autarch.yaml", `
control_plane:
  tls_cert: cert.pem
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for mismatched TLS pair")
	}
}

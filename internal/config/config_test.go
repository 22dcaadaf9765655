package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()
	if cfg.Queue.MaxAttempts <= 0 {
		t.Fatalf("default max attempts = %d", cfg.Queue.MaxAttempts)
	}
	if cfg.History.InlineThresholdBytes != 16<<10 {
		t.Fatalf("default inline threshold = %d", cfg.History.InlineThresholdBytes)
	}
	if cfg.Storage.DataDir == "" {
		t.Fatalf("default data dir empty")
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfeed.json")
	body := `{"queue":{"maxAttempts":9},"flush":{"bypass":true}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.MaxAttempts != 9 {
		t.Fatalf("maxAttempts = %d", cfg.Queue.MaxAttempts)
	}
	if !cfg.Flush.Bypass {
		t.Fatalf("bypass not loaded")
	}
	// Untouched sections keep defaults.
	if cfg.Queue.BackoffBaseSec != 60 {
		t.Fatalf("backoff base = %d", cfg.Queue.BackoffBaseSec)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfeed.toml")
	body := "[queue]\nmaxAttempts = 7\n\n[auditLog]\npath = \"/var/log/cfeed/audit.tsv\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.MaxAttempts != 7 {
		t.Fatalf("maxAttempts = %d", cfg.Queue.MaxAttempts)
	}
	if cfg.AuditLog.Path != "/var/log/cfeed/audit.tsv" {
		t.Fatalf("audit path = %q", cfg.AuditLog.Path)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfeed.yaml")
	if err := os.WriteFile(path, []byte("a: 1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("yaml load succeeded")
	}
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("CFEED_QUEUE_MAX_ATTEMPTS", "11")
	t.Setenv("CFEED_FLUSH_BYPASS", "true")
	t.Setenv("CFEED_LOG_LEVEL", "debug")

	cfg := Default()
	if err := FromEnv(&cfg); err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if cfg.Queue.MaxAttempts != 11 {
		t.Fatalf("maxAttempts = %d", cfg.Queue.MaxAttempts)
	}
	if !cfg.Flush.Bypass {
		t.Fatalf("bypass not overlaid")
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level = %q", cfg.Log.Level)
	}
	// Unset variables leave file/default values alone.
	if cfg.Queue.BackoffMaxSec != 3600 {
		t.Fatalf("backoff max = %d", cfg.Queue.BackoffMaxSec)
	}
}

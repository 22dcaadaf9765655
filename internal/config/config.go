package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Log      LogConfig      `json:"log" toml:"log" envPrefix:"LOG_"`
	Storage  StorageConfig  `json:"storage" toml:"storage" envPrefix:"STORAGE_"`
	Queue    QueueConfig    `json:"queue" toml:"queue" envPrefix:"QUEUE_"`
	History  HistoryConfig  `json:"history" toml:"history" envPrefix:"HISTORY_"`
	AuditLog AuditLogConfig `json:"auditLog" toml:"auditLog" envPrefix:"AUDITLOG_"`
	Flush    FlushConfig    `json:"flush" toml:"flush" envPrefix:"FLUSH_"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `json:"level" toml:"level" env:"LEVEL"`
	Format string `json:"format" toml:"format" env:"FORMAT"`
}

// StorageConfig controls the embedded store.
type StorageConfig struct {
	DataDir         string `json:"dataDir" toml:"dataDir" env:"DATA_DIR"`
	Fsync           string `json:"fsync" toml:"fsync" env:"FSYNC"`
	FsyncIntervalMs int    `json:"fsyncIntervalMs" toml:"fsyncIntervalMs" env:"FSYNC_INTERVAL_MS"`
}

// QueueConfig controls queue behavior.
type QueueConfig struct {
	MaxAttempts             int32 `json:"maxAttempts" toml:"maxAttempts" env:"MAX_ATTEMPTS"`
	VisibilityTimeoutSec    int   `json:"visibilityTimeoutSec" toml:"visibilityTimeoutSec" env:"VISIBILITY_TIMEOUT_SEC"`
	BackoffBaseSec          int   `json:"backoffBaseSec" toml:"backoffBaseSec" env:"BACKOFF_BASE_SEC"`
	BackoffMaxSec           int   `json:"backoffMaxSec" toml:"backoffMaxSec" env:"BACKOFF_MAX_SEC"`
	EmptyPopCooldownSec     int   `json:"emptyPopCooldownSec" toml:"emptyPopCooldownSec" env:"EMPTY_POP_COOLDOWN_SEC"`
	DefaultPopBatchSize     int   `json:"defaultPopBatchSize" toml:"defaultPopBatchSize" env:"DEFAULT_POP_BATCH_SIZE"`
	FlushRetentionDays      int   `json:"flushRetentionDays" toml:"flushRetentionDays" env:"FLUSH_RETENTION_DAYS"`
	FlushScheduleIntervalHr int   `json:"flushScheduleIntervalHr" toml:"flushScheduleIntervalHr" env:"FLUSH_SCHEDULE_INTERVAL_HR"`
}

// HistoryConfig controls the history repository.
type HistoryConfig struct {
	InlineThresholdBytes int    `json:"inlineThresholdBytes" toml:"inlineThresholdBytes" env:"INLINE_THRESHOLD_BYTES"`
	BlobAccount          string `json:"blobAccount" toml:"blobAccount" env:"BLOB_ACCOUNT"`
	BlobContainer        string `json:"blobContainer" toml:"blobContainer" env:"BLOB_CONTAINER"`
}

// AuditLogConfig controls the audit appender.
type AuditLogConfig struct {
	Path                  string `json:"path" toml:"path" env:"PATH"`
	MaxBatchSize          int    `json:"maxBatchSize" toml:"maxBatchSize" env:"MAX_BATCH_SIZE"`
	MaxExceptionLength    int    `json:"maxExceptionLength" toml:"maxExceptionLength" env:"MAX_EXCEPTION_LENGTH"`
	CheckpointIntervalSec int    `json:"checkpointIntervalSec" toml:"checkpointIntervalSec" env:"CHECKPOINT_INTERVAL_SEC"`
}

// FlushConfig controls the background flush worker.
type FlushConfig struct {
	Bypass          bool `json:"bypass" toml:"bypass" env:"BYPASS"`
	PageDeadlineSec int  `json:"pageDeadlineSec" toml:"pageDeadlineSec" env:"PAGE_DEADLINE_SEC"`
	RetryDelaySec   int  `json:"retryDelaySec" toml:"retryDelaySec" env:"RETRY_DELAY_SEC"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			DataDir: DefaultDataDir(),
			Fsync:   "always",
		},
		Queue: QueueConfig{
			MaxAttempts:             5,
			VisibilityTimeoutSec:    300,
			BackoffBaseSec:          60,
			BackoffMaxSec:           3600,
			EmptyPopCooldownSec:     60,
			DefaultPopBatchSize:     100,
			FlushRetentionDays:      30,
			FlushScheduleIntervalHr: 24,
		},
		History: HistoryConfig{
			InlineThresholdBytes: 16 << 10,
			BlobAccount:          "local",
			BlobContainer:        "commandhistory",
		},
		AuditLog: AuditLogConfig{
			Path:                  "",
			MaxBatchSize:          500,
			MaxExceptionLength:    50000,
			CheckpointIntervalSec: 30,
		},
		Flush: FlushConfig{
			PageDeadlineSec: 600,
			RetryDelaySec:   60,
		},
	}
}

// Load reads configuration from a JSON or TOML file, by extension. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json", "":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return cfg, nil
}

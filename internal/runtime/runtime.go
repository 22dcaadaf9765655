package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mysoftskill/commandfeed/internal/auditlog"
	"github.com/mysoftskill/commandfeed/internal/blobstore"
	cfgpkg "github.com/mysoftskill/commandfeed/internal/config"
	"github.com/mysoftskill/commandfeed/internal/docstore"
	"github.com/mysoftskill/commandfeed/internal/history"
	"github.com/mysoftskill/commandfeed/internal/lock"
	"github.com/mysoftskill/commandfeed/internal/queue"
	pebblestore "github.com/mysoftskill/commandfeed/internal/storage/pebble"
	"github.com/mysoftskill/commandfeed/internal/worker"
	"github.com/mysoftskill/commandfeed/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger

	// AuditSink overrides the configured audit file. Used by tests and
	// the CLI's stdout mode.
	AuditSink io.Writer
}

// Runtime wires storage, config, and the feed components for a single-node
// instance.
type Runtime struct {
	db        *pebblestore.DB
	docs      docstore.Store
	queue     *queue.Queue
	history   *history.Repository
	audit     *auditlog.Appender
	auditFile *os.File
	config    cfgpkg.Config
	logger    log.Logger
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	cfg := opts.Config

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.Storage.DataDir,
		Fsync:         parseFsync(cfg.Storage.Fsync),
		FsyncInterval: time.Duration(cfg.Storage.FsyncIntervalMs) * time.Millisecond,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	rt := &Runtime{db: db, config: cfg, logger: opts.Logger}
	rt.docs = docstore.NewPebbleStore(db)
	blobs := blobstore.NewPebbleStore(db, cfg.History.BlobAccount, cfg.History.BlobContainer)
	rt.history = history.NewRepository(rt.docs, blobs, history.Options{
		InlineThreshold: cfg.History.InlineThresholdBytes,
		Logger:          opts.Logger,
	})

	sink := opts.AuditSink
	if sink == nil {
		sink, err = rt.openAuditFile(cfg.AuditLog.Path)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	rt.audit = auditlog.NewAppender(sink, auditlog.AppenderOptions{
		MaxBatchSize:       cfg.AuditLog.MaxBatchSize,
		MaxExceptionLength: cfg.AuditLog.MaxExceptionLength,
		Logger:             opts.Logger,
	})

	rt.queue = queue.New(rt.docs, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff: queue.ExponentialBackoff(
			time.Duration(cfg.Queue.BackoffBaseSec)*time.Second,
			time.Duration(cfg.Queue.BackoffMaxSec)*time.Second,
		),
		EmptyPopCooldown: time.Duration(cfg.Queue.EmptyPopCooldownSec) * time.Second,
		Recorder:         worker.NewLifecycleRecorder(rt.history, rt.audit, opts.Logger),
		Logger:           opts.Logger,
	})
	return rt, nil
}

func (r *Runtime) openAuditFile(path string) (io.Writer, error) {
	if path == "" {
		return io.Discard, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	r.auditFile = f
	return f, nil
}

// Close flushes the audit batch and closes underlying resources.
func (r *Runtime) Close() error {
	var errs []error
	if r.audit != nil {
		if err := r.audit.Checkpoint(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if r.auditFile != nil {
		if err := r.auditFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckHealth performs a simple storage probe.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// FlushLock returns the distributed lock coordinating the named flush shard.
func (r *Runtime) FlushLock(name string) *lock.Lock[worker.FlushState] {
	return lock.New[worker.FlushState](r.docs, name, r.logger)
}

// Queue returns the command queue.
func (r *Runtime) Queue() *queue.Queue { return r.queue }

// History returns the history repository.
func (r *Runtime) History() *history.Repository { return r.history }

// Audit returns the audit appender.
func (r *Runtime) Audit() *auditlog.Appender { return r.audit }

// Docs exposes the document store for advanced operations (internal use
// only).
func (r *Runtime) Docs() docstore.Store { return r.docs }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

func parseFsync(mode string) pebblestore.FsyncMode {
	switch mode {
	case "always":
		return pebblestore.FsyncModeAlways
	case "interval":
		return pebblestore.FsyncModeInterval
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeUnspecified
	}
}

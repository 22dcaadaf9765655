// Package daemon runs the long-lived command feed process: the runtime over
// a lock-guarded data directory, the periodic audit checkpointer, and one
// lock-coordinated flush loop per configured shard.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	cfgpkg "github.com/mysoftskill/commandfeed/internal/config"
	"github.com/mysoftskill/commandfeed/internal/runtime"
	"github.com/mysoftskill/commandfeed/internal/worker"
	logpkg "github.com/mysoftskill/commandfeed/pkg/log"
)

// Options configures a daemon run.
type Options struct {
	Config cfgpkg.Config

	// FlushPartitions lists the queue partitions this instance offers to
	// flush on schedule. Lock coordination decides who actually runs.
	FlushPartitions []string

	Logger logpkg.Logger
}

// Run starts the daemon and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	cfg := opts.Config

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	dirLock := flock.New(filepath.Join(cfg.Storage.DataDir, "cfeed.lock"))
	locked, err := dirLock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("data dir %s is in use by another instance", cfg.Storage.DataDir)
	}
	defer dirLock.Unlock()

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	workerID := uuid.NewString()
	logger.Info("daemon started",
		logpkg.Str("data_dir", cfg.Storage.DataDir),
		logpkg.Str("worker_id", workerID),
		logpkg.Int("flush_partitions", len(opts.FlushPartitions)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := time.Duration(cfg.AuditLog.CheckpointIntervalSec) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		if err := rt.Audit().Run(sctx, interval); err != nil {
			logger.Error("audit appender stopped", logpkg.Err(err))
		}
	}()

	for _, partition := range opts.FlushPartitions {
		wg.Add(1)
		go func(partition string) {
			defer wg.Done()
			runFlushLoop(sctx, rt, cfg, workerID, partition, logger)
		}(partition)
	}

	<-sctx.Done()
	wg.Wait()
	logger.Info("daemon stopped")
	return nil
}

// runFlushLoop schedules one flush pass per configured interval, resuming
// early when a pass runs out of its page deadline.
func runFlushLoop(ctx context.Context, rt *runtime.Runtime, cfg cfgpkg.Config, workerID, partition string, logger logpkg.Logger) {
	handler := worker.NewFlushHandler(
		rt.Queue(),
		rt.FlushLock("flush."+partition),
		workerID,
		worker.FlushOptions{
			PageDeadline: time.Duration(cfg.Flush.PageDeadlineSec) * time.Second,
			RetryDelay:   time.Duration(cfg.Flush.RetryDelaySec) * time.Second,
			Bypass:       cfg.Flush.Bypass,
			Logger:       logger,
		},
	)
	interval := time.Duration(cfg.Queue.FlushScheduleIntervalHr) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(cfg.Queue.FlushRetentionDays) * 24 * time.Hour

	wait := time.Duration(0)
	for {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		before := time.Now().Add(-retention)
		data, err := json.Marshal(&worker.FlushWorkItem{PartitionKey: partition, FlushBefore: before.Unix()})
		if err != nil {
			logger.Error("flush item encode failed", logpkg.Err(err))
			wait = interval
			continue
		}
		item := worker.WorkItem{ID: uuid.NewString(), EnqueuedTime: time.Now(), Data: data}
		diag := worker.NewDiagContext()
		res, err := handler.Process(ctx, item, diag)
		if err != nil {
			logger.Error("flush pass failed",
				logpkg.Str("partition", partition),
				logpkg.Err(err))
			wait = interval
			continue
		}
		logger.Info("flush pass finished",
			logpkg.Str("partition", partition),
			logpkg.Any("diag", diag.Properties()))
		if retry, after := res.Retry(); retry {
			wait = after
			continue
		}
		wait = interval
	}
}

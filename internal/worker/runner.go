package worker

import (
	"context"
	"errors"
	"time"

	"github.com/mysoftskill/commandfeed/internal/lock"
	"github.com/mysoftskill/commandfeed/pkg/log"
)

// LockRunner runs a task under a distributed lock, renewing the lease at a
// third of its duration for as long as the task runs. A renewal that loses
// the lock cancels the task's context; that is voluntary relinquishment, not
// a failure.
type LockRunner[T any] struct {
	lock     *lock.Lock[T]
	workerID string
	lease    time.Duration
	clock    func() time.Time
	logger   log.Logger
}

// NewLockRunner creates a runner for the given lock and worker identity.
func NewLockRunner[T any](l *lock.Lock[T], workerID string, lease time.Duration, logger log.Logger) *LockRunner[T] {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &LockRunner[T]{
		lock:     l,
		workerID: workerID,
		lease:    lease,
		clock:    time.Now,
		logger:   logger.WithComponent("lockrunner"),
	}
}

// Run acquires the lock and executes task with it held. It returns (false,
// nil) without running the task when another worker holds the lock. The
// lock's state is released back with whatever the task left on the handle.
func (r *LockRunner[T]) Run(ctx context.Context, task func(ctx context.Context, handle *lock.Handle[T]) error) (bool, error) {
	handle, err := r.lock.TryAcquireOrRenew(ctx, r.workerID, r.lease, r.clock())
	if err != nil {
		return false, err
	}
	if handle == nil {
		return false, nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(r.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				if err := handle.Renew(taskCtx, r.lease, r.clock()); err != nil {
					if errors.Is(err, lock.ErrLostLock) {
						r.logger.Info("lease lost, relinquishing",
							log.Str("worker_id", r.workerID))
					} else {
						r.logger.Warn("lease renewal failed",
							log.Str("worker_id", r.workerID),
							log.Err(err))
					}
					cancel()
					return
				}
			}
		}
	}()

	taskErr := task(taskCtx, handle)
	cancel()
	<-renewDone

	if err := handle.Release(ctx, r.clock()); err != nil && !errors.Is(err, lock.ErrLostLock) {
		r.logger.Warn("lock release failed", log.Err(err))
	}
	return true, taskErr
}

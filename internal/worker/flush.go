package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mysoftskill/commandfeed/internal/lock"
	"github.com/mysoftskill/commandfeed/internal/queue"
	"github.com/mysoftskill/commandfeed/pkg/log"
)

// FlushState is the resumable cursor a flush shard persists in its lock, so
// whichever instance holds the lease continues where the last one stopped.
type FlushState struct {
	FlushBefore  int64  `json:"flushBefore,omitempty"`
	Continuation string `json:"continuation,omitempty"`
}

// FlushWorkItem is the payload of a queue-flush work item.
type FlushWorkItem struct {
	PartitionKey string `json:"pk"`
	FlushBefore  int64  `json:"before"`
}

// FlushOptions configures a FlushHandler.
type FlushOptions struct {
	// PageDeadline bounds one processing pass; work left over comes back
	// via RetryAfter instead of blocking the worker slot. Zero means 10
	// minutes.
	PageDeadline time.Duration

	// RetryDelay is how long to wait before resuming an unfinished flush.
	// Zero means one minute.
	RetryDelay time.Duration

	// LeaseDuration is the lock lease per pass. Zero means twice the page
	// deadline.
	LeaseDuration time.Duration

	// Bypass short-circuits every flush item to success. Operational
	// kill-switch; leaves data in place.
	Bypass bool

	Clock  func() time.Time
	Logger log.Logger
}

// FlushHandler drains aged commands from a partition, one instance per shard.
type FlushHandler struct {
	queue    *queue.Queue
	lock     *lock.Lock[FlushState]
	workerID string
	opts     FlushOptions
}

// NewFlushHandler creates a flush handler coordinated through the given lock.
func NewFlushHandler(q *queue.Queue, l *lock.Lock[FlushState], workerID string, opts FlushOptions) *FlushHandler {
	if opts.PageDeadline <= 0 {
		opts.PageDeadline = 10 * time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 2 * opts.PageDeadline
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	opts.Logger = opts.Logger.WithComponent("flush")
	return &FlushHandler{queue: q, lock: l, workerID: workerID, opts: opts}
}

// Process implements Handler.
func (h *FlushHandler) Process(ctx context.Context, item WorkItem, diag *DiagContext) (Result, error) {
	var work FlushWorkItem
	if err := json.Unmarshal(item.Data, &work); err != nil {
		return Result{}, fmt.Errorf("decode flush work item %s: %w", item.ID, err)
	}
	diag.SetProperty("partition", work.PartitionKey)

	if h.opts.Bypass {
		diag.SetProperty("bypassed", "true")
		h.opts.Logger.Warn("flush bypass enabled, item dropped",
			log.Str("partition", work.PartitionKey))
		return Success(), nil
	}

	now := h.opts.Clock()
	handle, err := h.lock.TryAcquireOrRenew(ctx, h.workerID, h.opts.LeaseDuration, now)
	if err != nil {
		return Result{}, err
	}
	if handle == nil {
		// Another instance owns this shard.
		diag.SetProperty("lock_held_elsewhere", "true")
		return RetryAfter(h.opts.RetryDelay), nil
	}

	continuation := ""
	if handle.State.FlushBefore == work.FlushBefore {
		continuation = handle.State.Continuation
	}

	before := time.Unix(work.FlushBefore, 0).UTC()
	continuation, done, flushErr := h.queue.Flush(ctx, work.PartitionKey, before, now.Add(h.opts.PageDeadline), continuation)

	if flushErr != nil {
		handle.FailureCount++
	} else {
		handle.FailureCount = 0
	}
	if done {
		handle.State = FlushState{}
	} else {
		handle.State = FlushState{FlushBefore: work.FlushBefore, Continuation: continuation}
	}
	if err := handle.Release(ctx, h.opts.Clock()); err != nil {
		h.opts.Logger.Info("flush lock lost during release", log.Err(err))
	}

	if flushErr != nil {
		return Result{}, flushErr
	}
	if !done {
		diag.SetProperty("resumed_later", "true")
		return RetryAfter(h.opts.RetryDelay), nil
	}
	diag.SetProperty("failures", strconv.Itoa(int(handle.FailureCount)))
	return Success(), nil
}

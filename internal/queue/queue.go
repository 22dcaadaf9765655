package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mysoftskill/commandfeed/internal/commands"
	"github.com/mysoftskill/commandfeed/internal/docstore"
	"github.com/mysoftskill/commandfeed/pkg/log"
)

// ErrPoisonCommand reports a command that exhausted its retry budget. The
// command is dead-lettered, not silently dropped; callers decide whether to
// alert.
var ErrPoisonCommand = errors.New("queue: command exceeded max attempts")

const (
	defaultMaxAttempts      = 5
	defaultEmptyPopCooldown = time.Minute
	scanPageSize            = 100
)

// Recorder receives terminal lifecycle events so the command's history record
// and audit trail advance alongside the queue. Failures propagate to the
// checkpoint caller.
type Recorder interface {
	CommandCompleted(ctx context.Context, item *commands.QueueItem, now time.Time) error
	CommandAbandoned(ctx context.Context, item *commands.QueueItem, reason string, now time.Time) error
}

// NopRecorder discards lifecycle events.
type NopRecorder struct{}

func (NopRecorder) CommandCompleted(context.Context, *commands.QueueItem, time.Time) error {
	return nil
}

func (NopRecorder) CommandAbandoned(context.Context, *commands.QueueItem, string, time.Time) error {
	return nil
}

// Leased is a popped command together with its lease receipt. The etag is the
// receipt: checkpointing with a stale etag fails with docstore.ErrConflict.
type Leased struct {
	Item *commands.QueueItem
	Etag string
}

// Options configures a Queue.
type Options struct {
	// MaxAttempts bounds retries before dead-lettering. Zero means the
	// default.
	MaxAttempts int32

	// Backoff computes the retry delay. Nil means DefaultBackoff.
	Backoff Policy

	// EmptyPopCooldown suppresses pops against a partition that just came
	// back empty. Zero means the default; negative disables suppression.
	EmptyPopCooldown time.Duration

	// Recorder advances history and audit on terminal outcomes. Nil means
	// NopRecorder.
	Recorder Recorder

	// Clock supplies wall time for flush deadline checks. Nil means
	// time.Now.
	Clock func() time.Time

	Logger log.Logger
}

// Queue is the durable command queue over a document store.
type Queue struct {
	store       docstore.Store
	recorder    Recorder
	logger      log.Logger
	maxAttempts int32
	backoff     Policy
	cooldown    time.Duration
	clock       func() time.Time

	mu      sync.Mutex
	blocked map[string]time.Time
}

// New creates a queue over the given store.
func New(store docstore.Store, opts Options) *Queue {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}
	if opts.EmptyPopCooldown == 0 {
		opts.EmptyPopCooldown = defaultEmptyPopCooldown
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &Queue{
		store:       store,
		recorder:    opts.Recorder,
		logger:      opts.Logger.WithComponent("queue"),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		cooldown:    opts.EmptyPopCooldown,
		clock:       opts.Clock,
		blocked:     make(map[string]time.Time),
	}
}

// Enqueue inserts a new command. A duplicate command id in the partition
// surfaces as docstore.ErrConflict.
func (q *Queue) Enqueue(ctx context.Context, item *commands.QueueItem) error {
	item.AttemptCount = 0
	doc, err := itemDocument(item)
	if err != nil {
		return err
	}
	if _, err := q.store.Create(ctx, doc); err != nil {
		return fmt.Errorf("enqueue %s: %w", item.CommandID, err)
	}
	q.unblock(item.PartitionKey())
	q.logger.Debug("command enqueued",
		log.Str("command_id", item.CommandID.String()),
		log.Str("partition", item.PartitionKey()),
		log.Str("kind", item.Kind.String()))
	return nil
}

// LeasePop returns up to maxCount due commands, advancing each one's next
// visible time by visibilityTimeout. Candidates lost to a concurrent consumer
// are skipped, never retried within the call. An empty result starts the
// partition's pop cooldown.
func (q *Queue) LeasePop(ctx context.Context, partitionKey string, maxCount int, visibilityTimeout time.Duration, now time.Time) ([]*Leased, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	if q.isBlocked(partitionKey, now) {
		return nil, nil
	}

	low := commands.MinCompoundKey(partitionKey)
	high := commands.CompoundKey(partitionKey, now)

	var leased []*Leased
	continuation := ""
	for {
		docs, next, err := q.store.RangeQuery(ctx, partitionKey, low, high, continuation, scanPageSize)
		if err != nil {
			return leased, fmt.Errorf("lease pop scan %s: %w", partitionKey, err)
		}
		for _, doc := range docs {
			item, err := commands.UnmarshalQueueItem(doc.ID, doc.Body)
			if err != nil {
				return leased, err
			}
			item.NextVisibleTime = now.Add(visibilityTimeout)
			updated, err := itemDocument(item)
			if err != nil {
				return leased, err
			}
			etag, err := q.store.Replace(ctx, updated, doc.Etag)
			if errors.Is(err, docstore.ErrConflict) || errors.Is(err, docstore.ErrNotFound) {
				// Another consumer won this item.
				continue
			}
			if err != nil {
				return leased, fmt.Errorf("lease %s: %w", item.CommandID, err)
			}
			leased = append(leased, &Leased{Item: item, Etag: etag})
			if len(leased) >= maxCount {
				return leased, nil
			}
		}
		if next == "" {
			break
		}
		continuation = next
	}

	if len(leased) == 0 {
		q.block(partitionKey, now)
	}
	return leased, nil
}

// Checkpoint applies a consumer's outcome to a leased command. All paths are
// idempotent: re-checkpointing an already-deleted item is a no-op success.
func (q *Queue) Checkpoint(ctx context.Context, leased *Leased, outcome Outcome, now time.Time) error {
	item := leased.Item
	switch outcome.kind {
	case outcomeSuccess:
		if err := q.deleteItem(ctx, item, leased.Etag); err != nil {
			return err
		}
		if err := q.recorder.CommandCompleted(ctx, item, now); err != nil {
			return fmt.Errorf("record completion %s: %w", item.CommandID, err)
		}
		q.logger.Debug("command completed", log.Str("command_id", item.CommandID.String()))
		return nil

	case outcomeRetry:
		item.AttemptCount++
		if item.AttemptCount > q.maxAttempts {
			if err := q.deleteItem(ctx, item, leased.Etag); err != nil {
				return err
			}
			if err := q.recorder.CommandAbandoned(ctx, item, ReasonMaxAttemptsExceeded, now); err != nil {
				return fmt.Errorf("record dead letter %s: %w", item.CommandID, err)
			}
			q.logger.Warn("command dead-lettered",
				log.Str("command_id", item.CommandID.String()),
				log.Int32("attempts", item.AttemptCount))
			return fmt.Errorf("%w: %s after %d attempts", ErrPoisonCommand, item.CommandID, item.AttemptCount)
		}
		item.NextVisibleTime = now.Add(q.backoff(item.AttemptCount))
		doc, err := itemDocument(item)
		if err != nil {
			return err
		}
		if _, err := q.store.Replace(ctx, doc, leased.Etag); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("checkpoint retry %s: %w", item.CommandID, err)
		}
		return nil

	case outcomeNotApplicable:
		if err := q.deleteItem(ctx, item, leased.Etag); err != nil {
			return err
		}
		if err := q.recorder.CommandAbandoned(ctx, item, outcome.reason, now); err != nil {
			return fmt.Errorf("record not-applicable %s: %w", item.CommandID, err)
		}
		return nil

	default:
		return fmt.Errorf("checkpoint %s: unrecognized outcome", item.CommandID)
	}
}

// QueryCommand point-reads a command with its current etag.
func (q *Queue) QueryCommand(ctx context.Context, partitionKey string, commandID string) (*Leased, error) {
	doc, err := q.store.Get(ctx, partitionKey, commandID)
	if err != nil {
		return nil, fmt.Errorf("query command %s: %w", commandID, err)
	}
	item, err := commands.UnmarshalQueueItem(doc.ID, doc.Body)
	if err != nil {
		return nil, err
	}
	return &Leased{Item: item, Etag: doc.Etag}, nil
}

// Flush deletes every command in the partition created before beforeTime,
// regardless of lease state. It checks the deadline after each page; when
// exceeded it returns the continuation token and done=false so the caller can
// reschedule instead of blocking. Rerunning with the same beforeTime is
// idempotent.
func (q *Queue) Flush(ctx context.Context, partitionKey string, beforeTime, deadline time.Time, continuation string) (string, bool, error) {
	low := commands.MinCompoundKey(partitionKey)
	high := commands.MaxCompoundKey(partitionKey)

	for {
		docs, next, err := q.store.RangeQuery(ctx, partitionKey, low, high, continuation, scanPageSize)
		if err != nil {
			return continuation, false, fmt.Errorf("flush scan %s: %w", partitionKey, err)
		}
		for _, doc := range docs {
			item, err := commands.UnmarshalQueueItem(doc.ID, doc.Body)
			if err != nil {
				return continuation, false, err
			}
			if !item.CreatedTime.Before(beforeTime) {
				continue
			}
			err = q.store.Delete(ctx, partitionKey, doc.ID, "")
			if err != nil && !errors.Is(err, docstore.ErrNotFound) {
				return continuation, false, fmt.Errorf("flush delete %s: %w", doc.ID, err)
			}
		}
		if next == "" {
			return "", true, nil
		}
		continuation = next
		if !q.clock().Before(deadline) {
			q.logger.Info("flush deadline reached",
				log.Str("partition", partitionKey))
			return continuation, false, nil
		}
		if err := ctx.Err(); err != nil {
			return continuation, false, err
		}
	}
}

func (q *Queue) deleteItem(ctx context.Context, item *commands.QueueItem, etag string) error {
	err := q.store.Delete(ctx, item.PartitionKey(), item.CommandID.String(), etag)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", item.CommandID, err)
	}
	return nil
}

func (q *Queue) isBlocked(partitionKey string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	until, ok := q.blocked[partitionKey]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(q.blocked, partitionKey)
	return false
}

func (q *Queue) block(partitionKey string, now time.Time) {
	if q.cooldown <= 0 {
		return
	}
	q.mu.Lock()
	q.blocked[partitionKey] = now.Add(q.cooldown)
	q.mu.Unlock()
}

func (q *Queue) unblock(partitionKey string) {
	q.mu.Lock()
	delete(q.blocked, partitionKey)
	q.mu.Unlock()
}

func itemDocument(item *commands.QueueItem) (*docstore.Document, error) {
	body, err := item.MarshalBody()
	if err != nil {
		return nil, err
	}
	return &docstore.Document{
		PartitionKey: item.PartitionKey(),
		ID:           item.CommandID.String(),
		SortKey:      item.SortKey(),
		Body:         body,
	}, nil
}

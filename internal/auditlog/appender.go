package auditlog

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mysoftskill/commandfeed/pkg/log"
)

const (
	defaultMaxBatchSize  = 500
	defaultRetryAttempts = 5
	defaultRetryBase     = 500 * time.Millisecond
)

// AppenderOptions configures an Appender.
type AppenderOptions struct {
	// MaxBatchSize triggers an automatic checkpoint once that many rows
	// are pending. Zero means the default.
	MaxBatchSize int

	// MaxExceptionLength bounds the encoded Exceptions field per row.
	MaxExceptionLength int

	// RetryAttempts bounds sink write retries per checkpoint.
	RetryAttempts int

	// RetryBase is the first retry delay; it doubles per attempt.
	RetryBase time.Duration

	Logger log.Logger

	// sleep is replaced in tests.
	sleep func(context.Context, time.Duration) error
}

// Appender batches encoded audit rows and writes them to a sink. Appends are
// cheap and concurrent-safe; the sink is only touched at checkpoints.
type Appender struct {
	sink          io.Writer
	maxBatch      int
	maxException  int
	retryAttempts int
	retryBase     time.Duration
	logger        log.Logger
	sleep         func(context.Context, time.Duration) error

	mu      sync.Mutex
	pending []string
}

// NewAppender creates an appender over the given sink.
func NewAppender(sink io.Writer, opts AppenderOptions) *Appender {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaultMaxBatchSize
	}
	if opts.MaxExceptionLength <= 0 {
		opts.MaxExceptionLength = DefaultMaxExceptionLength
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.sleep == nil {
		opts.sleep = sleepCtx
	}
	return &Appender{
		sink:          sink,
		maxBatch:      opts.MaxBatchSize,
		maxException:  opts.MaxExceptionLength,
		retryAttempts: opts.RetryAttempts,
		retryBase:     opts.RetryBase,
		logger:        opts.Logger.WithComponent("auditlog"),
		sleep:         opts.sleep,
	}
}

// Append queues a record, checkpointing when the batch fills.
func (a *Appender) Append(ctx context.Context, rec *Record) error {
	a.mu.Lock()
	a.pending = append(a.pending, Encode(rec, a.maxException))
	full := len(a.pending) >= a.maxBatch
	a.mu.Unlock()
	if full {
		return a.Checkpoint(ctx)
	}
	return nil
}

// Pending reports the number of rows not yet written to the sink.
func (a *Appender) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Checkpoint writes every pending row to the sink, retrying with exponential
// backoff. When all attempts fail, the batch is logged so the rows survive in
// the process log, re-queued, and the failure propagates.
func (a *Appender) Checkpoint(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var payload []byte
	for _, row := range batch {
		payload = append(payload, row...)
		payload = append(payload, '\n')
	}

	var lastErr error
	delay := a.retryBase
	for attempt := 1; attempt <= a.retryAttempts; attempt++ {
		_, lastErr = a.sink.Write(payload)
		if lastErr == nil {
			return nil
		}
		a.logger.Warn("audit sink write failed",
			log.Int("attempt", attempt),
			log.Int("rows", len(batch)),
			log.Err(lastErr))
		if attempt == a.retryAttempts {
			break
		}
		if err := a.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay *= 2
	}

	for _, row := range batch {
		a.logger.Error("audit row not persisted", log.Str("row", row))
	}
	a.mu.Lock()
	a.pending = append(batch, a.pending...)
	a.mu.Unlock()
	return fmt.Errorf("audit checkpoint of %d rows: %w", len(batch), lastErr)
}

// Run checkpoints on the given interval until the context ends, then makes a
// final flush attempt.
func (a *Appender) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return a.Checkpoint(context.Background())
		case <-ticker.C:
			if err := a.Checkpoint(ctx); err != nil {
				a.logger.Error("periodic audit checkpoint failed", log.Err(err))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

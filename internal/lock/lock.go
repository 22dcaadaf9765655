// Package lock implements a lease-based distributed lock over the document
// store's etag compare-and-swap. It is the only mutual-exclusion primitive in
// the system, used so exactly one process per shard runs a given singleton
// worker. Contention is not an error; it is the signal "someone else owns
// this work".
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mysoftskill/commandfeed/internal/docstore"
	"github.com/mysoftskill/commandfeed/pkg/log"
)

// ErrLostLock reports a renew or release by a worker that no longer owns the
// lock.
var ErrLostLock = errors.New("lock: ownership lost")

const locksPartition = "locks"

type lockWire struct {
	ID           string          `json:"id"`
	ExpiryTime   int64           `json:"expiryTime"`
	WorkerID     string          `json:"workerId,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
	FailureCount int32           `json:"failureCount"`
}

// Lock coordinates a single named lease. The state payload T travels with the
// lock so the holder's progress survives handoff between workers.
type Lock[T any] struct {
	store  docstore.Store
	name   string
	logger log.Logger
}

// New creates a lock handle for the given name.
func New[T any](store docstore.Store, name string, logger log.Logger) *Lock[T] {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Lock[T]{store: store, name: name, logger: logger.WithComponent("lock")}
}

// Create inserts the lock record with an expiry in the past so the first
// acquirer wins immediately. An existing record is left untouched.
func (l *Lock[T]) Create(ctx context.Context) error {
	var zero T
	state, err := json.Marshal(zero)
	if err != nil {
		return fmt.Errorf("create lock %s: %w", l.name, err)
	}
	body, err := json.Marshal(&lockWire{ID: l.name, ExpiryTime: 0, State: state})
	if err != nil {
		return fmt.Errorf("create lock %s: %w", l.name, err)
	}
	_, err = l.store.Create(ctx, l.document(body))
	if errors.Is(err, docstore.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create lock %s: %w", l.name, err)
	}
	return nil
}

// Handle is a held lock. State and FailureCount are the holder's working
// copy; Renew and Release persist them.
type Handle[T any] struct {
	State        T
	FailureCount int32
	ExpiryTime   time.Time

	lock     *Lock[T]
	workerID string
	etag     string
}

// TryAcquireOrRenew attempts to take or extend the lease. A lock held by
// another live worker yields (nil, nil): not an error, back off and retry on
// the next schedule. Losing the compare-and-swap race reports the same way.
func (l *Lock[T]) TryAcquireOrRenew(ctx context.Context, workerID string, leaseDuration time.Duration, now time.Time) (*Handle[T], error) {
	doc, err := l.store.Get(ctx, locksPartition, l.name)
	if errors.Is(err, docstore.ErrNotFound) {
		if err := l.Create(ctx); err != nil {
			return nil, err
		}
		doc, err = l.store.Get(ctx, locksPartition, l.name)
	}
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", l.name, err)
	}

	var w lockWire
	if err := json.Unmarshal(doc.Body, &w); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", l.name, err)
	}
	heldByOther := w.WorkerID != "" && w.WorkerID != workerID
	if heldByOther && now.Before(time.Unix(w.ExpiryTime, 0)) {
		return nil, nil
	}

	var state T
	if len(w.State) > 0 {
		if err := json.Unmarshal(w.State, &state); err != nil {
			return nil, fmt.Errorf("decode lock %s state: %w", l.name, err)
		}
	}

	expiry := now.Add(leaseDuration)
	w.WorkerID = workerID
	w.ExpiryTime = expiry.Unix()
	body, err := json.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encode lock %s: %w", l.name, err)
	}
	etag, err := l.store.Replace(ctx, l.document(body), doc.Etag)
	if errors.Is(err, docstore.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.name, err)
	}

	l.logger.Debug("lock acquired",
		log.Str("lock", l.name),
		log.Str("worker_id", workerID))
	return &Handle[T]{
		State:        state,
		FailureCount: w.FailureCount,
		ExpiryTime:   expiry,
		lock:         l,
		workerID:     workerID,
		etag:         etag,
	}, nil
}

// Renew extends the lease and persists the working state. A stale etag means
// another worker took over after our lease lapsed; that is ErrLostLock and
// the holder must stop.
func (h *Handle[T]) Renew(ctx context.Context, leaseDuration time.Duration, now time.Time) error {
	return h.write(ctx, now.Add(leaseDuration))
}

// Release persists the final state and expires the lease immediately so the
// next scheduled run can acquire. The record itself is never deleted.
func (h *Handle[T]) Release(ctx context.Context, now time.Time) error {
	return h.write(ctx, now)
}

func (h *Handle[T]) write(ctx context.Context, expiry time.Time) error {
	state, err := json.Marshal(h.State)
	if err != nil {
		return fmt.Errorf("encode lock %s state: %w", h.lock.name, err)
	}
	body, err := json.Marshal(&lockWire{
		ID:           h.lock.name,
		ExpiryTime:   expiry.Unix(),
		WorkerID:     h.workerID,
		State:        state,
		FailureCount: h.FailureCount,
	})
	if err != nil {
		return fmt.Errorf("encode lock %s: %w", h.lock.name, err)
	}
	etag, err := h.lock.store.Replace(ctx, h.lock.document(body), h.etag)
	if errors.Is(err, docstore.ErrConflict) || errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s by %s", ErrLostLock, h.lock.name, h.workerID)
	}
	if err != nil {
		return fmt.Errorf("write lock %s: %w", h.lock.name, err)
	}
	h.etag = etag
	h.ExpiryTime = expiry
	return nil
}

func (l *Lock[T]) document(body json.RawMessage) *docstore.Document {
	return &docstore.Document{
		PartitionKey: locksPartition,
		ID:           l.name,
		SortKey:      l.name,
		Body:         body,
	}
}

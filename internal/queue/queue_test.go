package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mysoftskill/commandfeed/internal/commands"
	"github.com/mysoftskill/commandfeed/internal/docstore"
	pebblestore "github.com/mysoftskill/commandfeed/internal/storage/pebble"
)

func newTestStore(t *testing.T) docstore.Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return docstore.NewPebbleStore(db)
}

func fixedBackoff(d time.Duration) Policy {
	return func(int32) time.Duration { return d }
}

func testItem(agentID, assetGroupID uuid.UUID, nvt time.Time) *commands.QueueItem {
	return &commands.QueueItem{
		CommandID:       uuid.New(),
		AgentID:         agentID,
		AssetGroupID:    assetGroupID,
		Kind:            commands.KindAccountClose,
		Subject:         commands.MsaSubject{Puid: 7},
		Info:            commands.AccountCloseInfo{},
		CreatedTime:     nvt,
		NextVisibleTime: nvt,
	}
}

func TestVisibilityWithheldUntilNVT(t *testing.T) {
	q := New(newTestStore(t), Options{EmptyPopCooldown: -1})
	ctx := context.Background()
	agent, asset := uuid.New(), uuid.New()
	t0 := time.Unix(1_700_000_000, 0).UTC()

	item := testItem(agent, asset, t0)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pk := item.PartitionKey()

	got, err := q.LeasePop(ctx, pk, 10, 5*time.Minute, t0.Add(-time.Second))
	if err != nil {
		t.Fatalf("pop before nvt: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("item visible before its nvt")
	}

	got, err = q.LeasePop(ctx, pk, 10, 5*time.Minute, t0)
	if err != nil {
		t.Fatalf("pop at nvt: %v", err)
	}
	if len(got) != 1 || got[0].Item.CommandID != item.CommandID {
		t.Fatalf("expected the item at its nvt, got %d items", len(got))
	}
	if want := t0.Add(5 * time.Minute); !got[0].Item.NextVisibleTime.Equal(want) {
		t.Fatalf("lease nvt = %v, want %v", got[0].Item.NextVisibleTime, want)
	}

	// Leased: invisible until the timeout elapses.
	got, err = q.LeasePop(ctx, pk, 10, 5*time.Minute, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("pop while leased: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("leased item returned again before timeout")
	}
}

func TestLeaseRaceSingleWinner(t *testing.T) {
	q := New(newTestStore(t), Options{EmptyPopCooldown: -1})
	ctx := context.Background()
	item := testItem(uuid.New(), uuid.New(), time.Unix(1_700_000_000, 0))
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()

	var mu sync.Mutex
	var winners int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.LeasePop(ctx, item.PartitionKey(), 1, 5*time.Minute, now)
			if err != nil {
				t.Errorf("pop: %v", err)
				return
			}
			mu.Lock()
			winners += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("%d consumers won the lease, want exactly 1", winners)
	}
}

func TestCheckpointSuccessIsTerminal(t *testing.T) {
	q := New(newTestStore(t), Options{EmptyPopCooldown: -1})
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()
	item := testItem(uuid.New(), uuid.New(), t0)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	leased, err := q.LeasePop(ctx, item.PartitionKey(), 1, time.Minute, t0)
	if err != nil || len(leased) != 1 {
		t.Fatalf("pop: %v (%d items)", err, len(leased))
	}
	if err := q.Checkpoint(ctx, leased[0], Success(), t0); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	// Idempotent re-checkpoint of a deleted item.
	if err := q.Checkpoint(ctx, leased[0], Success(), t0); err != nil {
		t.Fatalf("re-checkpoint: %v", err)
	}

	got, err := q.LeasePop(ctx, item.PartitionKey(), 10, time.Minute, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("pop after success: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("completed command returned by pop")
	}
}

func TestCheckpointRetryThenDeadLetter(t *testing.T) {
	type event struct {
		id     uuid.UUID
		reason string
	}
	var abandoned []event
	rec := &fakeRecorder{
		onAbandoned: func(item *commands.QueueItem, reason string) {
			abandoned = append(abandoned, event{item.CommandID, reason})
		},
	}
	q := New(newTestStore(t), Options{
		EmptyPopCooldown: -1,
		MaxAttempts:      2,
		Backoff:          fixedBackoff(time.Minute),
		Recorder:         rec,
	})
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()
	item := testItem(uuid.New(), uuid.New(), t0)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pk := item.PartitionKey()

	now := t0
	for attempt := 1; attempt <= 2; attempt++ {
		leased, err := q.LeasePop(ctx, pk, 1, 5*time.Minute, now)
		if err != nil || len(leased) != 1 {
			t.Fatalf("attempt %d pop: %v (%d items)", attempt, err, len(leased))
		}
		if err := q.Checkpoint(ctx, leased[0], Retry(), now); err != nil {
			t.Fatalf("attempt %d retry: %v", attempt, err)
		}
		// Backoff shorter than the lease timeout: the retry wins.
		now = now.Add(time.Minute)
	}

	leased, err := q.LeasePop(ctx, pk, 1, 5*time.Minute, now)
	if err != nil || len(leased) != 1 {
		t.Fatalf("final pop: %v (%d items)", err, len(leased))
	}
	if leased[0].Item.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", leased[0].Item.AttemptCount)
	}
	err = q.Checkpoint(ctx, leased[0], Retry(), now)
	if !errors.Is(err, ErrPoisonCommand) {
		t.Fatalf("got %v, want ErrPoisonCommand", err)
	}
	if len(abandoned) != 1 || abandoned[0].reason != ReasonMaxAttemptsExceeded {
		t.Fatalf("abandoned events = %+v", abandoned)
	}

	got, err := q.LeasePop(ctx, pk, 10, time.Minute, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("pop after dead letter: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("dead-lettered command returned by pop")
	}
}

func TestCheckpointNotApplicable(t *testing.T) {
	var gotReason string
	rec := &fakeRecorder{
		onAbandoned: func(_ *commands.QueueItem, reason string) { gotReason = reason },
	}
	q := New(newTestStore(t), Options{EmptyPopCooldown: -1, Recorder: rec})
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()
	item := testItem(uuid.New(), uuid.New(), t0)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	leased, err := q.LeasePop(ctx, item.PartitionKey(), 1, time.Minute, t0)
	if err != nil || len(leased) != 1 {
		t.Fatalf("pop: %v (%d items)", err, len(leased))
	}
	if err := q.Checkpoint(ctx, leased[0], NotApplicable("AssetGroupOffboarded"), t0); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if gotReason != "AssetGroupOffboarded" {
		t.Fatalf("recorded reason %q", gotReason)
	}
}

func TestFlushDeletesOnlyOlderItems(t *testing.T) {
	q := New(newTestStore(t), Options{EmptyPopCooldown: -1})
	ctx := context.Background()
	agent, asset := uuid.New(), uuid.New()
	cutoff := time.Unix(1_700_000_000, 0).UTC()

	old := testItem(agent, asset, cutoff.Add(-time.Hour))
	fresh := testItem(agent, asset, cutoff.Add(time.Hour))
	for _, item := range []*commands.QueueItem{old, fresh} {
		if err := q.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	pk := old.PartitionKey()

	cont, done, err := q.Flush(ctx, pk, cutoff, time.Now().Add(time.Hour), "")
	if err != nil || !done || cont != "" {
		t.Fatalf("flush: cont=%q done=%v err=%v", cont, done, err)
	}
	if _, err := q.QueryCommand(ctx, pk, old.CommandID.String()); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("old item survived flush: %v", err)
	}
	if _, err := q.QueryCommand(ctx, pk, fresh.CommandID.String()); err != nil {
		t.Fatalf("fresh item deleted by flush: %v", err)
	}

	// Idempotent rerun.
	if _, done, err = q.Flush(ctx, pk, cutoff, time.Now().Add(time.Hour), ""); err != nil || !done {
		t.Fatalf("flush rerun: done=%v err=%v", done, err)
	}
	if _, err := q.QueryCommand(ctx, pk, fresh.CommandID.String()); err != nil {
		t.Fatalf("fresh item deleted by rerun: %v", err)
	}
}

func TestFlushIgnoresLeaseState(t *testing.T) {
	q := New(newTestStore(t), Options{EmptyPopCooldown: -1})
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()
	item := testItem(uuid.New(), uuid.New(), t0)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.LeasePop(ctx, item.PartitionKey(), 1, time.Hour, t0); err != nil {
		t.Fatalf("pop: %v", err)
	}

	_, done, err := q.Flush(ctx, item.PartitionKey(), t0.Add(time.Minute), time.Now().Add(time.Hour), "")
	if err != nil || !done {
		t.Fatalf("flush: done=%v err=%v", done, err)
	}
	if _, err := q.QueryCommand(ctx, item.PartitionKey(), item.CommandID.String()); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("leased item survived flush: %v", err)
	}
}

func TestFlushDeadlineReturnsContinuation(t *testing.T) {
	store := newTestStore(t)
	past := time.Unix(1_700_000_000, 0).UTC()
	expired := New(store, Options{
		EmptyPopCooldown: -1,
		Clock:            func() time.Time { return past.Add(time.Hour) },
	})
	ctx := context.Background()
	agent, asset := uuid.New(), uuid.New()

	// More items than one scan page so the deadline check triggers.
	for i := 0; i < scanPageSize+20; i++ {
		item := testItem(agent, asset, past.Add(time.Duration(i)*time.Second))
		if err := expired.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	pk := commands.PartitionKey(agent, asset)
	cutoff := past.Add(24 * time.Hour)

	cont, done, err := expired.Flush(ctx, pk, cutoff, past, "")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if done || cont == "" {
		t.Fatalf("expected deadline exit with continuation, got done=%v cont=%q", done, cont)
	}

	// Resume with a clock inside the deadline and finish.
	fresh := New(store, Options{EmptyPopCooldown: -1, Clock: func() time.Time { return past }})
	cont, done, err = fresh.Flush(ctx, pk, cutoff, past.Add(time.Hour), cont)
	if err != nil || !done || cont != "" {
		t.Fatalf("resume flush: cont=%q done=%v err=%v", cont, done, err)
	}
	got, err := fresh.LeasePop(ctx, pk, scanPageSize*2, time.Minute, cutoff)
	if err != nil {
		t.Fatalf("pop after flush: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("%d items survived a full flush", len(got))
	}
}

func TestEmptyPopCooldownSuppressesPartition(t *testing.T) {
	q := New(newTestStore(t), Options{EmptyPopCooldown: time.Minute})
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()
	item := testItem(uuid.New(), uuid.New(), t0.Add(30*time.Second))
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pk := item.PartitionKey()

	got, err := q.LeasePop(ctx, pk, 1, time.Minute, t0)
	if err != nil || len(got) != 0 {
		t.Fatalf("pop with nothing due: %v (%d items)", err, len(got))
	}

	// Item is due now, but the partition is still cooling down.
	got, err = q.LeasePop(ctx, pk, 1, time.Minute, t0.Add(30*time.Second))
	if err != nil || len(got) != 0 {
		t.Fatalf("cooldown did not suppress pop: %v (%d items)", err, len(got))
	}

	got, err = q.LeasePop(ctx, pk, 1, time.Minute, t0.Add(61*time.Second))
	if err != nil || len(got) != 1 {
		t.Fatalf("pop after cooldown: %v (%d items)", err, len(got))
	}
}

func TestEnqueueClearsCooldown(t *testing.T) {
	q := New(newTestStore(t), Options{EmptyPopCooldown: time.Minute})
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()
	agent, asset := uuid.New(), uuid.New()
	pk := commands.PartitionKey(agent, asset)

	if _, err := q.LeasePop(ctx, pk, 1, time.Minute, t0); err != nil {
		t.Fatalf("pop: %v", err)
	}
	item := testItem(agent, asset, t0)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.LeasePop(ctx, pk, 1, time.Minute, t0.Add(time.Second))
	if err != nil || len(got) != 1 {
		t.Fatalf("pop after enqueue: %v (%d items)", err, len(got))
	}
}

func TestEnqueueDuplicateCommandConflicts(t *testing.T) {
	q := New(newTestStore(t), Options{EmptyPopCooldown: -1})
	ctx := context.Background()
	item := testItem(uuid.New(), uuid.New(), time.Unix(1_700_000_000, 0))
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, item); !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestLifecycleEndToEnd(t *testing.T) {
	var completed []uuid.UUID
	rec := &fakeRecorder{
		onCompleted: func(item *commands.QueueItem) { completed = append(completed, item.CommandID) },
	}
	q := New(newTestStore(t), Options{
		EmptyPopCooldown: -1,
		Backoff:          fixedBackoff(time.Minute),
		Recorder:         rec,
	})
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()
	item := testItem(uuid.New(), uuid.New(), t0)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pk := item.PartitionKey()

	leased, err := q.LeasePop(ctx, pk, 1, 5*time.Minute, t0)
	if err != nil || len(leased) != 1 {
		t.Fatalf("first pop: %v (%d items)", err, len(leased))
	}
	if want := t0.Add(5 * time.Minute); !leased[0].Item.NextVisibleTime.Equal(want) {
		t.Fatalf("leased nvt = %v, want %v", leased[0].Item.NextVisibleTime, want)
	}

	if err := q.Checkpoint(ctx, leased[0], Retry(), t0); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// Retry backoff (1m) is shorter than the lease timeout (5m): the
	// command comes back at t0+1m.
	leased, err = q.LeasePop(ctx, pk, 1, 5*time.Minute, t0.Add(time.Minute))
	if err != nil || len(leased) != 1 {
		t.Fatalf("second pop: %v (%d items)", err, len(leased))
	}
	if err := q.Checkpoint(ctx, leased[0], Success(), t0.Add(time.Minute)); err != nil {
		t.Fatalf("success: %v", err)
	}
	if len(completed) != 1 || completed[0] != item.CommandID {
		t.Fatalf("completion events = %v", completed)
	}

	for _, at := range []time.Time{t0.Add(2 * time.Minute), t0.Add(time.Hour), t0.Add(240 * time.Hour)} {
		got, err := q.LeasePop(ctx, pk, 10, time.Minute, at)
		if err != nil {
			t.Fatalf("pop at %v: %v", at, err)
		}
		if len(got) != 0 {
			t.Fatalf("completed command reappeared at %v", at)
		}
	}
}

type fakeRecorder struct {
	onCompleted func(*commands.QueueItem)
	onAbandoned func(*commands.QueueItem, string)
}

func (f *fakeRecorder) CommandCompleted(_ context.Context, item *commands.QueueItem, _ time.Time) error {
	if f.onCompleted != nil {
		f.onCompleted(item)
	}
	return nil
}

func (f *fakeRecorder) CommandAbandoned(_ context.Context, item *commands.QueueItem, reason string, _ time.Time) error {
	if f.onAbandoned != nil {
		f.onAbandoned(item, reason)
	}
	return nil
}

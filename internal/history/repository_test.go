package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mysoftskill/commandfeed/internal/blobstore"
	"github.com/mysoftskill/commandfeed/internal/commands"
	"github.com/mysoftskill/commandfeed/internal/docstore"
	pebblestore "github.com/mysoftskill/commandfeed/internal/storage/pebble"
)

func newTestRepo(t *testing.T, opts Options) (*Repository, docstore.Store) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	docs := docstore.NewPebbleStore(db)
	blobs := blobstore.NewPebbleStore(db, "testaccount", "history")
	return NewRepository(docs, blobs, opts), docs
}

func newRecord(kind commands.Kind) *Record {
	return &Record{
		CommandID: uuid.New(),
		Core: &CoreFragment{
			Kind:        kind,
			Subject:     commands.MsaSubject{Puid: 11},
			CreatedTime: time.Unix(1_700_000_000, 0).UTC(),
		},
	}
}

func TestTryInsertWinsOnce(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()
	rec := newRecord(commands.KindDelete)

	won, err := repo.TryInsert(ctx, rec)
	if err != nil || !won {
		t.Fatalf("first insert: won=%v err=%v", won, err)
	}
	won, err = repo.TryInsert(ctx, newRecordWithID(rec.CommandID))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if won {
		t.Fatalf("two inserts both claimed the win")
	}
}

func newRecordWithID(id uuid.UUID) *Record {
	rec := newRecord(commands.KindDelete)
	rec.CommandID = id
	return rec
}

func TestQueryReplaceRoundTrip(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()
	rec := newRecord(commands.KindExport)
	rec.Status = &StatusFragment{Agents: map[string]AgentStatus{
		"pk1": {IngestionTime: time.Unix(1_700_000_100, 0).UTC(), AffectedRows: 12},
	}}
	if won, err := repo.TryInsert(ctx, rec); err != nil || !won {
		t.Fatalf("insert: won=%v err=%v", won, err)
	}

	got, err := repo.Query(ctx, rec.CommandID, FragmentCore|FragmentStatus)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Core.Kind != commands.KindExport {
		t.Fatalf("kind = %v", got.Core.Kind)
	}
	if got.Status == nil || got.Status.Agents["pk1"].AffectedRows != 12 {
		t.Fatalf("status fragment lost: %+v", got.Status)
	}

	got.Core.IsComplete = true
	got.Core.CompletedTime = time.Unix(1_700_000_500, 0).UTC()
	got.Status.Agents["pk2"] = AgentStatus{AffectedRows: 3}
	if err := repo.Replace(ctx, got, FragmentCore|FragmentStatus); err != nil {
		t.Fatalf("replace: %v", err)
	}

	again, err := repo.Query(ctx, rec.CommandID, FragmentCore|FragmentStatus)
	if err != nil {
		t.Fatalf("re-query: %v", err)
	}
	if !again.Core.IsComplete || len(again.Status.Agents) != 2 {
		t.Fatalf("replace not persisted: complete=%v agents=%d", again.Core.IsComplete, len(again.Status.Agents))
	}
}

func TestStaleEtagRejectedWithoutMutation(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()
	rec := newRecord(commands.KindDelete)
	if won, err := repo.TryInsert(ctx, rec); err != nil || !won {
		t.Fatalf("insert: won=%v err=%v", won, err)
	}

	first, err := repo.Query(ctx, rec.CommandID, FragmentCore)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	second, err := repo.Query(ctx, rec.CommandID, FragmentCore)
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	second.Core.FinalExportDestinationURI = "https://example.test/winner"
	if err := repo.Replace(ctx, second, FragmentCore); err != nil {
		t.Fatalf("winning replace: %v", err)
	}

	first.Core.FinalExportDestinationURI = "https://example.test/loser"
	if err := repo.Replace(ctx, first, FragmentCore); !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}

	got, err := repo.Query(ctx, rec.CommandID, FragmentCore)
	if err != nil {
		t.Fatalf("re-query: %v", err)
	}
	if got.Core.FinalExportDestinationURI != "https://example.test/winner" {
		t.Fatalf("stale write mutated the record: %q", got.Core.FinalExportDestinationURI)
	}
}

func TestReplaceWithoutReadContextFails(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	rec := newRecord(commands.KindDelete)
	if err := repo.Replace(context.Background(), rec, FragmentCore); !errors.Is(err, ErrNotRead) {
		t.Fatalf("got %v, want ErrNotRead", err)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()
	rec := newRecord(commands.KindExport)
	rec.Core.IsComplete = true
	rec.Core.ExportArchivesDeleteStatus = ArchivesDeleted
	if won, err := repo.TryInsert(ctx, rec); err != nil || !won {
		t.Fatalf("insert: won=%v err=%v", won, err)
	}

	got, err := repo.Query(ctx, rec.CommandID, FragmentCore)
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	got.Core.IsComplete = false
	if err := repo.Replace(ctx, got, FragmentCore); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("got %v, want ErrStatusRegression", err)
	}

	got.Core.IsComplete = true
	got.Core.ExportArchivesDeleteStatus = ArchivesIntact
	if err := repo.Replace(ctx, got, FragmentCore); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("got %v, want ErrStatusRegression", err)
	}
}

func bigStatus(n int) *StatusFragment {
	agents := make(map[string]AgentStatus, n)
	for i := 0; i < n; i++ {
		agents[fmt.Sprintf("agent-%04d.%s", i, strings.Repeat("x", 64))] = AgentStatus{
			AffectedRows:    int64(i),
			ClaimedVariants: []string{"variant-a", "variant-b"},
		}
	}
	return &StatusFragment{Agents: agents}
}

func TestFragmentOffloadsAboveThreshold(t *testing.T) {
	repo, docs := newTestRepo(t, Options{InlineThreshold: 256})
	ctx := context.Background()
	rec := newRecord(commands.KindExport)
	rec.Status = bigStatus(50)
	if won, err := repo.TryInsert(ctx, rec); err != nil || !won {
		t.Fatalf("insert: won=%v err=%v", won, err)
	}

	// The core document must stay small: fragment lives in a blob.
	doc, err := docs.Get(ctx, historyPartition, rec.CommandID.String())
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if !strings.Contains(string(doc.Body), `"stp"`) {
		t.Fatalf("status fragment not offloaded: %s", doc.Body)
	}
	if strings.Contains(string(doc.Body), `"st"`) && strings.Contains(string(doc.Body), "variant-a") {
		t.Fatalf("oversized fragment stored inline")
	}

	got, err := repo.Query(ctx, rec.CommandID, FragmentCore|FragmentStatus)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Status == nil || len(got.Status.Agents) != 50 {
		t.Fatalf("offloaded fragment not resolved: %+v", got.Status)
	}
}

func TestFragmentInlineOffloadTransitions(t *testing.T) {
	repo, docs := newTestRepo(t, Options{InlineThreshold: 256})
	ctx := context.Background()
	rec := newRecord(commands.KindExport)
	rec.Status = &StatusFragment{Agents: map[string]AgentStatus{"pk1": {AffectedRows: 1}}}
	if won, err := repo.TryInsert(ctx, rec); err != nil || !won {
		t.Fatalf("insert: won=%v err=%v", won, err)
	}

	// Grow past the threshold: inline to blob.
	got, err := repo.Query(ctx, rec.CommandID, FragmentCore|FragmentStatus)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	got.Status = bigStatus(50)
	if err := repo.Replace(ctx, got, FragmentStatus); err != nil {
		t.Fatalf("grow replace: %v", err)
	}
	doc, err := docs.Get(ctx, historyPartition, rec.CommandID.String())
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if !strings.Contains(string(doc.Body), `"stp"`) {
		t.Fatalf("grown fragment not offloaded: %s", doc.Body)
	}

	// Shrink back under the threshold: blob to inline, pointer cleared.
	got, err = repo.Query(ctx, rec.CommandID, FragmentCore|FragmentStatus)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	got.Status = &StatusFragment{Agents: map[string]AgentStatus{"pk1": {AffectedRows: 2}}}
	if err := repo.Replace(ctx, got, FragmentStatus); err != nil {
		t.Fatalf("shrink replace: %v", err)
	}
	doc, err = docs.Get(ctx, historyPartition, rec.CommandID.String())
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if strings.Contains(string(doc.Body), `"stp"`) {
		t.Fatalf("pointer survived shrink: %s", doc.Body)
	}

	final, err := repo.Query(ctx, rec.CommandID, FragmentCore|FragmentStatus)
	if err != nil {
		t.Fatalf("final query: %v", err)
	}
	if final.Status.Agents["pk1"].AffectedRows != 2 {
		t.Fatalf("shrunk fragment lost: %+v", final.Status)
	}
}

func TestDeleteExportArchivesIdempotent(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()
	rec := newRecord(commands.KindExport)
	rec.Core.FinalExportDestinationURI = "https://example.test/archive"
	if won, err := repo.TryInsert(ctx, rec); err != nil || !won {
		t.Fatalf("insert: won=%v err=%v", won, err)
	}

	now := time.Unix(1_700_001_000, 0).UTC()
	deletes := 0
	del := func(_ context.Context, uri string) error {
		if uri != "https://example.test/archive" {
			t.Errorf("delete called with %q", uri)
		}
		deletes++
		return nil
	}

	if err := repo.DeleteExportArchives(ctx, rec.CommandID, now, del); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := repo.DeleteExportArchives(ctx, rec.CommandID, now, del); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deletes != 1 {
		t.Fatalf("archive deleted %d times, want 1", deletes)
	}

	got, err := repo.Query(ctx, rec.CommandID, FragmentCore)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Core.ExportArchivesDeleteStatus != ArchivesDeleted || !got.Core.ExportArchivesDeletedTime.Equal(now) {
		t.Fatalf("status = %v at %v", got.Core.ExportArchivesDeleteStatus, got.Core.ExportArchivesDeletedTime)
	}
}

func TestDeleteExportArchivesPropagatesDeleteFailure(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()
	rec := newRecord(commands.KindExport)
	if won, err := repo.TryInsert(ctx, rec); err != nil || !won {
		t.Fatalf("insert: won=%v err=%v", won, err)
	}

	boom := errors.New("storage unavailable")
	err := repo.DeleteExportArchives(ctx, rec.CommandID, time.Now(), func(context.Context, string) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped delete failure", err)
	}

	got, err := repo.Query(ctx, rec.CommandID, FragmentCore)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Core.ExportArchivesDeleteStatus == ArchivesDeleted {
		t.Fatalf("failed deletion marked as deleted")
	}
}

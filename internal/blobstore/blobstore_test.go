package blobstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	pebblestore "github.com/mysoftskill/commandfeed/internal/storage/pebble"
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPebbleStore(db, "coldstorage", "commandhistory")
}

func TestCreateReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ptr, etag, err := s.Create(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ptr.AccountName != "coldstorage" || ptr.ContainerName != "commandhistory" || ptr.BlobName == "" {
		t.Fatalf("bad pointer: %+v", ptr)
	}

	data, gotEtag, err := s.Read(ctx, ptr)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, []byte("payload")) || gotEtag != etag {
		t.Fatalf("round trip mismatch")
	}
}

func TestReplaceEtagGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ptr, etag, err := s.Create(ctx, []byte("v1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	etag2, err := s.Replace(ctx, ptr, []byte("v2"), etag)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if etag2 == etag {
		t.Fatalf("etag must change on replace")
	}
	if _, err := s.Replace(ctx, ptr, []byte("v3"), etag); !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	data, _, _ := s.Read(ctx, ptr)
	if string(data) != "v2" {
		t.Fatalf("losing replace mutated blob: %q", data)
	}
}

func TestReadMissing(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Read(context.Background(), Pointer{AccountName: "a", ContainerName: "c", BlobName: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ptr, _, err := s.Create(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx, ptr); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, ptr); err != nil {
		t.Fatalf("second delete must be a no-op: %v", err)
	}
}

// Package blobstore defines the blob-store contract used by the command
// history repository for size-based fragment offload, plus a Pebble-backed
// implementation.
//
// Blobs are addressed by an opaque Pointer; callers persist the pointer in
// their own records and never interpret its parts. Writes are etag-guarded
// like document writes.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pebblestore "github.com/mysoftskill/commandfeed/internal/storage/pebble"
	"github.com/mysoftskill/commandfeed/pkg/id"
)

var (
	// ErrNotFound reports an absent blob.
	ErrNotFound = errors.New("blobstore: blob not found")

	// ErrConflict reports a failed etag precondition on Replace.
	ErrConflict = errors.New("blobstore: etag precondition failed")
)

// Pointer addresses one blob. Wire schema: {a, c, b}.
type Pointer struct {
	AccountName   string `json:"a"`
	ContainerName string `json:"c"`
	BlobName      string `json:"b"`
}

// IsZero reports whether the pointer addresses nothing.
func (p Pointer) IsZero() bool {
	return p.AccountName == "" && p.ContainerName == "" && p.BlobName == ""
}

func (p Pointer) String() string {
	return p.AccountName + "/" + p.ContainerName + "/" + p.BlobName
}

// Store is the blob-store contract.
type Store interface {
	// Create writes a new blob and returns its pointer and etag.
	Create(ctx context.Context, data []byte) (Pointer, string, error)

	// Replace overwrites the blob at ptr if etag matches; ErrConflict on
	// mismatch, ErrNotFound when the blob is gone.
	Replace(ctx context.Context, ptr Pointer, data []byte, etag string) (string, error)

	// Read returns blob contents and the current etag.
	Read(ctx context.Context, ptr Pointer) ([]byte, string, error)

	// Delete removes the blob; deleting an absent blob is a no-op.
	Delete(ctx context.Context, ptr Pointer) error
}

// PebbleStore implements Store on a Pebble database, sharing the database
// with the document store. Keys: blob/{account}/{container}/{name}.
type PebbleStore struct {
	db        *pebblestore.DB
	account   string
	container string

	mu  sync.Mutex
	gen *id.Generator
}

// NewPebbleStore creates a blob store. Account and container name the logical
// bucket new blobs are created in; reads and replaces follow the pointer.
func NewPebbleStore(db *pebblestore.DB, account, container string) *PebbleStore {
	return &PebbleStore{db: db, account: account, container: container, gen: id.NewGenerator()}
}

type blobEnvelope struct {
	Etag string `json:"etag"`
	Data []byte `json:"data"`
}

// Create implements Store.
func (s *PebbleStore) Create(_ context.Context, data []byte) (Pointer, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ptr := Pointer{
		AccountName:   s.account,
		ContainerName: s.container,
		BlobName:      s.gen.NextString(),
	}
	etag := s.gen.NextString()
	if err := s.write(ptr, data, etag); err != nil {
		return Pointer{}, "", err
	}
	return ptr, etag, nil
}

// Replace implements Store.
func (s *PebbleStore) Replace(ctx context.Context, ptr Pointer, data []byte, etag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(ptr)
	if err != nil {
		return "", err
	}
	if cur.Etag != etag {
		return "", fmt.Errorf("replace blob %s: %w", ptr, ErrConflict)
	}
	newEtag := s.gen.NextString()
	if err := s.write(ptr, data, newEtag); err != nil {
		return "", err
	}
	return newEtag, nil
}

// Read implements Store.
func (s *PebbleStore) Read(_ context.Context, ptr Pointer) ([]byte, string, error) {
	env, err := s.read(ptr)
	if err != nil {
		return nil, "", err
	}
	return env.Data, env.Etag, nil
}

// Delete implements Store.
func (s *PebbleStore) Delete(_ context.Context, ptr Pointer) error {
	err := s.db.Delete(blobKey(ptr))
	if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return err
	}
	return nil
}

func (s *PebbleStore) read(ptr Pointer) (*blobEnvelope, error) {
	raw, err := s.db.Get(blobKey(ptr))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, fmt.Errorf("read blob %s: %w", ptr, ErrNotFound)
		}
		return nil, err
	}
	var env blobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode blob %s: %v", ptr, err)
	}
	return &env, nil
}

func (s *PebbleStore) write(ptr Pointer, data []byte, etag string) error {
	raw, err := json.Marshal(&blobEnvelope{Etag: etag, Data: data})
	if err != nil {
		return fmt.Errorf("encode blob %s: %v", ptr, err)
	}
	return s.db.Set(blobKey(ptr), raw)
}

func blobKey(ptr Pointer) []byte {
	return []byte("blob/" + ptr.AccountName + "/" + ptr.ContainerName + "/" + ptr.BlobName)
}

package docstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/mysoftskill/commandfeed/internal/storage/pebble"
	"github.com/mysoftskill/commandfeed/pkg/id"
)

// envelope is the stored form of a document. The sort key is duplicated here
// so Replace can drop the stale index entry in the same batch.
type envelope struct {
	Etag    string          `json:"etag"`
	SortKey string          `json:"ck"`
	Body    json.RawMessage `json:"body"`
}

// PebbleStore implements Store on a Pebble database.
//
// Pebble has no conditional writes, so compare-and-swap is emulated with a
// single-writer mutex around read-modify-write; readers and range scans run
// unlocked. Etags are monotonic tokens from pkg/id.
type PebbleStore struct {
	db  *pebblestore.DB
	mu  sync.Mutex
	gen *id.Generator
}

// NewPebbleStore creates a document store on the given database.
func NewPebbleStore(db *pebblestore.DB) *PebbleStore {
	return &PebbleStore{db: db, gen: id.NewGenerator()}
}

// Get implements Store.
func (s *PebbleStore) Get(_ context.Context, partitionKey, docID string) (*Document, error) {
	env, err := s.read(partitionKey, docID)
	if err != nil {
		return nil, err
	}
	return &Document{
		PartitionKey: partitionKey,
		ID:           docID,
		SortKey:      env.SortKey,
		Body:         env.Body,
		Etag:         env.Etag,
	}, nil
}

// Create implements Store.
func (s *PebbleStore) Create(ctx context.Context, doc *Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.read(doc.PartitionKey, doc.ID); err == nil {
		return "", fmt.Errorf("create %s/%s: %w", doc.PartitionKey, doc.ID, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	etag := s.gen.NextString()
	if err := s.write(ctx, doc, etag, ""); err != nil {
		return "", err
	}
	return etag, nil
}

// Replace implements Store.
func (s *PebbleStore) Replace(ctx context.Context, doc *Document, etag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(doc.PartitionKey, doc.ID)
	if err != nil {
		return "", err
	}
	if cur.Etag != etag {
		return "", fmt.Errorf("replace %s/%s: %w", doc.PartitionKey, doc.ID, ErrConflict)
	}

	newEtag := s.gen.NextString()
	if err := s.write(ctx, doc, newEtag, cur.SortKey); err != nil {
		return "", err
	}
	return newEtag, nil
}

// Delete implements Store.
func (s *PebbleStore) Delete(ctx context.Context, partitionKey, docID, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(partitionKey, docID)
	if err != nil {
		return err
	}
	if etag != "" && cur.Etag != etag {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, docID, ErrConflict)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(docKey(partitionKey, docID), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if err := b.Delete(idxKey(partitionKey, cur.SortKey, docID), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// RangeQuery implements Store. The continuation token encodes the last index
// key consumed; resuming is exclusive of it.
func (s *PebbleStore) RangeQuery(ctx context.Context, partitionKey, sortLow, sortHigh, continuation string, maxItems int) ([]*Document, string, error) {
	if maxItems <= 0 {
		maxItems = 100
	}

	lower := idxLowerBound(partitionKey, sortLow)
	if continuation != "" {
		resume, err := decodeContinuation(continuation)
		if err != nil {
			return nil, "", err
		}
		// Resume strictly after the last consumed key.
		lower = append(resume, 0x00)
	}
	upper := idxUpperBound(partitionKey, sortHigh)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer iter.Close()

	var docs []*Document
	var lastKey []byte
	for ok := iter.First(); ok; ok = iter.Next() {
		docID := idFromIdxKey(iter.Key())
		if docID == "" {
			continue
		}
		doc, err := s.Get(ctx, partitionKey, docID)
		if errors.Is(err, ErrNotFound) {
			// Row deleted between index scan and point read; skip.
			continue
		}
		if err != nil {
			return nil, "", err
		}
		docs = append(docs, doc)
		lastKey = append(lastKey[:0], iter.Key()...)
		if len(docs) >= maxItems {
			if iter.Next() {
				return docs, encodeContinuation(lastKey), nil
			}
			break
		}
	}
	return docs, "", nil
}

func (s *PebbleStore) read(pk, docID string) (*envelope, error) {
	raw, err := s.db.Get(docKey(pk, docID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, fmt.Errorf("get %s/%s: %w", pk, docID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope %s/%s: %v", pk, docID, err)
	}
	return &env, nil
}

// write commits the document row and its sort index entry in one batch,
// removing the previous index entry when the sort key moved.
func (s *PebbleStore) write(ctx context.Context, doc *Document, etag, prevSortKey string) error {
	env := envelope{Etag: etag, SortKey: doc.SortKey, Body: doc.Body}
	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encode envelope: %v", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(docKey(doc.PartitionKey, doc.ID), raw, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if prevSortKey != "" && prevSortKey != doc.SortKey {
		if err := b.Delete(idxKey(doc.PartitionKey, prevSortKey, doc.ID), nil); err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	if err := b.Set(idxKey(doc.PartitionKey, doc.SortKey, doc.ID), []byte(doc.ID), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

func encodeContinuation(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func decodeContinuation(token string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("malformed continuation token: %v", err)
	}
	return b, nil
}

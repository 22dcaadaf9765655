package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Error taxonomy shared by everything built on the store.
var (
	// ErrConflict reports a failed etag precondition or a duplicate create.
	// Expected under contention; callers re-read and retry, they never
	// treat it as fatal.
	ErrConflict = errors.New("docstore: etag precondition failed")

	// ErrNotFound reports an absent document. Often benign, e.g. the
	// idempotent re-checkpoint of an already-deleted queue item.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrTransient reports a retriable storage failure (throttling,
	// timeouts). Callers retry with backoff.
	ErrTransient = errors.New("docstore: transient storage failure")
)

// Document is a stored record. Body carries the caller's wire form; the store
// never inspects it.
type Document struct {
	PartitionKey string
	ID           string
	SortKey      string
	Body         json.RawMessage
	Etag         string
}

// Store is the document-store contract.
//
// All methods honor single-document atomicity only. Replace and Delete take
// the etag from a prior read; passing an empty etag to Delete makes the
// delete unconditional (used by queue flush, which removes items regardless
// of lease state).
type Store interface {
	// Get point-reads one document. Returns ErrNotFound when absent.
	Get(ctx context.Context, partitionKey, id string) (*Document, error)

	// Create inserts a new document and returns its etag. Returns
	// ErrConflict when (partitionKey, id) already exists.
	Create(ctx context.Context, doc *Document) (string, error)

	// Replace overwrites an existing document if etag matches the stored
	// one, returning the new etag. Returns ErrConflict on mismatch and
	// ErrNotFound when the document is gone.
	Replace(ctx context.Context, doc *Document, etag string) (string, error)

	// Delete removes a document. With a non-empty etag the delete is
	// conditional (ErrConflict on mismatch); with an empty etag it is
	// unconditional. Returns ErrNotFound when already gone.
	Delete(ctx context.Context, partitionKey, id, etag string) error

	// RangeQuery scans documents of one partition whose SortKey lies in
	// [sortLow, sortHigh], ascending, at most maxItems per page. The
	// returned continuation resumes the scan; empty means exhausted.
	RangeQuery(ctx context.Context, partitionKey, sortLow, sortHigh, continuation string, maxItems int) ([]*Document, string, error)
}

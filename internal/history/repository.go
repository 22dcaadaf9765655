package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mysoftskill/commandfeed/internal/blobstore"
	"github.com/mysoftskill/commandfeed/internal/commands"
	"github.com/mysoftskill/commandfeed/internal/docstore"
	"github.com/mysoftskill/commandfeed/pkg/log"
)

// ErrNotRead reports a Replace on a record that never went through Query or
// TryInsert, so there is no etag to guard the write with.
var ErrNotRead = errors.New("history: record has no read context")

// ErrStatusRegression reports a write that would move a status flag
// backward.
var ErrStatusRegression = errors.New("history: status flags only advance")

// DefaultInlineThreshold is the serialized-fragment size above which a
// fragment moves out of the core document into a blob.
const DefaultInlineThreshold = 16 << 10

const historyPartition = "history"

// coreWire is the persisted core document. Fragment payloads ride inline or
// as blob pointers, never both.
type coreWire struct {
	Kind                      string               `json:"ct"`
	Subject                   json.RawMessage      `json:"s,omitempty"`
	CreatedTime               int64                `json:"ts"`
	CompletedTime             int64                `json:"cmp,omitempty"`
	IsComplete                bool                 `json:"ic"`
	ArchivesDeleteStatus      ArchivesDeleteStatus `json:"ads"`
	ArchivesDeletedTime       int64                `json:"adt,omitempty"`
	FinalExportDestinationURI string               `json:"fdu,omitempty"`

	StatusInline     json.RawMessage    `json:"st,omitempty"`
	StatusBlob       *blobstore.Pointer `json:"stp,omitempty"`
	ExportDestInline json.RawMessage    `json:"ed,omitempty"`
	ExportDestBlob   *blobstore.Pointer `json:"edp,omitempty"`
}

type readContext struct {
	coreEtag       string
	wire           coreWire
	statusBlobEtag string
	exportBlobEtag string
}

// Options configures a Repository.
type Options struct {
	// InlineThreshold overrides DefaultInlineThreshold; negative forces
	// every fragment to a blob.
	InlineThreshold int
	Logger          log.Logger
}

// Repository stores command history over a document store with blob offload
// for oversized fragments.
type Repository struct {
	docs      docstore.Store
	blobs     blobstore.Store
	threshold int
	logger    log.Logger
}

// NewRepository creates a history repository.
func NewRepository(docs docstore.Store, blobs blobstore.Store, opts Options) *Repository {
	if opts.InlineThreshold == 0 {
		opts.InlineThreshold = DefaultInlineThreshold
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &Repository{
		docs:      docs,
		blobs:     blobs,
		threshold: opts.InlineThreshold,
		logger:    opts.Logger.WithComponent("history"),
	}
}

// TryInsert creates the record if absent, reporting whether this caller won
// the insert. A winning record comes back armed for Replace.
func (r *Repository) TryInsert(ctx context.Context, rec *Record) (bool, error) {
	w, err := coreWireFrom(rec)
	if err != nil {
		return false, err
	}
	rctx := &readContext{}
	if rec.Status != nil {
		w.StatusInline, w.StatusBlob, rctx.statusBlobEtag, _, err = r.storeFragment(ctx, rec.Status, nil, "")
		if err != nil {
			return false, fmt.Errorf("history %s status fragment: %w", rec.CommandID, err)
		}
	}
	if rec.ExportDestinations != nil {
		w.ExportDestInline, w.ExportDestBlob, rctx.exportBlobEtag, _, err = r.storeFragment(ctx, rec.ExportDestinations, nil, "")
		if err != nil {
			return false, fmt.Errorf("history %s export destinations: %w", rec.CommandID, err)
		}
	}
	body, err := json.Marshal(w)
	if err != nil {
		return false, fmt.Errorf("encode history %s: %w", rec.CommandID, err)
	}
	etag, err := r.docs.Create(ctx, r.document(rec.CommandID, body))
	if errors.Is(err, docstore.ErrConflict) {
		r.discardBlobs(ctx, rec.CommandID, w.StatusBlob, w.ExportDestBlob)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert history %s: %w", rec.CommandID, err)
	}
	rctx.coreEtag = etag
	rctx.wire = *w
	rec.readCtx = rctx
	return true, nil
}

func (r *Repository) discardBlobs(ctx context.Context, commandID uuid.UUID, ptrs ...*blobstore.Pointer) {
	for _, ptr := range ptrs {
		if ptr == nil {
			continue
		}
		if err := r.blobs.Delete(ctx, *ptr); err != nil {
			r.logger.Warn("orphaned fragment blob not deleted",
				log.Str("command_id", commandID.String()),
				log.Str("blob", ptr.String()),
				log.Err(err))
		}
	}
}

// Query reads a record, resolving the selected fragments through the blob
// store when they are offloaded. The returned record carries the read
// context Replace needs.
func (r *Repository) Query(ctx context.Context, commandID uuid.UUID, fragments FragmentTypes) (*Record, error) {
	doc, err := r.docs.Get(ctx, historyPartition, commandID.String())
	if err != nil {
		return nil, fmt.Errorf("query history %s: %w", commandID, err)
	}
	var w coreWire
	if err := json.Unmarshal(doc.Body, &w); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", commandID, err)
	}

	rec := &Record{CommandID: commandID}
	rctx := &readContext{coreEtag: doc.Etag, wire: w}

	kind, err := commands.ParseKind(w.Kind)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", commandID, err)
	}
	core := &CoreFragment{
		Kind:                       kind,
		CreatedTime:                unixTime(w.CreatedTime),
		CompletedTime:              unixTime(w.CompletedTime),
		IsComplete:                 w.IsComplete,
		ExportArchivesDeleteStatus: w.ArchivesDeleteStatus,
		ExportArchivesDeletedTime:  unixTime(w.ArchivesDeletedTime),
		FinalExportDestinationURI:  w.FinalExportDestinationURI,
	}
	if len(w.Subject) > 0 {
		core.Subject, err = commands.DecodeSubject(w.Subject)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", commandID, err)
		}
	}
	rec.Core = core

	if fragments.Has(FragmentStatus) {
		raw, etag, err := r.loadFragment(ctx, w.StatusInline, w.StatusBlob)
		if err != nil {
			return nil, fmt.Errorf("history %s status fragment: %w", commandID, err)
		}
		rctx.statusBlobEtag = etag
		if raw != nil {
			var f StatusFragment
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("decode history %s status fragment: %w", commandID, err)
			}
			rec.Status = &f
		}
	}
	if fragments.Has(FragmentExportDestinations) {
		raw, etag, err := r.loadFragment(ctx, w.ExportDestInline, w.ExportDestBlob)
		if err != nil {
			return nil, fmt.Errorf("history %s export destinations: %w", commandID, err)
		}
		rctx.exportBlobEtag = etag
		if raw != nil {
			var f ExportDestinationsFragment
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("decode history %s export destinations: %w", commandID, err)
			}
			rec.ExportDestinations = &f
		}
	}

	rec.readCtx = rctx
	return rec, nil
}

// Replace writes the selected fragments back, guarded by the record's read
// context. A stale core etag fails with docstore.ErrConflict and writes
// nothing; the caller re-reads and retries. Oversized fragments go to the
// blob store before the core document commits the pointer.
func (r *Repository) Replace(ctx context.Context, rec *Record, fragments FragmentTypes) error {
	if rec.readCtx == nil {
		return ErrNotRead
	}
	rctx := rec.readCtx

	if fragments.Has(FragmentCore) {
		if rctx.wire.IsComplete && !rec.Core.IsComplete {
			return fmt.Errorf("%w: IsComplete on %s", ErrStatusRegression, rec.CommandID)
		}
		if rec.Core.ExportArchivesDeleteStatus < rctx.wire.ArchivesDeleteStatus {
			return fmt.Errorf("%w: archive delete status on %s", ErrStatusRegression, rec.CommandID)
		}
	}

	next := rctx.wire
	if fragments.Has(FragmentCore) {
		cw, err := coreWireFrom(rec)
		if err != nil {
			return err
		}
		next.Kind = cw.Kind
		next.Subject = cw.Subject
		next.CreatedTime = cw.CreatedTime
		next.CompletedTime = cw.CompletedTime
		next.IsComplete = cw.IsComplete
		next.ArchivesDeleteStatus = cw.ArchivesDeleteStatus
		next.ArchivesDeletedTime = cw.ArchivesDeletedTime
		next.FinalExportDestinationURI = cw.FinalExportDestinationURI
	}

	var orphans []blobstore.Pointer
	if fragments.Has(FragmentStatus) && rec.Status != nil {
		inline, ptr, etag, orphan, err := r.storeFragment(ctx, rec.Status, next.StatusBlob, rctx.statusBlobEtag)
		if err != nil {
			return fmt.Errorf("history %s status fragment: %w", rec.CommandID, err)
		}
		next.StatusInline, next.StatusBlob, rctx.statusBlobEtag = inline, ptr, etag
		if orphan != nil {
			orphans = append(orphans, *orphan)
		}
	}
	if fragments.Has(FragmentExportDestinations) && rec.ExportDestinations != nil {
		inline, ptr, etag, orphan, err := r.storeFragment(ctx, rec.ExportDestinations, next.ExportDestBlob, rctx.exportBlobEtag)
		if err != nil {
			return fmt.Errorf("history %s export destinations: %w", rec.CommandID, err)
		}
		next.ExportDestInline, next.ExportDestBlob, rctx.exportBlobEtag = inline, ptr, etag
		if orphan != nil {
			orphans = append(orphans, *orphan)
		}
	}

	body, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", rec.CommandID, err)
	}
	etag, err := r.docs.Replace(ctx, r.document(rec.CommandID, body), rctx.coreEtag)
	if err != nil {
		return fmt.Errorf("replace history %s: %w", rec.CommandID, err)
	}
	rctx.coreEtag = etag
	rctx.wire = next

	// The pointer is gone from the committed document; the blob itself is
	// best-effort cleanup.
	for _, ptr := range orphans {
		if err := r.blobs.Delete(ctx, ptr); err != nil {
			r.logger.Warn("orphaned fragment blob not deleted",
				log.Str("command_id", rec.CommandID.String()),
				log.Str("blob", ptr.String()),
				log.Err(err))
		}
	}
	return nil
}

// DeleteExportArchives runs the caller-supplied archive deletion exactly once
// per record. An already-deleted record succeeds without invoking deleteFn; a
// status write failure after a successful deletion is logged loudly and
// propagated rather than masked.
func (r *Repository) DeleteExportArchives(ctx context.Context, commandID uuid.UUID, now time.Time, deleteFn func(ctx context.Context, destinationURI string) error) error {
	rec, err := r.Query(ctx, commandID, FragmentCore)
	if err != nil {
		return err
	}
	if rec.Core.ExportArchivesDeleteStatus == ArchivesDeleted {
		return nil
	}
	if err := deleteFn(ctx, rec.Core.FinalExportDestinationURI); err != nil {
		return fmt.Errorf("delete export archives %s: %w", commandID, err)
	}
	rec.Core.ExportArchivesDeleteStatus = ArchivesDeleted
	rec.Core.ExportArchivesDeletedTime = now
	if err := r.Replace(ctx, rec, FragmentCore); err != nil {
		r.logger.Error("archives deleted but status write failed",
			log.Str("command_id", commandID.String()),
			log.Err(err))
		return err
	}
	return nil
}

func (r *Repository) loadFragment(ctx context.Context, inline json.RawMessage, ptr *blobstore.Pointer) (json.RawMessage, string, error) {
	if len(inline) > 0 {
		return inline, "", nil
	}
	if ptr == nil {
		return nil, "", nil
	}
	data, etag, err := r.blobs.Read(ctx, *ptr)
	if err != nil {
		return nil, "", err
	}
	return data, etag, nil
}

// storeFragment serializes a fragment and decides inline versus blob. It
// returns the inline payload or pointer for the core document, the current
// blob etag, and the pointer left orphaned by a blob-to-inline transition.
func (r *Repository) storeFragment(ctx context.Context, fragment interface{}, ptr *blobstore.Pointer, blobEtag string) (json.RawMessage, *blobstore.Pointer, string, *blobstore.Pointer, error) {
	data, err := json.Marshal(fragment)
	if err != nil {
		return nil, nil, "", nil, err
	}
	if len(data) <= r.threshold {
		return data, nil, "", ptr, nil
	}
	if ptr != nil {
		etag, err := r.blobs.Replace(ctx, *ptr, data, blobEtag)
		if err != nil {
			return nil, nil, "", nil, err
		}
		return nil, ptr, etag, nil, nil
	}
	p, etag, err := r.blobs.Create(ctx, data)
	if err != nil {
		return nil, nil, "", nil, err
	}
	return nil, &p, etag, nil, nil
}

func coreWireFrom(rec *Record) (*coreWire, error) {
	if rec.Core == nil {
		return nil, fmt.Errorf("history %s: core fragment required", rec.CommandID)
	}
	w := &coreWire{
		Kind:                      rec.Core.Kind.String(),
		CreatedTime:               unixOrZero(rec.Core.CreatedTime),
		CompletedTime:             unixOrZero(rec.Core.CompletedTime),
		IsComplete:                rec.Core.IsComplete,
		ArchivesDeleteStatus:      rec.Core.ExportArchivesDeleteStatus,
		ArchivesDeletedTime:       unixOrZero(rec.Core.ExportArchivesDeletedTime),
		FinalExportDestinationURI: rec.Core.FinalExportDestinationURI,
	}
	if rec.Core.Subject != nil {
		raw, err := commands.EncodeSubject(rec.Core.Subject)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", rec.CommandID, err)
		}
		w.Subject = raw
	}
	return w, nil
}

func (r *Repository) document(commandID uuid.UUID, body json.RawMessage) *docstore.Document {
	id := commandID.String()
	return &docstore.Document{
		PartitionKey: historyPartition,
		ID:           id,
		SortKey:      id,
		Body:         body,
	}
}

func unixTime(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

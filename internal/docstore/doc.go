// Package docstore defines the partitioned document-store contract the
// command queue, history repository and distributed lock are built on, plus a
// Pebble-backed implementation.
//
// The contract is deliberately narrow: point read/write with etag optimistic
// concurrency and an ordered range query over a derived sort key, paged by
// continuation token. There are no multi-document transactions; every
// algorithm above this package is an optimistic compare-and-swap loop.
//
// # Keyspace (Pebble implementation)
//
//	doc/{pk}/{id}        - document envelope (etag, sort key, body)
//	idx/{pk}/{sortKey}/{id} - sort index, maintained atomically with the row
//
// Etags are opaque, store-assigned tokens that change on every successful
// write. A write carrying a stale etag fails with ErrConflict and never
// silently overwrites.
package docstore

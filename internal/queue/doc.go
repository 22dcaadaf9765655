// Package queue implements the durable privacy-command queue: enqueue,
// lease-based pop with visibility timeouts, checkpointing with bounded retry,
// and resumable bulk flush. It runs entirely on the single-document
// compare-and-swap offered by the document store; contention between
// consumers is resolved by etag conflicts, never by locks.
package queue

// Package commands defines the privacy command model shared by the queue and
// the history repository: command kinds, the tagged CommandInfo and Subject
// unions with their decoder registries, the persisted queue-item wire schema,
// and the compound sort key scheme.
//
// # Compound key
//
// The backing document store has no secondary range indexes, so ordering by
// next-visible-time is encoded into a derived sort key:
//
//	"{partitionKey}.{nextVisibleTime:%012d}"
//
// The 12-digit zero-padded unix-seconds width is a versioned hard contract;
// changing it invalidates ordering across already-stored items. The sort key
// is always derived, never accepted from input, and is recomputed on every
// write that touches the partition key or the next visible time.
package commands

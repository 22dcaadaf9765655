// Package id generates small, lexicographically sortable opaque tokens.
//
// A Token is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence],
// rendered as 32 hex characters. Within one process a Generator never emits
// the same token twice, and tokens sort by creation time even when the clock
// regresses. The document and blob stores use tokens as etags; the audit
// appender uses them as batch ids.
package id

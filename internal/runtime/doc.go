// Package runtime wires storage, config, and the command feed components
// into a single-node instance: the pebble store, the document and blob
// adapters over it, the command queue with its lifecycle recorder, the
// history repository, and the audit appender. It exposes Open/Close and a
// basic health check.
package runtime

// Package history implements the long-retention command record ("cold
// storage"). A record outlives its queue item and carries everything audits
// need: core status flags plus per-agent status and export-destination
// fragments that offload to blob storage above a size threshold. Every write
// is etag guarded; status flags only ever advance.
package history

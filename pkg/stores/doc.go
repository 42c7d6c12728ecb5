// Package stores provides the persistence layer for WasmFleet, including
// device, module, and deployment records plus an append-only event log.
// The orchestration core treats the store as best-effort: when it is
// unavailable, in-memory operation continues in a degraded mode.
package stores

// Package checkpoint persists task snapshots between orchestrator
// invocations.
//
// A Store keeps every generation of a task under its id; Load returns the
// newest. Snapshots are encoded with a checksum so a torn or tampered
// record surfaces as ErrCorrupt instead of a half-restored task. Backends:
// in-memory, SQLite (modernc.org/sqlite) and NATS JetStream key-value.
package checkpoint

// Package fan defines the domain model for Panasonic Wi-Fi ceiling fans
// and the in-memory registry that tracks them.
//
// The cloud is the source of truth for fan state; the registry holds the
// bridge's local view of it. Each registered fan carries a descriptor
// (identity and capabilities), its last confirmed state, and a health
// status. Consumers subscribe to the registry for change events rather
// than polling it.
//
// State changes flow through the sync engine, which decides what the
// confirmed state is. The registry deliberately does not order or reject
// updates: a rollback legitimately replaces newer optimistic state with
// older confirmed state, so sequencing is the engine's job.
//
// The package also defines the state history store. History survives
// restarts in SQLite; everything else is rebuilt from the cloud on
// startup.
package fan

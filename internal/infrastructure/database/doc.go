// Package database provides SQLite connectivity for the bridge's local store.
//
// The bridge treats the cloud as the source of truth for live fan state,
// so the database holds only what must survive a restart:
//   - State history (every confirmed state change, with its origin)
//   - Schema migration bookkeeping
//
// Characteristics:
//   - WAL mode allows the API to read history while the sync engine writes
//   - A single pooled connection matches SQLite's one-writer model
//   - Busy timeout avoids "database is locked" errors under contention
//   - The database file is chmod 0600; it records the account's device activity
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are embedded via the migrations package and named
// YYYYMMDD_HHMMSS_description.up.sql with an optional matching .down.sql.
package database

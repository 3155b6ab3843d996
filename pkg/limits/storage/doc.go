// Package storage provides persistence backends for daily quota rows.
//
// # Overview
//
// A quota row counts the requests, characters and per-class requests a
// single caller consumed on one UTC calendar day. The storage package
// defines the Store interface for reading and atomically incrementing
// those rows and provides three implementations:
//
//   - Memory: in-process map, used by tests and single-node development
//   - SQLite: file-based persistence (modernc.org/sqlite, WAL mode)
//   - Redis: shared state for multi-instance deployments (Lua scripts)
//
// # Usage
//
//	store, err := storage.NewSQLiteStore("quota.db")
//	key, _ := storage.ParseKey("ip:203.0.113.5")
//	row, applied, err := store.ConsumeIfBelow(ctx, key, storage.DayOf(now),
//	    storage.Deltas{Requests: 1, Chars: 120, Class: storage.ClassAPITTS}, 5)
//
// # Atomicity
//
// Every backend creates the row for (key, date) at most once and applies
// increments as a single read-modify-write. Concurrent first calls for the
// same key observe one row whose count reflects every call.
package storage

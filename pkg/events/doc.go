// Package events records usage events: every admission decision and every
// dispatch outcome.
//
// Recorder enqueues events on a buffered channel and a single background
// worker writes them to a Store, so request handling never waits on the
// event database. When the buffer is full the event is dropped and counted.
//
// Two stores are provided: SQLiteStore (github.com/mattn/go-sqlite3) for
// production and MemoryStore for tests and ephemeral deployments.
package events

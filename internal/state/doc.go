// Package state owns modelq's durable local storage: a small SQLite
// key-value table holding the queue snapshot, the bearer token, and the
// download path.
//
// Every write bumps a per-key revision so that a long-running watch process
// can tell when a one-shot command changed the snapshot underneath it.
// Cross-process read-modify-write sequences are serialized with a
// gofrs/flock lock file next to the database.
package state

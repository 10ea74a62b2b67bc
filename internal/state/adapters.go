package state

import (
	"context"
	"strings"
)

// Snapshot exposes one key as the queue's durable snapshot.
type Snapshot struct {
	db  *DB
	key string
}

// QueueSnapshot returns the snapshot adapter for the download queue key.
func (d *DB) QueueSnapshot() *Snapshot {
	return &Snapshot{db: d, key: KeyQueue}
}

// ReadSnapshot returns the stored bytes and revision. Absent snapshots return nil data and revision 0.
func (s *Snapshot) ReadSnapshot(ctx context.Context) ([]byte, int64, error) {
	entry, ok, err := s.db.Get(ctx, s.key)
	if err != nil || !ok {
		return nil, 0, err
	}
	return entry.Value, entry.Revision, nil
}

// WriteSnapshot stores data and returns the new revision.
func (s *Snapshot) WriteSnapshot(ctx context.Context, data []byte) (int64, error) {
	return s.db.Put(ctx, s.key, data)
}

// Lock serializes snapshot read-modify-write cycles across processes.
func (s *Snapshot) Lock(ctx context.Context) (func(), error) {
	return s.db.Lock(ctx)
}

// Credentials resolves the bearer token on every call: the stored token wins,
// then the configured fallback. An empty token is not an error.
type Credentials struct {
	db       *DB
	fallback string
}

// NewCredentials builds a token source backed by db.
func NewCredentials(db *DB, fallback string) *Credentials {
	return &Credentials{db: db, fallback: strings.TrimSpace(fallback)}
}

func (c *Credentials) Token(ctx context.Context) (string, error) {
	if c.db != nil {
		token, err := c.db.GetString(ctx, KeyToken)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
	}
	return c.fallback, nil
}

// DownloadPath returns the stored download destination, or fallback when unset.
func (d *DB) DownloadPath(ctx context.Context, fallback string) (string, error) {
	value, err := d.GetString(ctx, KeyDownloadPath)
	if err != nil {
		return "", err
	}
	if value == "" {
		return fallback, nil
	}
	return value, nil
}

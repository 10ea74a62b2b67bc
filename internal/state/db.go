package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Well-known keys.
const (
	KeyQueue        = "downloadQueue"
	KeyToken        = "token"
	KeyDownloadPath = "downloadPath"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	lockRetryDelay          = 25 * time.Millisecond
)

var (
	// ErrSchemaMismatch indicates the database was written by an incompatible version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
	// ErrLockTimeout is returned when the state lock could not be acquired before ctx expired.
	ErrLockTimeout = errors.New("state lock not acquired")
)

// Entry is a stored value and the revision it was written at.
type Entry struct {
	Value     []byte
	Revision  int64
	UpdatedAt time.Time
}

// DB is the SQLite-backed key-value store.
type DB struct {
	db   *sql.DB
	path string

	lockMu sync.Mutex
	lock   *flock.Flock
}

// Open creates the parent directory when needed and opens (or initializes) the database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &DB{db: db, path: path, lock: flock.New(path + ".lock")}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (d *DB) Path() string { return d.path }

// Close closes the underlying database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) initSchema(ctx context.Context) error {
	var tableExists int
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists); err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema: %w", err)
		}
		return nil
	}

	var version int
	if err := d.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: %s has version %d, expected %d (delete the file to reset local state)",
			ErrSchemaMismatch, d.path, version, schemaVersion)
	}
	return nil
}

// Get returns the entry stored under key. The boolean is false when the key is absent.
func (d *DB) Get(ctx context.Context, key string) (Entry, bool, error) {
	ctx = ensureContext(ctx)
	var (
		entry   Entry
		updated string
	)
	err := retryOnBusy(ctx, func() error {
		return d.db.QueryRowContext(ctx,
			"SELECT value, revision, updated_at FROM entries WHERE key = ?", key,
		).Scan(&entry.Value, &entry.Revision, &updated)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return entry, true, nil
}

// GetString returns the value under key as a trimmed string, or "" when absent.
func (d *DB) GetString(ctx context.Context, key string) (string, error) {
	entry, ok, err := d.Get(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	return strings.TrimSpace(string(entry.Value)), nil
}

// Put stores value under key and returns the new revision.
func (d *DB) Put(ctx context.Context, key string, value []byte) (int64, error) {
	ctx = ensureContext(ctx)
	if value == nil {
		value = []byte{}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var revision int64
	err := retryOnBusy(ctx, func() error {
		return d.db.QueryRowContext(ctx, `
INSERT INTO entries (key, value, revision, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, revision = entries.revision + 1, updated_at = excluded.updated_at
RETURNING revision`, key, value, now).Scan(&revision)
	})
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	return revision, nil
}

// PutString stores a string value.
func (d *DB) PutString(ctx context.Context, key, value string) error {
	_, err := d.Put(ctx, key, []byte(value))
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (d *DB) Delete(ctx context.Context, key string) error {
	ctx = ensureContext(ctx)
	err := retryOnBusy(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Lock acquires the cross-process state lock, waiting until ctx expires.
// The returned function releases it.
func (d *DB) Lock(ctx context.Context) (func(), error) {
	ctx = ensureContext(ctx)
	d.lockMu.Lock()
	locked, err := d.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		d.lockMu.Unlock()
		if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, d.lock.Path())
		}
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	return func() {
		_ = d.lock.Unlock()
		d.lockMu.Unlock()
	}, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			return lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

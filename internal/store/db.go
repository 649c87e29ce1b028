// Package store implements the triple-based storage engine: a durable,
// append-oriented fact store with transactional apply semantics, a
// co-located transaction log, and a change-event stream consumed by the
// query engine.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// dbPath returns the on-disk path for the given persistence directory and
// app ID. Each app_id gets its own file.
func dbPath(persistenceDir, appID string) string {
	return filepath.Join(persistenceDir, appID+".db")
}

// Store wraps the SQLite-backed triple store for one app.
type Store struct {
	conn    *sql.DB
	baseDir string
	appID   string

	changes *changeBroadcaster
}

// openConn opens a SQLite connection with safe defaults for concurrent,
// possibly multi-process, access: WAL mode, a busy timeout, and a pinned
// single connection so the pool never spawns a second writer.
func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Pin to a single connection — SQLite only supports one writer, and
	// this prevents the pool from opening extra connections that could
	// corrupt the WAL/SHM files under concurrent access.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	return conn, nil
}

// Open opens (creating if necessary) the triple store for appID under
// persistenceDir and ensures its schema exists.
func Open(persistenceDir, appID string) (*Store, error) {
	if err := os.MkdirAll(persistenceDir, 0755); err != nil {
		return nil, fmt.Errorf("create persistence dir: %w", err)
	}

	conn, err := openConn(dbPath(persistenceDir, appID))
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		conn:    conn,
		baseDir: persistenceDir,
		appID:   appID,
		changes: newChangeBroadcaster(),
	}

	if err := s.failUnparseableTransactions(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("corruption guard: %w", err)
	}

	return s, nil
}

// Close flushes the WAL back into the main database file and releases
// the connection.
func (s *Store) Close() error {
	// Best-effort checkpoint — ignore errors (DB might already be in a bad state).
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	s.changes.close()
	return s.conn.Close()
}

// SetCacheSize bounds SQLite's page cache for this store's connection.
// A negative cache_size pragma value is interpreted by SQLite as KiB.
func (s *Store) SetCacheSize(bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	kib := bytes / 1024
	if kib < 1 {
		kib = 1
	}
	if _, err := s.conn.Exec(fmt.Sprintf("PRAGMA cache_size=-%d", kib)); err != nil {
		return fmt.Errorf("set cache size: %w", err)
	}
	return nil
}

// BaseDir returns the persistence directory backing this store.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// IsEmpty reports whether the store holds no non-retracted triples yet —
// used by the sync engine to decide whether a snapshot bootstrap is worth
// requesting on first connect.
func (s *Store) IsEmpty() (bool, error) {
	var count int
	if err := s.conn.QueryRow(`SELECT COUNT(1) FROM triples WHERE retracted = 0 LIMIT 1`).Scan(&count); err != nil {
		return false, fmt.Errorf("check store emptiness: %w", err)
	}
	return count == 0, nil
}

// withWriteLock executes fn while holding the cross-process exclusive
// write lock for this app's store file. This prevents concurrent writes
// from multiple processes against the same SQLite file.
func (s *Store) withWriteLock(fn func() error) error {
	locker := newWriteLocker(s.baseDir, s.appID)
	if err := locker.acquire(defaultTimeout); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	defer locker.release()
	return fn()
}

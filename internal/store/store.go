// Package store provides persistent server state backed by an embedded
// SQLite database. It owns the database lifecycle and exposes a minimal
// API used by the admission guard, the resource manifest cache, and the
// operator-facing audit trail. No other package opens the database file
// directly.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — admission guard: addresses blocked after tripping the rate limit
	`CREATE TABLE IF NOT EXISTS blocked_addresses (
		address    TEXT PRIMARY KEY,
		blocked_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — cached listing of the Client/*.zip resource directory
	`CREATE TABLE IF NOT EXISTS resource_manifest (
		path       TEXT PRIMARY KEY,
		size       INTEGER NOT NULL,
		scanned_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — operator audit trail: handshake decisions, kicks, vetoes, reloads
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		session_id INTEGER NOT NULL DEFAULT -1,
		name       TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes server-state operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Admission guard: blocked addresses (§4.10)
// ---------------------------------------------------------------------------

// BlockAddress persists address in the blocked set. Idempotent.
func (s *Store) BlockAddress(address string) error {
	_, err := s.db.Exec(
		`INSERT INTO blocked_addresses(address) VALUES(?) ON CONFLICT(address) DO NOTHING`,
		address,
	)
	return err
}

// LoadBlockedAddresses returns every persisted blocked address, used to warm
// the in-memory cache at startup.
func (s *Store) LoadBlockedAddresses() ([]string, error) {
	rows, err := s.db.Query(`SELECT address FROM blocked_addresses`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// ---------------------------------------------------------------------------
// Resource manifest cache (§4.9)
// ---------------------------------------------------------------------------

// ManifestEntry is one cached resource file record.
type ManifestEntry struct {
	Path string
	Size int64
}

// ReplaceManifest atomically replaces the cached resource manifest.
func (s *Store) ReplaceManifest(entries []ManifestEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM resource_manifest`); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.Exec(
			`INSERT INTO resource_manifest(path, size) VALUES(?, ?)`, e.Path, e.Size,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetManifest returns the cached resource manifest, ordered by path.
func (s *Store) GetManifest() ([]ManifestEntry, error) {
	rows, err := s.db.Query(`SELECT path, size FROM resource_manifest ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ManifestEntry
	for rows.Next() {
		var e ManifestEntry
		if err := rows.Scan(&e.Path, &e.Size); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

// AuditEntry represents one row in the audit_log table.
type AuditEntry struct {
	ID        int64
	Kind      string
	SessionID int
	Name      string
	Detail    string
	CreatedAt int64
}

// maxAuditEntries bounds the audit log; older rows are purged on insert.
const maxAuditEntries = 10000

// InsertAudit records one operator-visible event.
func (s *Store) InsertAudit(kind string, sessionID int, name, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log(kind, session_id, name, detail) VALUES(?,?,?,?)`,
		kind, sessionID, name, detail,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT ?)`, maxAuditEntries)
	return err
}

// GetAuditLog returns audit log entries, most recent first, optionally
// filtered by kind ("" returns every kind).
func (s *Store) GetAuditLog(kind string, limit int) ([]AuditEntry, error) {
	var rows *sql.Rows
	var err error
	if kind != "" {
		rows, err = s.db.Query(
			`SELECT id, kind, session_id, name, detail, created_at FROM audit_log WHERE kind = ? ORDER BY id DESC LIMIT ?`,
			kind, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, kind, session_id, name, detail, created_at FROM audit_log ORDER BY id DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.SessionID, &e.Name, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Backup creates a copy of the database at destPath using SQLite's VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

// Optimize runs PRAGMA optimize for the SQLite query planner.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

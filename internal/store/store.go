// Package store persists the cryptographic state of the messaging
// protocol: pre-keys (EC and Kyber), Double-Ratchet sessions, and
// sender-key distribution bookkeeping. Everything is scoped to one of
// two identity namespaces and keyed so that the namespaces never
// collide.
//
// Store operations take an explicit DBTX. Single statements may run
// directly against the database handle; multi-row operations (batch
// generation plus counter advance, merges, culls) must run inside one
// transaction so they commit together — use Store.WriteTx.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Namespace selects one of the two independent identity contexts a
// device maintains. All tables are keyed by namespace first.
type Namespace int

const (
	// NamespaceACI is the primary identity context.
	NamespaceACI Namespace = iota
	// NamespacePNI is the secondary identity context.
	NamespacePNI
)

func (n Namespace) String() string {
	switch n {
	case NamespaceACI:
		return "aci"
	case NamespacePNI:
		return "pni"
	default:
		return fmt.Sprintf("namespace(%d)", int(n))
	}
}

// DBTX is the statement surface shared by *sql.DB and *sql.Tx.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS pre_key (
	namespace INTEGER NOT NULL,
	id INTEGER NOT NULL,
	record BLOB NOT NULL,
	generated_at INTEGER NOT NULL,
	replaced_at INTEGER,
	PRIMARY KEY (namespace, id)
);
CREATE TABLE IF NOT EXISTS signed_pre_key (
	namespace INTEGER NOT NULL,
	id INTEGER NOT NULL,
	record BLOB NOT NULL,
	generated_at INTEGER NOT NULL,
	replaced_at INTEGER,
	PRIMARY KEY (namespace, id)
);
CREATE TABLE IF NOT EXISTS kyber_pre_key (
	namespace INTEGER NOT NULL,
	id INTEGER NOT NULL,
	record BLOB NOT NULL,
	generated_at INTEGER NOT NULL,
	replaced_at INTEGER,
	is_last_resort INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, id)
);
CREATE TABLE IF NOT EXISTS kyber_pre_key_use (
	namespace INTEGER NOT NULL,
	kyber_id INTEGER NOT NULL,
	signed_pre_key_id INTEGER NOT NULL,
	base_key BLOB NOT NULL,
	used_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, kyber_id, signed_pre_key_id, base_key)
);
CREATE TABLE IF NOT EXISTS session (
	namespace INTEGER NOT NULL,
	recipient_id INTEGER NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (namespace, recipient_id, device_id)
);
CREATE TABLE IF NOT EXISTS recipient_device (
	recipient_id INTEGER NOT NULL,
	device_id INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (recipient_id, device_id)
);
CREATE TABLE IF NOT EXISTS sender_key_distribution (
	namespace INTEGER NOT NULL,
	thread_id TEXT NOT NULL,
	distribution_id BLOB NOT NULL,
	PRIMARY KEY (namespace, thread_id)
);
CREATE TABLE IF NOT EXISTS sender_key (
	namespace INTEGER NOT NULL,
	owner_recipient INTEGER NOT NULL,
	owner_device INTEGER NOT NULL,
	distribution_id BLOB NOT NULL,
	metadata BLOB NOT NULL,
	PRIMARY KEY (namespace, owner_recipient, owner_device, distribution_id)
);
CREATE TABLE IF NOT EXISTS key_counter (
	namespace INTEGER NOT NULL,
	kind TEXT NOT NULL,
	last_id INTEGER NOT NULL,
	PRIMARY KEY (namespace, kind)
);
CREATE TABLE IF NOT EXISTS rotation_state (
	namespace INTEGER NOT NULL,
	kind TEXT NOT NULL,
	last_rotated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, kind)
);
`

// Store wraps the SQLite database holding all protocol state.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// DefaultDataDir returns the default data directory.
// Uses $XDG_DATA_HOME/protostore, falling back to ~/.local/share/protostore.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "protostore")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/protostore/default.db.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL keeps readers unblocked during maintenance writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Handle returns the raw database handle for single-statement reads and
// writes.
func (s *Store) Handle() DBTX { return s.db }

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// WriteTx runs fn inside one write transaction. All multi-row store
// operations must go through here so they commit atomically.
func (s *Store) WriteTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// nextKeyIDs reserves count contiguous key ids for (namespace, kind) and
// advances the stored counter. Must run in the same transaction as the
// write that persists the generated records.
func nextKeyIDs(tx DBTX, ns Namespace, kind string, count int, next func(last uint32, haveLast bool, count int) []uint32) ([]uint32, error) {
	var last uint32
	haveLast := true
	err := tx.QueryRow(
		"SELECT last_id FROM key_counter WHERE namespace = ? AND kind = ?", ns, kind,
	).Scan(&last)
	if err == sql.ErrNoRows {
		haveLast = false
	} else if err != nil {
		return nil, fmt.Errorf("store: load key counter: %w", err)
	}

	ids := next(last, haveLast, count)
	if len(ids) == 0 {
		return nil, fmt.Errorf("store: no ids allocated for %s", kind)
	}
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO key_counter (namespace, kind, last_id) VALUES (?, ?, ?)",
		ns, kind, ids[len(ids)-1],
	)
	if err != nil {
		return nil, fmt.Errorf("store: advance key counter: %w", err)
	}
	return ids, nil
}

// rotationDate reads the last successful rotation time in unix millis
// for (namespace, kind); ok is false when no rotation was recorded.
func rotationDate(tx DBTX, ns Namespace, kind string) (millis int64, ok bool, err error) {
	err = tx.QueryRow(
		"SELECT last_rotated_at FROM rotation_state WHERE namespace = ? AND kind = ?", ns, kind,
	).Scan(&millis)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: load rotation date: %w", err)
	}
	return millis, true, nil
}

func setRotationDate(tx DBTX, ns Namespace, kind string, millis int64) error {
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO rotation_state (namespace, kind, last_rotated_at) VALUES (?, ?, ?)",
		ns, kind, millis,
	)
	if err != nil {
		return fmt.Errorf("store: set rotation date: %w", err)
	}
	return nil
}

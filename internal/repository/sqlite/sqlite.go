// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo (calls C code from Go), which means you need a C compiler
// installed and cross-compilation becomes painful. modernc.org/sqlite is a pure Go
// translation of the SQLite C code, so no C compiler is needed.
//
// CONCURRENCY MODEL:
// SQLite allows one writer at a time. We cap the pool at ONE connection, so
// every statement and every transaction runs strictly one after another.
// That gives us serializable check-then-act sequences (register a handle,
// accept a request, block a user) without any application-level locking.
//
// One consequence: code running inside a transaction must only use the *sql.Tx.
// Calling db.conn from inside withTx would wait for the connection the
// transaction is holding, forever.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/buddychat/internal/apperror"

	// Importing the package registers the "sqlite" driver with database/sql;
	// we also use its *sqlite.Error type to inspect result codes.
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DB wraps a sql.DB connection pool and provides repository methods.
// It implements UserRepository, RelationshipRepository and ConversationRepository.
type DB struct {
	conn *sql.DB
}

// New creates a new SQLite database connection and runs migrations.
//
// dbPath examples:
//   - "data/buddychat.db"  → file-based database (persistent)
//   - ":memory:"           → in-memory database (great for tests, lost on close)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// A single connection also keeps ":memory:" databases alive: every new
	// connection to ":memory:" would otherwise see its own empty database.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable. Used by /healthz.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate runs all database migrations.
//
// CREATE TABLE IF NOT EXISTS is safe to run on every start-up.
//
// Timestamps are stored as INTEGER unix nanoseconds: ordering by them is a
// plain integer comparison and no precision is lost on the round-trip.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			handle          TEXT NOT NULL UNIQUE,
			display_name    TEXT NOT NULL DEFAULT '',
			avatar_ref      TEXT,
			user_code       TEXT NOT NULL UNIQUE,
			credential_hash TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	// One row per unordered pair: pair_key is UNIQUE, so there can never be
	// two live edges (pending or accepted) between the same two users.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS relationships (
			id         TEXT PRIMARY KEY,
			pair_key   TEXT NOT NULL UNIQUE,
			from_id    TEXT NOT NULL REFERENCES users(id),
			to_id      TEXT NOT NULL REFERENCES users(id),
			state      TEXT NOT NULL CHECK (state IN ('pending', 'accepted')),
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_id, state);
		CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_id, state);
	`)
	if err != nil {
		return fmt.Errorf("creating relationships table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS blocks (
			blocker_id TEXT NOT NULL REFERENCES users(id),
			target_id  TEXT NOT NULL REFERENCES users(id),
			created_at INTEGER NOT NULL,
			PRIMARY KEY (blocker_id, target_id)
		);
		CREATE INDEX IF NOT EXISTS idx_blocks_target ON blocks(target_id);
	`)
	if err != nil {
		return fmt.Errorf("creating blocks table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			key           TEXT PRIMARY KEY,
			user_a        TEXT NOT NULL,
			user_b        TEXT NOT NULL,
			lock_hash     TEXT,
			lock_version  INTEGER NOT NULL DEFAULT 0,
			wallpaper_ref TEXT,
			accent_ref    TEXT,
			last_seq      INTEGER NOT NULL DEFAULT 0,
			last_at       INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating conversations table: %w", err)
	}

	// Messages are range-scanned by (conversation_key, seq).
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			conversation_key TEXT NOT NULL REFERENCES conversations(key),
			seq              INTEGER NOT NULL,
			sender_id        TEXT NOT NULL,
			text             TEXT NOT NULL DEFAULT '',
			media_ref        TEXT,
			created_at       INTEGER NOT NULL,
			read_at          INTEGER,
			UNIQUE (conversation_key, seq)
		);
		CREATE TABLE IF NOT EXISTS message_suppressions (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			viewer_id  TEXT NOT NULL,
			PRIMARY KEY (message_id, viewer_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating messages tables: %w", err)
	}

	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return translate("beginning transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate("committing transaction", err)
	}
	return nil
}

// translate wraps a driver error, turning lock contention and cancelled
// contexts into apperror.Transient so callers know a retry is safe.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperror.Transient("the request timed out, please retry", fmt.Errorf("sqlite: %s: %w", op, err))
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return apperror.Transient("the store is busy, please retry", fmt.Errorf("sqlite: %s: %w", op, err))
		}
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure on
// the given column (e.g. "users.handle").
func isUniqueViolation(err error, column string) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE && se.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	return strings.Contains(se.Error(), column)
}

func isNotFound(err error) bool { return errors.Is(err, apperror.ErrNotFound) }

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// placeholders returns "?, ?, ?" with n question marks.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

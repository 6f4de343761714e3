// Package docstore is the authoritative Document Store of the memory bus.
//
// It keeps vault notes in SQLite with an FTS5 index over title, tags and
// content. Every document write also records a bounded revision history so
// concurrent edits can be merged against their common ancestor. The audit
// log and incident journal live in the same database.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HendryAvila/membus/internal/document"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

var (
	// ErrNotFound is returned when no document exists at a path.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrTransient marks failures worth retrying (lock contention, deadlines).
	ErrTransient = errors.New("docstore: transient failure")
)

// ─── Types ───────────────────────────────────────────────────────────────────

// Record is a stored document plus its bookkeeping columns.
type Record struct {
	document.Document
	Vault       string    `json:"vault"`
	ContentHash string    `json:"content_hash"`
	Version     int64     `json:"version"`
	SubmittedAt time.Time `json:"submitted_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PutOptions controls a single Put or Delete.
type PutOptions struct {
	// SubmittedAt is the caller's submission timestamp, kept for
	// last-write-wins comparisons. Zero means now.
	SubmittedAt time.Time
	// BeforeCommit runs inside the transaction after all statements
	// succeeded. A non-nil error rolls the transaction back and is returned
	// unchanged.
	BeforeCommit func() error
}

// Stats holds aggregate store statistics.
type Stats struct {
	Documents int   `json:"documents"`
	Archived  int   `json:"archived"`
	Revisions int   `json:"revisions"`
	AuditRows int   `json:"audit_rows"`
	Incidents int   `json:"incidents"`
	SizeBytes int64 `json:"size_bytes"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds document store configuration.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// Vault namespaces documents; paths are unique within a vault.
	Vault            string
	MaxSearchResults int
	// RevisionLimit is how many past versions are kept per path.
	RevisionLimit int
}

// DefaultConfig returns the default configuration for the document store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Path:             filepath.Join(home, ".membus", "documents.db"),
		Vault:            "default",
		MaxSearchResults: 50,
		RevisionLimit:    16,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the Document Store backed by SQLite + FTS5.
type Store struct {
	db    *sql.DB
	cfg   Config
	hooks storeHooks
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type storeHooks struct {
	exec    func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error)
	query   func(ctx context.Context, db queryer, query string, args ...any) (*sql.Rows, error)
	beginTx func(ctx context.Context, db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func (s *Store) execHook(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(ctx, db, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func (s *Store) queryHook(ctx context.Context, db queryer, query string, args ...any) (*sql.Rows, error) {
	if s.hooks.query != nil {
		return s.hooks.query(ctx, db, query, args...)
	}
	return db.QueryContext(ctx, query, args...)
}

func (s *Store) beginTxHook(ctx context.Context) (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(ctx, s.db)
	}
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// New opens (creating if needed) the SQLite database at cfg.Path with WAL
// mode and runs migrations.
func New(cfg Config) (*Store, error) {
	cfg = withDefaults(cfg)
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("docstore: create data dir: %w", err)
	}

	db, err := openDB("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("docstore: open database: %w", err)
	}

	// SQLite performance pragmas
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("docstore: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: migration: %w", err)
	}
	return s, nil
}

// Wrap builds a Store over an already-open database whose schema is managed
// by the caller. No pragmas or migrations are run.
func Wrap(db *sql.DB, cfg Config) *Store {
	return &Store{db: db, cfg: withDefaults(cfg)}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.Vault == "" {
		cfg.Vault = def.Vault
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = def.MaxSearchResults
	}
	if cfg.RevisionLimit <= 0 {
		cfg.RevisionLimit = def.RevisionLimit
	}
	return cfg
}

// Vault returns the vault this store serves.
func (s *Store) Vault() string { return s.cfg.Vault }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			vault        TEXT    NOT NULL,
			path         TEXT    NOT NULL,
			title        TEXT    NOT NULL DEFAULT '',
			tags         TEXT    NOT NULL DEFAULT '',
			content      TEXT    NOT NULL,
			frontmatter  TEXT    NOT NULL DEFAULT '{}',
			content_hash TEXT    NOT NULL,
			version      INTEGER NOT NULL DEFAULT 1,
			archived     INTEGER NOT NULL DEFAULT 0,
			submitted_at TEXT    NOT NULL,
			created_at   TEXT    NOT NULL,
			updated_at   TEXT    NOT NULL,
			UNIQUE (vault, path)
		);

		CREATE INDEX IF NOT EXISTS idx_doc_updated ON documents(vault, updated_at DESC);

		CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			title,
			tags,
			content,
			content='documents',
			content_rowid='id'
		);

		CREATE TABLE IF NOT EXISTS revisions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			vault        TEXT    NOT NULL,
			path         TEXT    NOT NULL,
			version      INTEGER NOT NULL,
			content_hash TEXT    NOT NULL,
			content      TEXT    NOT NULL,
			frontmatter  TEXT    NOT NULL DEFAULT '{}',
			created_at   TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rev_path ON revisions(vault, path, version DESC);
		CREATE INDEX IF NOT EXISTS idx_rev_hash ON revisions(vault, path, content_hash);

		CREATE TABLE IF NOT EXISTS audit_log (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			vault        TEXT    NOT NULL,
			timestamp    TEXT    NOT NULL,
			operation    TEXT    NOT NULL,
			path         TEXT    NOT NULL,
			agent_id     TEXT    NOT NULL DEFAULT '',
			status       TEXT    NOT NULL,
			latency_ms   REAL    NOT NULL DEFAULT 0,
			write_id     TEXT    NOT NULL DEFAULT '',
			content_hash TEXT    NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(vault, timestamp DESC);

		CREATE TABLE IF NOT EXISTS incidents (
			id          TEXT PRIMARY KEY,
			vault       TEXT NOT NULL,
			kind        TEXT NOT NULL,
			status      TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT,
			detail      TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_incident_started ON incidents(vault, started_at DESC);
	`
	if _, err := s.execHook(ctx, s.db, schema); err != nil {
		return err
	}

	// Create FTS triggers (idempotent)
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='trigger' AND name='doc_fts_insert'",
	).Scan(&name)

	if err == sql.ErrNoRows {
		triggers := `
			CREATE TRIGGER doc_fts_insert AFTER INSERT ON documents BEGIN
				INSERT INTO documents_fts(rowid, title, tags, content)
				VALUES (new.id, new.title, new.tags, new.content);
			END;

			CREATE TRIGGER doc_fts_delete AFTER DELETE ON documents BEGIN
				INSERT INTO documents_fts(documents_fts, rowid, title, tags, content)
				VALUES ('delete', old.id, old.title, old.tags, old.content);
			END;

			CREATE TRIGGER doc_fts_update AFTER UPDATE ON documents BEGIN
				INSERT INTO documents_fts(documents_fts, rowid, title, tags, content)
				VALUES ('delete', old.id, old.title, old.tags, old.content);
				INSERT INTO documents_fts(rowid, title, tags, content)
				VALUES (new.id, new.title, new.tags, new.content);
			END;
		`
		if _, err := s.execHook(ctx, s.db, triggers); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// classify wraps lock contention and deadline errors with ErrTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) && !errors.Is(err, ErrTransient) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

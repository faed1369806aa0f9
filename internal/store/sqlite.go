// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Opens the database, creates the schema and runs column migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLiteStore.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db       *sql.DB
	logger   *slog.Logger
	identity IdentityResolver
	now      func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore, *openOptions)

type openOptions struct {
	driver string
}

// WithDriver selects the database/sql driver name.
func WithDriver(name string) Option {
	return func(_ *SQLiteStore, o *openOptions) {
		if name != "" {
			o.driver = name
		}
	}
}

// WithIdentityResolver sets the resolver used for audit stamps.
func WithIdentityResolver(r IdentityResolver) Option {
	return func(s *SQLiteStore, _ *openOptions) {
		if r != nil {
			s.identity = r
		}
	}
}

// WithLogger replaces the default component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore, _ *openOptions) {
		if logger != nil {
			s.logger = logger.With("component", "store")
		}
	}
}

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore, _ *openOptions) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		logger:   slog.Default().With("component", "store"),
		identity: StaticIdentity("system"),
		now:      time.Now,
	}
	oo := &openOptions{driver: DriverModernc}
	for _, opt := range opts {
		opt(s, oo)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(oo.driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps per-connection pragmas in force and
	// serializes writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s.db = db

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("SQLite store initialized", "path", path, "driver", oo.driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bots (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id    INTEGER NOT NULL DEFAULT 1,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			image_url     TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			safety_prompt TEXT NOT NULL DEFAULT '',
			system_color  TEXT NOT NULL DEFAULT '',
			created_by    TEXT NOT NULL,
			updated_by    TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			version       INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			bot_id         INTEGER NOT NULL,
			title          TEXT NOT NULL,
			can_share      INTEGER NOT NULL DEFAULT 0,
			has_media      INTEGER NOT NULL DEFAULT 0,
			is_archived    INTEGER NOT NULL DEFAULT 0,
			created_by     TEXT NOT NULL,
			updated_by     TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			version        INTEGER NOT NULL DEFAULT 1,
			FOREIGN KEY (bot_id) REFERENCES bots(id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_bot_id ON sessions(bot_id);

		CREATE TABLE IF NOT EXISTS messages (
			id                       INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id               INTEGER NOT NULL,
			user_message             TEXT NOT NULL,
			agent_response           TEXT NOT NULL,
			agent_response_media_url TEXT NOT NULL DEFAULT '',
			model                    TEXT NOT NULL DEFAULT '',
			provider_name            TEXT NOT NULL DEFAULT '',
			input_tokens             INTEGER NOT NULL DEFAULT 0,
			output_tokens            INTEGER NOT NULL DEFAULT 0,
			created_by               TEXT NOT NULL,
			updated_by               TEXT NOT NULL,
			created_at               TEXT NOT NULL,
			updated_at               TEXT NOT NULL,
			version                  INTEGER NOT NULL DEFAULT 1,
			FOREIGN KEY (session_id) REFERENCES sessions(id),
			CHECK (input_tokens >= 0 AND output_tokens >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, id);

		CREATE TABLE IF NOT EXISTS media_attachments (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id         INTEGER NOT NULL,
			media_url          TEXT NOT NULL,
			name               TEXT NOT NULL DEFAULT '',
			content_type       TEXT NOT NULL DEFAULT '',
			content_hash       TEXT NOT NULL DEFAULT '',
			provider_name      TEXT NOT NULL,
			provider_file_name TEXT NOT NULL DEFAULT '',
			created_by         TEXT NOT NULL,
			updated_by         TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			version            INTEGER NOT NULL DEFAULT 1,
			FOREIGN KEY (message_id) REFERENCES messages(id)
		);

		CREATE INDEX IF NOT EXISTS idx_media_message_id ON media_attachments(message_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the initial schema.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "sessions",
			column: "chat_reference",
			apply:  `ALTER TABLE sessions ADD COLUMN chat_reference TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "media_attachments",
			column: "file_name",
			apply:  `ALTER TABLE media_attachments ADD COLUMN file_name TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn inside a transaction, rolling back on any error.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}

// scanAudit parses the audit timestamp strings into a.
func scanAudit(a *Audit, createdAt, updatedAt string) error {
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return err
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

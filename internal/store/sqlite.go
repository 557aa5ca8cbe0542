// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and holds shared scan helpers

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: transactions are serialized and PRAGMAs stick.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS customers (
			address     TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			is_customer INTEGER,
			tax_id      TEXT NOT NULL DEFAULT '',
			step        TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (step IN ('FIRST_INTERACTION', 'ASK_NAME', 'ASK_IF_CUSTOMER', 'ASK_TAX_ID', 'REGISTERED'))
		);

		CREATE TABLE IF NOT EXISTS attendant_bindings (
			id            TEXT PRIMARY KEY,
			presence_id   TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			reply_address TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attendant_bindings_presence ON attendant_bindings(presence_id);

		CREATE TABLE IF NOT EXISTS services (
			id                    TEXT PRIMARY KEY,
			customer_address      TEXT NOT NULL REFERENCES customers(address),
			first_message         TEXT NOT NULL,
			attendant_id          TEXT,
			attendant_name        TEXT,
			attendant_presence_id TEXT,
			routing_group         TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL,
			started_at            TEXT,
			finished_at           TEXT,
			sla_minutes           INTEGER,
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL,

			CHECK (status IN ('SEARCHING_ATTENDANT', 'IN_QUEUE', 'RUNNING', 'FINISHED'))
		);

		CREATE INDEX IF NOT EXISTS idx_services_status ON services(status, created_at);

		-- At most one open service per customer
		CREATE UNIQUE INDEX IF NOT EXISTS idx_services_open_customer
			ON services(customer_address) WHERE status != 'FINISHED';

		-- At most one running service per attendant
		CREATE UNIQUE INDEX IF NOT EXISTS idx_services_running_attendant
			ON services(attendant_id) WHERE status = 'RUNNING';

		CREATE TABLE IF NOT EXISTS service_assignments (
			id                    TEXT PRIMARY KEY,
			service_id            TEXT NOT NULL REFERENCES services(id),
			round                 INTEGER NOT NULL,
			attendant_id          TEXT NOT NULL,
			attendant_name        TEXT NOT NULL DEFAULT '',
			attendant_presence_id TEXT NOT NULL DEFAULT '',
			routing_group         TEXT NOT NULL DEFAULT '',
			is_current            INTEGER NOT NULL,
			created_at            TEXT NOT NULL,

			UNIQUE(service_id, round)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_service_assignments_current
			ON service_assignments(service_id) WHERE is_current = 1;

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			service_id       TEXT NOT NULL REFERENCES services(id),
			sender           TEXT NOT NULL,
			text             TEXT NOT NULL,
			attachments_json TEXT,
			customer_address TEXT NOT NULL,
			attendant_id     TEXT,
			attendant_name   TEXT,
			created_at       TEXT NOT NULL,

			CHECK (sender IN ('customer', 'attendant'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_service ON messages(service_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

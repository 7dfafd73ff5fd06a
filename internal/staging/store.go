package staging

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/idmigrate/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - passwords / otp_secrets keyed by auth0_id
// 1 - key column renamed to subject_id, ingest_log added
const currentSchemaVersion = 1

// DefaultPath is the staging file used when the caller does not pick one.
const DefaultPath = "migrate-auth0-users.temp.db"

// Kind identifies a class of staged credential.
type Kind string

const (
	KindPassword  Kind = "password"
	KindMFASecret Kind = "mfa_secret"
)

// Valid reports whether k is a known credential kind.
func (k Kind) Valid() bool {
	_, ok := tables[k]
	return ok
}

// table binds a Kind to its storage. Names are constants, never user input.
type table struct {
	name   string
	column string
}

var tables = map[Kind]table{
	KindPassword:  {name: "passwords", column: "password_hash"},
	KindMFASecret: {name: "otp_secrets", column: "otp_secret"},
}

// Store is the staging lookup store.
type Store struct {
	db        *sql.DB
	path      string
	validator *schema.Validator
}

// Open creates or opens the staging database at path.
// Applies pragmas and migrations; safe to call on an existing file.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open staging store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect staging store %s: %w", path, err)
	}

	// One connection: ingestion is sequential and lookups are point reads.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path, validator: validator}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection. Calling it more than once is safe.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Remove deletes a staging file along with its WAL side files.
// Missing files are not an error.
func Remove(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the staged value of kind for subjectID.
// ok is false when nothing was staged; that is not an error.
func (s *Store) Lookup(ctx context.Context, subjectID string, kind Kind) (value string, ok bool, err error) {
	t, known := tables[kind]
	if !known {
		return "", false, fmt.Errorf("lookup: unknown credential kind %q", kind)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE subject_id = ?", t.column, t.name)
	err = s.db.QueryRowContext(ctx, query, subjectID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %s for %s: %w", kind, subjectID, err)
	}
	return value, true, nil
}

// Count returns the number of staged values of kind.
func (s *Store) Count(ctx context.Context, kind Kind) (int64, error) {
	t, known := tables[kind]
	if !known {
		return 0, fmt.Errorf("count: unknown credential kind %q", kind)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
// Staging files kept with --cleanup-temp-db=false by older builds start at 0.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 renames the legacy auth0_id key column and adds the ingest
// log. otp_secrets itself comes from schema.sql's CREATE TABLE IF NOT EXISTS.
func migrateToV1(db *sql.DB) error {
	for _, t := range tables {
		var legacy int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = 'auth0_id'", t.name,
		).Scan(&legacy)
		if err != nil {
			return fmt.Errorf("migrate to v1: inspect %s: %w", t.name, err)
		}
		if legacy == 0 {
			continue
		}
		if _, err := db.Exec("ALTER TABLE " + t.name + " RENAME COLUMN auth0_id TO subject_id"); err != nil {
			return fmt.Errorf("migrate to v1: rename key on %s: %w", t.name, err)
		}
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ingest_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			source_path TEXT NOT NULL,
			kind        TEXT NOT NULL,
			inserted    INTEGER NOT NULL,
			duplicates  INTEGER NOT NULL,
			skipped     INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

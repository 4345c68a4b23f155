package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	sqlite3 "github.com/mattn/go-sqlite3"
	msqlite "modernc.org/sqlite"

	"github.com/roach88/peersync/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added deserialization_error to records
const currentSchemaVersion = 1

// Drivers accepted by WithDriver.
const (
	// DriverCGO is the mattn/go-sqlite3 driver.
	DriverCGO = "sqlite3"

	// DriverPureGo is the modernc.org/sqlite driver.
	DriverPureGo = "sqlite"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the durable state of one instance: records and their counter
// histories, certificates, sessions and transfer buffers.
// Uses SQLite with WAL mode for concurrent read access.
//
// A Store handed to a WithTx callback runs every method inside that
// transaction.
type Store struct {
	db     *sql.DB
	q      queryer
	inTx   bool
	certs  *lru.Cache
	logger *slog.Logger
}

type options struct {
	driver        string
	certCacheSize int
	logger        *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithDriver selects the SQLite driver: DriverCGO (default) or DriverPureGo.
func WithDriver(name string) Option {
	return func(o *options) { o.driver = name }
}

// WithCertificateCacheSize bounds the in-memory certificate cache.
func WithCertificateCacheSize(n int) Option {
	return func(o *options) { o.certCacheSize = n }
}

// WithLogger sets the logger used for migrations and retries.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//   - IMMEDIATE transactions, so writers serialize at BEGIN
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{driver: DriverCGO, certCacheSize: 256, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	dsn, err := dataSourceName(o.driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(o.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// This also makes counter increments linearizable within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db, o.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	cache, err := lru.New(o.certCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create certificate cache: %w", err)
	}

	return &Store{db: db, q: db, certs: cache, logger: o.logger}, nil
}

// dataSourceName builds a DSN both drivers understand.
func dataSourceName(driver, path string) (string, error) {
	if driver != DriverCGO && driver != DriverPureGo {
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	return "file:" + path + "?_txlock=immediate", nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil || s.inTx {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside one transaction and commits if fn returns nil.
// Calls nest: a Store already inside a transaction runs fn directly.
//
// SQLITE_BUSY and SQLITE_LOCKED failures are reported as
// TX_ISOLATION_CONFLICT so callers can retry them.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	txStore := &Store{db: s.db, q: tx, inTx: true, certs: s.certs, logger: s.logger}
	if err := fn(txStore); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify wraps lock contention errors from either driver as isolation
// conflicts. Other errors pass through unchanged.
func classify(err error) error {
	if err == nil || ir.CodeOf(err) != "" {
		return err
	}
	if isBusy(err) {
		return ir.WrapError(ir.ErrCodeTxIsolationConflict, err, "database is busy")
	}
	return err
}

func isBusy(err error) bool {
	var me sqlite3.Error
	if errors.As(err, &me) {
		return me.Code == sqlite3.ErrBusy || me.Code == sqlite3.ErrLocked
	}
	var pe *msqlite.Error
	if errors.As(err, &pe) {
		// Primary result code lives in the low byte.
		code := pe.Code() & 0xff
		return code == 5 || code == 6
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		logger.Debug("applied store migration", "version", 1)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds records.deserialization_error for databases created
// before it was part of schema.sql.
func migrateToV1(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('records') WHERE name = 'deserialization_error'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE records ADD COLUMN deserialization_error TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

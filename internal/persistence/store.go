// Package persistence is the durable state store for the Grace control plane:
// the audit event trail, the emergency delegation ledger, periodic kernel
// status snapshots and maintenance schedules. It is a secondary record; the
// control plane's in-memory state stays authoritative.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "grace-v1-control-plane"

	// v2 adds kernel_status.generation and schedules.job.
	schemaVersionV2  = 2
	schemaChecksumV2 = "grace-v2-generation-jobs"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// Store wraps the sqlite database.
type Store struct {
	db    *sql.DB
	epoch string // distinguishes event sequences across process restarts
}

// DefaultDBPath is ~/.grace/grace.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".grace", "grace.db")
}

// Open opens (or creates) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, epoch: uuid.NewString()}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Epoch identifies this process's event sequence.
func (s *Store) Epoch() string {
	return s.epoch
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, on top of the
// driver's busy_timeout. maxRetries extra attempts are made at most.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyDelay(attempt)):
		}
	}
}

// busyDelay doubles from 50ms up to 500ms and keeps the result within
// [3/4, 5/4) of that step.
func busyDelay(attempt int) time.Duration {
	const base, ceiling = 50 * time.Millisecond, 500 * time.Millisecond
	step := ceiling
	if attempt < 4 {
		step = min(base<<uint(attempt), ceiling)
	}
	return step - step/4 + time.Duration(rand.Int64N(int64(step/2)))
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	known := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion > 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != known[maxVersion] {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, known[maxVersion])
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER NOT NULL,
			boot_epoch TEXT NOT NULL,
			kind TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			result TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (boot_epoch, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS delegations (
			id TEXT PRIMARY KEY,
			agents TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			granted_by TEXT NOT NULL,
			granted_at DATETIME NOT NULL,
			revoked_at DATETIME,
			revoke_reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS kernel_status (
			name TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			state TEXT NOT NULL,
			restart_count INTEGER NOT NULL DEFAULT 0,
			last_heartbeat DATETIME,
			critical INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS kernel_status_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			restart_count INTEGER NOT NULL DEFAULT 0,
			recorded_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			cron_expr TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// v1 -> v2 column additions. Fresh databases take these too since the
	// v1 table definitions above omit them.
	alters := []struct{ table, column, ddl string }{
		{"kernel_status", "generation", `ALTER TABLE kernel_status ADD COLUMN generation INTEGER NOT NULL DEFAULT 0;`},
		{"schedules", "job", `ALTER TABLE schedules ADD COLUMN job TEXT NOT NULL DEFAULT '';`},
	}
	for _, a := range alters {
		has, err := columnExistsTx(ctx, tx, a.table, a.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := tx.ExecContext(ctx, a.ddl); err != nil {
			return fmt.Errorf("add %s.%s: %w", a.table, a.column, err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_delegations_active ON delegations(revoked_at);`,
		`CREATE INDEX IF NOT EXISTS idx_status_history_recorded ON kernel_status_history(recorded_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	for v := maxVersion + 1; v <= schemaVersionLatest; v++ {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, v, known[v]); err != nil {
			return fmt.Errorf("record schema migration %d: %w", v, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func columnExistsTx(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

// KVSet stores a small control-plane value (last boot id, config fingerprint).
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("kv_get: %w", err)
	}
	return val, nil
}

// Backup creates an online-consistent copy of the database via VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

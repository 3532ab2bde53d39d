package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"fencesync/internal/clock"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial fence_entries table
// 1 - index on fence_entries.updated_at for age queries
const currentSchemaVersion = 1

// SQLiteProvider keeps every namespace in one SQLite file.
// Params: database handle configured for a single writer.
// Returns: provider whose writes are fsynced before Put returns.
type SQLiteProvider struct {
	db    *sql.DB
	clock clock.Clock
}

// OpenSQLite creates or opens database at path and applies pragmas and migrations.
// Params: database path and optional clock for updated_at stamps.
// Returns: provider or open error.
func OpenSQLite(path string, clk clock.Clock) (*SQLiteProvider, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %q: %w", path, err)
	}

	// SQLite allows one writer at a time.
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
	return &SQLiteProvider{db: db, clock: clk}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_fence_entries_updated ON fence_entries(namespace, updated_at)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Open returns KV bound to namespace rows.
// Params: context and namespace.
// Returns: namespace KV (no I/O on open).
func (p *SQLiteProvider) Open(_ context.Context, namespace string) (KV, error) {
	if p.db == nil {
		return nil, errors.New("sqlite provider is closed")
	}
	return &sqliteKV{provider: p, namespace: namespace}, nil
}

// Close closes database handle.
func (p *SQLiteProvider) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

type sqliteKV struct {
	provider  *SQLiteProvider
	namespace string
}

func (kv *sqliteKV) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := kv.provider.db.ExecContext(ctx, `
		INSERT INTO fence_entries (namespace, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, kv.namespace, key, value, kv.provider.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

func (kv *sqliteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := kv.provider.db.QueryRowContext(ctx,
		`SELECT body FROM fence_entries WHERE namespace = ? AND id = ?`,
		kv.namespace, key,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select entry: %w", err)
	}
	if body == nil {
		body = []byte{}
	}
	return body, nil
}

func (kv *sqliteKV) Delete(ctx context.Context, key string) error {
	if _, err := kv.provider.db.ExecContext(ctx,
		`DELETE FROM fence_entries WHERE namespace = ? AND id = ?`,
		kv.namespace, key,
	); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (kv *sqliteKV) Keys(ctx context.Context) ([]string, error) {
	rows, err := kv.provider.db.QueryContext(ctx,
		`SELECT id FROM fence_entries WHERE namespace = ? ORDER BY id`,
		kv.namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entry id: %w", err)
		}
		keys = append(keys, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return keys, nil
}

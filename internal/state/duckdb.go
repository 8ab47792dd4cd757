package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/tinytelemetry/mtd/internal/state/migrate"
)

// DuckDBBackend keeps the latest values in a single-table DuckDB database.
type DuckDBBackend struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// OpenDuckDB opens or creates the database at path and applies migrations.
func OpenDuckDB(path string) (*DuckDBBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("state: create dir: %w", err)
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("state: open duckdb: %w", err)
	}
	if err := migrate.NewRunner(db).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: migrate: %w", err)
	}
	return &DuckDBBackend{db: db, path: path}, nil
}

func (b *DuckDBBackend) Path() string { return b.path }

func (b *DuckDBBackend) Load() (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query("SELECT key, num, str FROM metrics")
	if err != nil {
		return nil, fmt.Errorf("%w: query metrics: %v", ErrCorruptSnapshot, err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var (
			key string
			num sql.NullFloat64
			str sql.NullString
		)
		if err := rows.Scan(&key, &num, &str); err != nil {
			return nil, fmt.Errorf("%w: scan metrics: %v", ErrCorruptSnapshot, err)
		}
		switch {
		case num.Valid:
			out[key] = num.Float64
		case str.Valid:
			out[key] = str.String
		default:
			return nil, fmt.Errorf("%w: key %q has no value", ErrCorruptSnapshot, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: read metrics: %w", err)
	}
	return out, nil
}

// Save replaces every row in one transaction.
func (b *DuckDBBackend) Save(values map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("state: begin: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM metrics"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("state: clear metrics: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO metrics (key, num, str) VALUES (?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("state: prepare insert: %w", err)
	}
	for k, v := range values {
		var num, str any
		switch tv := v.(type) {
		case float64:
			num = tv
		case string:
			str = tv
		default:
			stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("state: key %q: unsupported value %T", k, v)
		}
		if _, err := stmt.Exec(k, num, str); err != nil {
			stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("state: insert %q: %w", k, err)
		}
	}
	stmt.Close()
	if _, err := tx.Exec("INSERT OR REPLACE INTO snapshot_meta (id, saved_at, key_count) VALUES (1, ?, ?)",
		time.Now().UTC(), len(values)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("state: record snapshot meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// SnapshotTo checkpoints the WAL and copies the database file to dst.
func (b *DuckDBBackend) SnapshotTo(dst string) error {
	b.mu.Lock()
	if _, err := b.db.Exec("CHECKPOINT"); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("state: checkpoint: %w", err)
	}
	b.mu.Unlock()

	if err := copyFile(b.path, dst); err != nil {
		return fmt.Errorf("state: copy duckdb file: %w", err)
	}
	return nil
}

// SavedAt returns the time of the last committed Save.
func (b *DuckDBBackend) SavedAt() (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ts time.Time
	err := b.db.QueryRow("SELECT saved_at FROM snapshot_meta WHERE id = 1").Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("state: read snapshot meta: %w", err)
	}
	return ts, nil
}

func (b *DuckDBBackend) Close() error {
	return b.db.Close()
}

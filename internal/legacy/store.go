// Package legacy persists the client-only operation pointers this tool
// kept before the server grew a durable operation-state store. It exists
// so startup migration can sweep old state into the durable store; new
// state is never written here.
package legacy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Store is a small keyed JSON store on embedded SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	getStmt    *sql.Stmt
	setStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	keysStmt   *sql.Stmt
}

// Open opens (or creates) the legacy state database at dbPath and applies
// migrations. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("legacy: open sqlite: %w", err)
	}

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("legacy: set WAL mode: %w", err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("legacy: prepare statements: %w", err)
	}

	logger.Debug("legacy state database ready", slog.String("path", dbPath))

	return s, nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error

	if s.getStmt, err = s.db.PrepareContext(ctx, "SELECT payload FROM legacy_state WHERE key = ?"); err != nil {
		return err
	}

	if s.setStmt, err = s.db.PrepareContext(ctx,
		"INSERT INTO legacy_state (key, payload) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET payload = excluded.payload"); err != nil {
		return err
	}

	if s.deleteStmt, err = s.db.PrepareContext(ctx, "DELETE FROM legacy_state WHERE key = ?"); err != nil {
		return err
	}

	s.keysStmt, err = s.db.PrepareContext(ctx, "SELECT key FROM legacy_state ORDER BY key")

	return err
}

// Load returns the payload stored under key, or ok=false when absent.
func (s *Store) Load(ctx context.Context, key string) (map[string]any, bool, error) {
	var raw string

	err := s.getStmt.QueryRowContext(ctx, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("legacy: loading %q: %w", key, err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false, fmt.Errorf("legacy: decoding %q: %w", key, err)
	}

	return payload, true, nil
}

// Save writes a payload under key, overwriting any existing one. Only
// tests and the migration tooling seed this store.
func (s *Store) Save(ctx context.Context, key string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("legacy: encoding %q: %w", key, err)
	}

	if _, err := s.setStmt.ExecContext(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("legacy: saving %q: %w", key, err)
	}

	return nil
}

// Delete removes key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("legacy: deleting %q: %w", key, err)
	}

	return nil
}

// Keys lists every key still present, for diagnostics.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.keysStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("legacy: listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("legacy: scanning key: %w", err)
		}

		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("legacy: iterating keys: %w", err)
	}

	return keys, nil
}

// Close releases the prepared statements and the database handle.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.getStmt, s.setStmt, s.deleteStmt, s.keysStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}

	return s.db.Close()
}

package kv

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore is the network-backed implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed key-value store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the kv tables if they don't exist. Production deployments
// run cmd/migrate instead; this covers ad-hoc environments.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv_entries (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS kv_list_entries (
			id         BIGSERIAL PRIMARY KEY,
			key        TEXT NOT NULL,
			value      BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_kv_list_entries_key
			ON kv_list_entries (key, id DESC);

		CREATE TABLE IF NOT EXISTS kv_map_entries (
			key   TEXT NOT NULL,
			field TEXT NOT NULL,
			value BYTEA NOT NULL,
			PRIMARY KEY (key, field)
		);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM kv_entries WHERE key = $1
	`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		// Expired entries read as absent. Deleted opportunistically.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1 AND expires_at < NOW()`, key)
		return nil, false, nil
	}

	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ListAppend(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_list_entries (key, value) VALUES ($1, $2)
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to append to %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ListRange(ctx context.Context, key string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM kv_list_entries WHERE key = $1 ORDER BY id DESC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to range %q: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([][]byte, 0)
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan list entry: %w", err)
		}
		result = append(result, value)
	}
	return result, rows.Err()
}

func (s *PostgresStore) MapSet(ctx context.Context, key, field string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_map_entries (key, field, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (key, field) DO UPDATE SET value = $3
	`, key, field, value)
	if err != nil {
		return fmt.Errorf("failed to set map field %q.%q: %w", key, field, err)
	}
	return nil
}

func (s *PostgresStore) MapGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value FROM kv_map_entries WHERE key = $1
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get map %q: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("failed to scan map entry: %w", err)
		}
		result[field] = value
	}
	return result, rows.Err()
}

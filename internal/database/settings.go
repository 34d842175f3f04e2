package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Settings is a small key-value table for state the daemon owns, such as
// the keystore salt.
type Settings struct {
	db *DB
}

func NewSettings(db *DB) *Settings {
	return &Settings{db: db}
}

// Get returns the value under key and whether it exists.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading setting %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Settings) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing setting %q: %w", key, err)
	}
	return nil
}

// SetDefault stores value unless key already has one and returns the value
// that ends up stored. Concurrent callers all see the first writer's value.
func (s *Settings) SetDefault(ctx context.Context, key, value string) (string, error) {
	var stored string
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
			key, value,
		); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&stored)
	})
	if err != nil {
		return "", fmt.Errorf("defaulting setting %q: %w", key, err)
	}
	return stored, nil
}

package database

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/flowpbx/flowiax/internal/iax"
)

// keystoreSaltKey is the settings entry holding the key derivation salt.
const keystoreSaltKey = "keystore.salt"

// Keystore holds secrets sealed with a key derived from a passphrase.
// Users and peers reference them as keystore:<name>.
type Keystore struct {
	db  *DB
	enc *Encryptor
}

// OpenKeystore derives the keystore key from passphrase. The salt is made
// on first use and kept in settings, so the same passphrase opens the
// same store across restarts.
func OpenKeystore(ctx context.Context, db *DB, settings *Settings, passphrase string) (*Keystore, error) {
	if passphrase == "" {
		return nil, errors.New("keystore passphrase is empty")
	}
	fresh, err := NewSalt()
	if err != nil {
		return nil, err
	}
	encoded, err := settings.SetDefault(ctx, keystoreSaltKey, base64.StdEncoding.EncodeToString(fresh))
	if err != nil {
		return nil, fmt.Errorf("loading keystore salt: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding keystore salt: %w", err)
	}
	enc, err := NewEncryptor(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	return &Keystore{db: db, enc: enc}, nil
}

// Put stores secret under name.
func (k *Keystore) Put(ctx context.Context, name, secret string) error {
	sealed, err := k.enc.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("sealing secret %q: %w", name, err)
	}
	_, err = k.db.ExecContext(ctx,
		`INSERT INTO secrets (name, sealed, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(name) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		name, sealed,
	)
	if err != nil {
		return fmt.Errorf("storing secret %q: %w", name, err)
	}
	return nil
}

// ResolveSecret returns the secret stored under name. Unknown names yield
// iax.ErrNotFound.
func (k *Keystore) ResolveSecret(ctx context.Context, name string) (string, error) {
	var sealed string
	err := k.db.QueryRowContext(ctx, `SELECT sealed FROM secrets WHERE name = ?`, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("secret %q: %w", name, iax.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("querying secret %q: %w", name, err)
	}
	plain, err := k.enc.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", name, err)
	}
	return plain, nil
}

// Delete removes the secret stored under name.
func (k *Keystore) Delete(ctx context.Context, name string) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting secret %q: %w", name, err)
	}
	return nil
}

// Names lists the stored secret names.
func (k *Keystore) Names(ctx context.Context) ([]string, error) {
	rows, err := k.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying secrets: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning secret row: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

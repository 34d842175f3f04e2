package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/flowiax/internal/database/models"
)

// ErrInvalidCredentials is returned for an unknown admin or a wrong
// password; callers cannot tell which.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Admins stores the accounts allowed to use the operational API.
type Admins struct {
	db  *DB
	now func() time.Time
}

func NewAdmins(db *DB) *Admins {
	return &Admins{db: db, now: time.Now}
}

// Create adds an admin with the given password.
func (a *Admins) Create(ctx context.Context, username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing admin password: %w", err)
	}
	if _, err := a.db.ExecContext(ctx,
		`INSERT INTO admin_users (username, password_hash) VALUES (?, ?)`,
		username, hash,
	); err != nil {
		return fmt.Errorf("inserting admin %q: %w", username, err)
	}
	return nil
}

// SetPassword replaces an existing admin's password.
func (a *Admins) SetPassword(ctx context.Context, username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing admin password: %w", err)
	}
	res, err := a.db.ExecContext(ctx,
		`UPDATE admin_users SET password_hash = ? WHERE username = ?`, hash, username)
	if err != nil {
		return fmt.Errorf("updating admin %q: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("admin %q: %w", username, sql.ErrNoRows)
	}
	return nil
}

// Count returns the number of admins.
func (a *Admins) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return n, nil
}

// Authenticate checks a login and records its time.
func (a *Admins) Authenticate(ctx context.Context, username, password string) (*models.AdminUser, error) {
	var (
		u         models.AdminUser
		lastLogin sql.NullTime
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, last_login_at, created_at
		 FROM admin_users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &lastLogin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("looking up admin %q: %w", username, err)
	}
	ok, err := CheckPassword(password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("admin %q: %w", username, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	now := a.now().UTC()
	if _, err := a.db.ExecContext(ctx,
		`UPDATE admin_users SET last_login_at = ? WHERE id = ?`, now, u.ID); err != nil {
		return nil, fmt.Errorf("recording login for %q: %w", username, err)
	}
	return &u, nil
}

// EnsureAdmin creates username with password when there are no admins yet
// and a password is configured. It reports whether an admin was created.
func (a *Admins) EnsureAdmin(ctx context.Context, username, password string) (bool, error) {
	n, err := a.Count(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 || password == "" {
		return false, nil
	}
	if err := a.Create(ctx, username, password); err != nil {
		return false, err
	}
	return true, nil
}

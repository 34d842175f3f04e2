package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/flowiax/internal/database/models"
)

const userColumns = `id, name, position, secret, inkeys, auth_methods, acl, contexts,
	codecs, codec_prefs, codec_policy, encryption, force_encryption, trunk, max_auth_req,
	caller_num, caller_name, language, created_at, updated_at`

// userRepo implements UserRepository.
type userRepo struct {
	db *DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *DB) UserRepository {
	return &userRepo{db: db}
}

func scanUser(row interface{ Scan(...any) error }, u *models.User) error {
	return row.Scan(&u.ID, &u.Name, &u.Position, &u.Secret, &u.InKeys, &u.AuthMethods,
		&u.ACL, &u.Contexts, &u.Codecs, &u.CodecPrefs, &u.CodecPolicy, &u.Encryption,
		&u.ForceEncryption, &u.Trunk, &u.MaxAuthReq, &u.CallerNum, &u.CallerName,
		&u.Language, &u.CreatedAt, &u.UpdatedAt)
}

// Create inserts a new user.
func (r *userRepo) Create(ctx context.Context, u *models.User) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO users (name, position, secret, inkeys, auth_methods, acl, contexts,
		 codecs, codec_prefs, codec_policy, encryption, force_encryption, trunk, max_auth_req,
		 caller_num, caller_name, language)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Name, u.Position, u.Secret, u.InKeys, u.AuthMethods, u.ACL, u.Contexts,
		u.Codecs, u.CodecPrefs, u.CodecPolicy, u.Encryption, u.ForceEncryption, u.Trunk,
		u.MaxAuthReq, u.CallerNum, u.CallerName, u.Language,
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	u.ID = id
	return nil
}

// GetByName returns a user by name, or nil if there is none.
func (r *userRepo) GetByName(ctx context.Context, name string) (*models.User, error) {
	var u models.User
	err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE name = ?`, name), &u)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by name: %w", err)
	}
	return &u, nil
}

// List returns all users in configured order.
func (r *userRepo) List(ctx context.Context) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Update modifies an existing user.
func (r *userRepo) Update(ctx context.Context, u *models.User) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET name = ?, position = ?, secret = ?, inkeys = ?, auth_methods = ?,
		 acl = ?, contexts = ?, codecs = ?, codec_prefs = ?, codec_policy = ?, encryption = ?,
		 force_encryption = ?, trunk = ?, max_auth_req = ?, caller_num = ?, caller_name = ?,
		 language = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		u.Name, u.Position, u.Secret, u.InKeys, u.AuthMethods, u.ACL, u.Contexts,
		u.Codecs, u.CodecPrefs, u.CodecPolicy, u.Encryption, u.ForceEncryption, u.Trunk,
		u.MaxAuthReq, u.CallerNum, u.CallerName, u.Language, u.ID,
	)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return nil
}

// Delete removes a user by ID.
func (r *userRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return nil
}

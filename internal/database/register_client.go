package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/flowiax/internal/database/models"
)

// registerClientRepo implements RegisterClientRepository.
type registerClientRepo struct {
	db *DB
}

// NewRegisterClientRepository creates a new RegisterClientRepository.
func NewRegisterClientRepository(db *DB) RegisterClientRepository {
	return &registerClientRepo{db: db}
}

// Create inserts a new outbound registration.
func (r *registerClientRepo) Create(ctx context.Context, rc *models.RegisterClient) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO register_clients (name, host, username, secret, outkey, refresh, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rc.Name, rc.Host, rc.Username, rc.Secret, rc.OutKey, rc.Refresh, rc.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting register client: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rc.ID = id
	return nil
}

// List returns all outbound registrations.
func (r *registerClientRepo) List(ctx context.Context) ([]models.RegisterClient, error) {
	return r.query(ctx, `SELECT id, name, host, username, secret, outkey, refresh, enabled,
		created_at, updated_at FROM register_clients ORDER BY name`)
}

// ListEnabled returns the outbound registrations that should be kept alive.
func (r *registerClientRepo) ListEnabled(ctx context.Context) ([]models.RegisterClient, error) {
	return r.query(ctx, `SELECT id, name, host, username, secret, outkey, refresh, enabled,
		created_at, updated_at FROM register_clients WHERE enabled = 1 ORDER BY name`)
}

func (r *registerClientRepo) query(ctx context.Context, q string) ([]models.RegisterClient, error) {
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying register clients: %w", err)
	}
	defer rows.Close()

	var out []models.RegisterClient
	for rows.Next() {
		var rc models.RegisterClient
		if err := rows.Scan(&rc.ID, &rc.Name, &rc.Host, &rc.Username, &rc.Secret, &rc.OutKey,
			&rc.Refresh, &rc.Enabled, &rc.CreatedAt, &rc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning register client row: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Delete removes an outbound registration by ID.
func (r *registerClientRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM register_clients WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting register client: %w", err)
	}
	return nil
}

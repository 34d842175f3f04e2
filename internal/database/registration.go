package database

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/flowpbx/flowiax/internal/database/models"
)

// registrationRepo implements RegistrationRepository.
type registrationRepo struct {
	db *DB
}

// NewRegistrationRepository creates a new RegistrationRepository.
func NewRegistrationRepository(db *DB) RegistrationRepository {
	return &registrationRepo{db: db}
}

// SaveRegistration records where peer is registered until expires,
// replacing any earlier registration of the peer.
func (r *registrationRepo) SaveRegistration(ctx context.Context, peer string, addr netip.AddrPort, expires time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO registrations (peer, addr, expires_at, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(peer) DO UPDATE SET addr = excluded.addr,
		 expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		peer, addr.String(), expires.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving registration of %s: %w", peer, err)
	}
	return nil
}

// DeleteRegistration removes the registration of peer.
func (r *registrationRepo) DeleteRegistration(ctx context.Context, peer string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM registrations WHERE peer = ?`, peer); err != nil {
		return fmt.Errorf("deleting registration of %s: %w", peer, err)
	}
	return nil
}

// List returns every stored registration.
func (r *registrationRepo) List(ctx context.Context) ([]models.Registration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT peer, addr, expires_at, updated_at FROM registrations ORDER BY peer`)
	if err != nil {
		return nil, fmt.Errorf("querying registrations: %w", err)
	}
	defer rows.Close()

	var regs []models.Registration
	for rows.Next() {
		var reg models.Registration
		if err := rows.Scan(&reg.Peer, &reg.Addr, &reg.ExpiresAt, &reg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning registration row: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// DeleteExpired removes registrations that expired before now and returns
// the number of rows deleted.
func (r *registrationRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM registrations WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired registrations: %w", err)
	}
	return result.RowsAffected()
}

// PurgeExpired deletes expired registrations every interval until ctx is
// done. Dynamic peers that stop refreshing would otherwise be restored on
// the next start only to expire again.
func PurgeExpired(ctx context.Context, repo RegistrationRepository, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := repo.DeleteExpired(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("registration purge failed", "error", err)
				}
				continue
			}
			if n > 0 {
				logger.Info("purged expired registrations", "count", n)
			}
		}
	}
}

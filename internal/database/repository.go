package database

import (
	"context"
	"net/netip"
	"time"

	"github.com/flowpbx/flowiax/internal/database/models"
)

// UserRepository manages the users allowed to call in.
type UserRepository interface {
	Create(ctx context.Context, u *models.User) error
	GetByName(ctx context.Context, name string) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
	Update(ctx context.Context, u *models.User) error
	Delete(ctx context.Context, id int64) error
}

// PeerRepository manages peers.
type PeerRepository interface {
	Create(ctx context.Context, p *models.Peer) error
	GetByName(ctx context.Context, name string) (*models.Peer, error)
	List(ctx context.Context) ([]models.Peer, error)
	Update(ctx context.Context, p *models.Peer) error
	Delete(ctx context.Context, id int64) error
}

// RegistrationRepository persists dynamic peer registrations. It satisfies
// iax.RegistrationStore.
type RegistrationRepository interface {
	SaveRegistration(ctx context.Context, peer string, addr netip.AddrPort, expires time.Time) error
	DeleteRegistration(ctx context.Context, peer string) error
	List(ctx context.Context) ([]models.Registration, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RegisterClientRepository manages outbound registrations.
type RegisterClientRepository interface {
	Create(ctx context.Context, rc *models.RegisterClient) error
	List(ctx context.Context) ([]models.RegisterClient, error)
	ListEnabled(ctx context.Context) ([]models.RegisterClient, error)
	Delete(ctx context.Context, id int64) error
}

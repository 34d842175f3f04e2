package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/flowiax/internal/database/models"
)

const peerColumns = `id, name, username, secret, outkey, inkeys, auth_methods, host, acl,
	context, codecs, codec_prefs, codec_policy, encryption, trunk, qualify_ms, smoothing,
	freq_ok_ms, freq_notok_ms, min_expire, max_expire, mailbox_msgs, created_at, updated_at`

// peerRepo implements PeerRepository.
type peerRepo struct {
	db *DB
}

// NewPeerRepository creates a new PeerRepository.
func NewPeerRepository(db *DB) PeerRepository {
	return &peerRepo{db: db}
}

func scanPeer(row interface{ Scan(...any) error }, p *models.Peer) error {
	return row.Scan(&p.ID, &p.Name, &p.Username, &p.Secret, &p.OutKey, &p.InKeys,
		&p.AuthMethods, &p.Host, &p.ACL, &p.Context, &p.Codecs, &p.CodecPrefs,
		&p.CodecPolicy, &p.Encryption, &p.Trunk, &p.QualifyMS, &p.Smoothing,
		&p.FreqOKMS, &p.FreqNotOKMS, &p.MinExpire, &p.MaxExpire, &p.MailboxMsgs,
		&p.CreatedAt, &p.UpdatedAt)
}

// Create inserts a new peer.
func (r *peerRepo) Create(ctx context.Context, p *models.Peer) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO peers (name, username, secret, outkey, inkeys, auth_methods, host, acl,
		 context, codecs, codec_prefs, codec_policy, encryption, trunk, qualify_ms, smoothing,
		 freq_ok_ms, freq_notok_ms, min_expire, max_expire, mailbox_msgs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Username, p.Secret, p.OutKey, p.InKeys, p.AuthMethods, p.Host, p.ACL,
		p.Context, p.Codecs, p.CodecPrefs, p.CodecPolicy, p.Encryption, p.Trunk,
		p.QualifyMS, p.Smoothing, p.FreqOKMS, p.FreqNotOKMS, p.MinExpire, p.MaxExpire,
		p.MailboxMsgs,
	)
	if err != nil {
		return fmt.Errorf("inserting peer: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	p.ID = id
	return nil
}

// GetByName returns a peer by name, or nil if there is none.
func (r *peerRepo) GetByName(ctx context.Context, name string) (*models.Peer, error) {
	var p models.Peer
	err := scanPeer(r.db.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE name = ?`, name), &p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying peer by name: %w", err)
	}
	return &p, nil
}

// List returns all peers ordered by name.
func (r *peerRepo) List(ctx context.Context) ([]models.Peer, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying peers: %w", err)
	}
	defer rows.Close()

	var peers []models.Peer
	for rows.Next() {
		var p models.Peer
		if err := scanPeer(rows, &p); err != nil {
			return nil, fmt.Errorf("scanning peer row: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// Update modifies an existing peer.
func (r *peerRepo) Update(ctx context.Context, p *models.Peer) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE peers SET name = ?, username = ?, secret = ?, outkey = ?, inkeys = ?,
		 auth_methods = ?, host = ?, acl = ?, context = ?, codecs = ?, codec_prefs = ?,
		 codec_policy = ?, encryption = ?, trunk = ?, qualify_ms = ?, smoothing = ?,
		 freq_ok_ms = ?, freq_notok_ms = ?, min_expire = ?, max_expire = ?, mailbox_msgs = ?,
		 updated_at = datetime('now')
		 WHERE id = ?`,
		p.Name, p.Username, p.Secret, p.OutKey, p.InKeys, p.AuthMethods, p.Host, p.ACL,
		p.Context, p.Codecs, p.CodecPrefs, p.CodecPolicy, p.Encryption, p.Trunk,
		p.QualifyMS, p.Smoothing, p.FreqOKMS, p.FreqNotOKMS, p.MinExpire, p.MaxExpire,
		p.MailboxMsgs, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating peer: %w", err)
	}
	return nil
}

// Delete removes a peer by ID.
func (r *peerRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting peer: %w", err)
	}
	return nil
}

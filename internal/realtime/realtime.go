// Package realtime is a PostgreSQL directory of users and peers consulted
// when a name is not configured locally.
package realtime

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/flowiax/internal/database"
	"github.com/flowpbx/flowiax/internal/database/models"
	"github.com/flowpbx/flowiax/internal/iax"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements iax.Directory on PostgreSQL.
type Store struct {
	db     *sql.DB
	res    database.HostResolver
	logger *slog.Logger
}

// New opens a PostgreSQL connection and creates the directory tables if
// they are missing. res resolves peer hosts and may be nil.
func New(ctx context.Context, dsn string, res database.HostResolver, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, res: res, logger: logger.With("subsystem", "realtime")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("real-time directory opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS iax_schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating iax_schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM iax_schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO iax_schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version)
	}
	return nil
}

// LookupUser loads a user by name. Unknown names yield iax.ErrNotFound.
func (s *Store) LookupUser(ctx context.Context, name string) (*iax.User, error) {
	var m models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT name, secret, inkeys, auth_methods, acl, contexts, codecs, codec_prefs,
		        codec_policy, encryption, force_encryption, trunk, max_auth_req,
		        caller_num, caller_name, language
		 FROM iax_users WHERE name = $1`, name,
	).Scan(&m.Name, &m.Secret, &m.InKeys, &m.AuthMethods, &m.ACL, &m.Contexts, &m.Codecs,
		&m.CodecPrefs, &m.CodecPolicy, &m.Encryption, &m.ForceEncryption, &m.Trunk,
		&m.MaxAuthReq, &m.CallerNum, &m.CallerName, &m.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", name, iax.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %q: %w", name, err)
	}
	return database.ToUser(&m)
}

// LookupPeer loads a peer by name. Unknown names yield iax.ErrNotFound.
func (s *Store) LookupPeer(ctx context.Context, name string) (*iax.Peer, error) {
	var m models.Peer
	err := s.db.QueryRowContext(ctx,
		`SELECT name, username, secret, outkey, inkeys, auth_methods, host, acl, context,
		        codecs, codec_prefs, codec_policy, encryption, trunk, qualify_ms, smoothing,
		        freq_ok_ms, freq_notok_ms, min_expire, max_expire, mailbox_msgs
		 FROM iax_peers WHERE name = $1`, name,
	).Scan(&m.Name, &m.Username, &m.Secret, &m.OutKey, &m.InKeys, &m.AuthMethods, &m.Host,
		&m.ACL, &m.Context, &m.Codecs, &m.CodecPrefs, &m.CodecPolicy, &m.Encryption,
		&m.Trunk, &m.QualifyMS, &m.Smoothing, &m.FreqOKMS, &m.FreqNotOKMS, &m.MinExpire,
		&m.MaxExpire, &m.MailboxMsgs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("peer %q: %w", name, iax.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying peer %q: %w", name, err)
	}
	return database.ToPeer(ctx, &m, s.res)
}

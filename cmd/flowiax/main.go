package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/flowiax/internal/api"
	"github.com/flowpbx/flowiax/internal/config"
	"github.com/flowpbx/flowiax/internal/database"
	"github.com/flowpbx/flowiax/internal/iax"
	"github.com/flowpbx/flowiax/internal/metrics"
	"github.com/flowpbx/flowiax/internal/realtime"
	"github.com/flowpbx/flowiax/internal/resolve"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("flowiax failed", "error", err)
		os.Exit(1)
	}
	logger.Info("flowiax stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting flowiax",
		"iax_addr", cfg.BindAddrPort().String(),
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	admins := database.NewAdmins(db)
	created, err := admins.EnsureAdmin(ctx, "admin", cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("creating admin user: %w", err)
	}
	if created {
		logger.Info("created initial admin user", "username", "admin")
	} else if n, err := admins.Count(ctx); err == nil && n == 0 {
		logger.Warn("no admin user exists and no admin-password configured, api login is unavailable")
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	var secrets iax.SecretResolver
	if cfg.KeystorePassphrase != "" {
		ks, err := database.OpenKeystore(ctx, db, database.NewSettings(db), cfg.KeystorePassphrase)
		if err != nil {
			return fmt.Errorf("opening keystore: %w", err)
		}
		secrets = ks
		logger.Info("keystore enabled")
	}

	resolver, err := resolve.New("/etc/resolv.conf", cfg.SRVLookup, logger)
	if err != nil {
		logger.Warn("system resolver config unavailable, using loopback resolver", "error", err)
		resolver = resolve.NewWithServers([]string{"127.0.0.1"}, "53", cfg.SRVLookup, logger)
	}

	var dir iax.Directory
	if cfg.RealtimeDSN != "" {
		store, err := realtime.New(ctx, cfg.RealtimeDSN, resolver, logger)
		if err != nil {
			return fmt.Errorf("opening real-time store: %w", err)
		}
		defer store.Close()
		dir = store
		logger.Info("real-time directory enabled")
	}

	registry := iax.NewRegistry(dir, secrets, logger)
	skipped, err := database.LoadRegistry(ctx, database.NewUserRepository(db), database.NewPeerRepository(db), resolver, registry)
	if err != nil {
		return fmt.Errorf("loading users and peers: %w", err)
	}
	for _, e := range skipped {
		logger.Warn("skipping invalid directory entry", "error", e)
	}
	logger.Info("directory loaded", "users", len(registry.Users()), "peers", len(registry.Peers()))

	keys := iax.NewKeyRing(logger)
	if cfg.KeysDir != "" {
		n, err := keys.Load(cfg.KeysDir)
		if err != nil {
			return fmt.Errorf("loading rsa keys: %w", err)
		}
		logger.Info("rsa keys loaded", "count", n, "dir", cfg.KeysDir)
	}

	clock := wallClock{}
	guard := iax.NewFloodGuard(clock, cfg.NewCallRate, cfg.NewCallBurst, logger)
	regStore := database.NewRegistrationRepository(db)
	notifier := iax.NewNotifier(logger)

	conn, err := net.ListenPacket("udp4", cfg.BindAddrPort().String())
	if err != nil {
		return fmt.Errorf("binding iax socket: %w", err)
	}

	engine, err := iax.New(conn, cfg.Engine(), iax.Options{
		Handler:  newChannelLogger(logger),
		Registry: registry,
		Keys:     keys,
		Store:    regStore,
		Notifier: notifier,
		Guard:    guard,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating iax engine: %w", err)
	}
	defer engine.Close()

	restoreRegistrations(ctx, engine, regStore, logger)
	startRegistrations(ctx, engine, database.NewRegisterClientRepository(db), resolver, logger)

	// Metrics registry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(metrics.Providers{
			Engine:        engine,
			Peers:         registry,
			Registrations: engine,
			RegClients:    engine,
			Trunks:        engine,
			Guard:         guard,
		}),
	)

	handler := api.NewServer(api.Deps{
		Engine:    engine,
		Guard:     guard,
		Admins:    admins,
		JWTSecret: jwtSecret,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		database.PurgeExpired(gctx, regStore, 5*time.Minute, logger)
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down servers")

		// Graceful shutdown with timeout.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return engine.Close()
	})

	return g.Wait()
}

// restoreRegistrations reloads the registrations of dynamic peers that
// survived a restart.
func restoreRegistrations(ctx context.Context, engine *iax.Engine, store database.RegistrationRepository, logger *slog.Logger) {
	if n, err := store.DeleteExpired(ctx, time.Now()); err != nil {
		logger.Warn("failed to purge expired registrations", "error", err)
	} else if n > 0 {
		logger.Info("purged expired registrations", "count", n)
	}

	stored, err := store.List(ctx)
	if err != nil {
		logger.Error("failed to load stored registrations", "error", err)
		return
	}
	regs := make([]iax.Registration, 0, len(stored))
	for i := range stored {
		regs = append(regs, database.ToRegistration(&stored[i]))
	}
	engine.RestoreRegistrations(ctx, regs)
}

// startRegistrations begins every enabled outbound registration.
func startRegistrations(ctx context.Context, engine *iax.Engine, repo database.RegisterClientRepository, res database.HostResolver, logger *slog.Logger) {
	clients, err := repo.ListEnabled(ctx)
	if err != nil {
		logger.Error("failed to load outbound registrations", "error", err)
		return
	}
	if len(clients) == 0 {
		logger.Info("no outbound registrations to start")
		return
	}

	logger.Info("starting outbound registrations", "count", len(clients))
	for i := range clients {
		rc := &clients[i]
		opts, err := database.ToRegisterOptions(ctx, rc, res)
		if err != nil {
			logger.Error("skipping outbound registration", "name", rc.Name, "host", rc.Host, "error", err)
			continue
		}
		if err := engine.Register(opts); err != nil {
			logger.Error("failed to start outbound registration", "name", rc.Name, "error", err)
		}
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

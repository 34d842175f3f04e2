package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/flowiax/internal/api/middleware"
	"github.com/flowpbx/flowiax/internal/database/models"
	"github.com/flowpbx/flowiax/internal/iax"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// tokenTTL is how long an admin login stays valid.
const tokenTTL = 12 * time.Hour

// Authenticator checks admin logins.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*models.AdminUser, error)
}

// Deps are the collaborators of the operational API.
type Deps struct {
	Engine    *iax.Engine
	Guard     *iax.FloodGuard
	Admins    Authenticator
	JWTSecret []byte
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router       *chi.Mux
	engine       *iax.Engine
	guard        *iax.FloodGuard
	admins       Authenticator
	tokens       *middleware.Tokens
	metrics      http.Handler
	loginLimiter *middleware.ClientLimiter
	logger       *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(d Deps) *Server {
	logger := d.Logger.With("subsystem", "api")
	s := &Server{
		router:       chi.NewRouter(),
		engine:       d.Engine,
		guard:        d.Guard,
		admins:       d.Admins,
		tokens:       middleware.NewTokens(d.JWTSecret, tokenTTL, logger),
		metrics:      d.Metrics,
		loginLimiter: middleware.NewClientLimiter(middleware.LoginLimits(), logger),
		logger:       logger,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(s.logger))
	r.Use(middleware.Recover(s.logger))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SecurityHeaders)

		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.loginLimiter)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.tokens.Require)

			r.Get("/auth/me", s.handleMe)
			r.Get("/stats", s.handleStats)

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Get("/{callno}/netstats", s.handleNetStats)
			})

			r.Route("/peers", func(r chi.Router) {
				r.Get("/", s.handleListPeers)
				r.Post("/prune", s.handlePrunePeers)
				r.Post("/{name}/qualify", s.handleQualifyPeer)
				r.Delete("/{name}/registration", s.handleUnregisterPeer)
			})

			r.Get("/users", s.handleListUsers)

			r.Route("/registrations", func(r chi.Router) {
				r.Get("/", s.handleListRegistrations)
				r.Get("/clients", s.handleListRegClients)
			})

			r.Get("/trunks", s.handleListTrunks)

			r.Route("/dialplan", func(r chi.Router) {
				r.Get("/cache", s.handleDialplanCache)
				r.Post("/cache/prune", s.handlePruneDialplanCache)
				r.Get("/lookup", s.handleDialplanLookup)
			})

			r.Route("/debug", func(r chi.Router) {
				r.Get("/", s.handleGetDebug)
				r.Put("/", s.handleSetDebug)
			})

			r.Route("/blocked", func(r chi.Router) {
				r.Get("/", s.handleListBlocked)
				r.Delete("/{ip}", s.handleUnblock)
			})
		})
	})
}

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/flowiax/internal/api/middleware"
	"github.com/flowpbx/flowiax/internal/database"
	"github.com/flowpbx/flowiax/internal/iax"
)

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: s.engine.Stats().Uptime.Truncate(time.Second).String(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.admins.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, database.ErrInvalidCredentials) {
		s.logger.Warn("admin login failed", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.logger.Error("failed to authenticate admin", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, expiresAt, err := s.tokens.Issue(user.Username)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("admin logged in", "username", user.Username)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"username": middleware.AdminFromContext(r.Context())})
}

type statsResponse struct {
	iax.Stats
	Uptime string `json:"uptime"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Stats()
	writeJSON(w, http.StatusOK, statsResponse{Stats: st, Uptime: st.Uptime.Truncate(time.Second).String()})
}

type debugSettings struct {
	Trace       *string `json:"trace,omitempty"`
	LossPercent *int    `json:"loss_percent,omitempty"`
}

type debugResponse struct {
	Trace       string `json:"trace"`
	LossPercent int    `json:"loss_percent"`
}

func (s *Server) debugState() debugResponse {
	return debugResponse{
		Trace:       s.engine.Tracer().Verbosity().String(),
		LossPercent: s.engine.Loss(),
	}
}

func (s *Server) handleGetDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.debugState())
}

func (s *Server) handleSetDebug(w http.ResponseWriter, r *http.Request) {
	var req debugSettings
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.LossPercent != nil && (*req.LossPercent < 0 || *req.LossPercent > 100) {
		writeError(w, http.StatusBadRequest, "loss_percent must be between 0 and 100")
		return
	}
	if req.Trace != nil {
		switch v := strings.ToLower(strings.TrimSpace(*req.Trace)); v {
		case "off", "headers", "on", "full":
			s.engine.Tracer().SetVerbosity(iax.ParseTraceVerbosity(v))
		default:
			writeError(w, http.StatusBadRequest, "trace must be one of off, headers, full")
			return
		}
	}
	if req.LossPercent != nil {
		s.engine.SetLoss(*req.LossPercent)
	}

	st := s.debugState()
	s.logger.Info("debug settings changed", "trace", st.Trace, "loss_percent", st.LossPercent,
		"admin", middleware.AdminFromContext(r.Context()))
	writeJSON(w, http.StatusOK, st)
}

package api

import (
	"errors"
	"net/http"
	"net/netip"

	"github.com/flowpbx/flowiax/internal/api/middleware"
	"github.com/flowpbx/flowiax/internal/iax"
	"github.com/go-chi/chi/v5"
)

// userView is the API representation of a configured user. Secrets are
// never returned.
type userView struct {
	Name            string   `json:"name"`
	Contexts        []string `json:"contexts"`
	Codecs          string   `json:"codecs"`
	CodecPolicy     string   `json:"codec_policy"`
	HasSecret       bool     `json:"has_secret"`
	InKeys          string   `json:"inkeys,omitempty"`
	Encryption      bool     `json:"encryption"`
	ForceEncryption bool     `json:"force_encryption"`
	Trunk           bool     `json:"trunk"`
	MaxAuthReq      int      `json:"max_auth_req"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	p, msg := parsePagination(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	users := s.engine.Registry().Users()
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{
			Name:            u.Name,
			Contexts:        u.Contexts,
			Codecs:          u.Capability.Names(),
			CodecPolicy:     u.Policy.String(),
			HasSecret:       u.Secret != "",
			InKeys:          u.InKeys,
			Encryption:      u.Encryption != 0,
			ForceEncryption: u.ForceEncryption,
			Trunk:           u.Trunk,
			MaxAuthReq:      u.MaxAuthReq,
		})
	}
	writeJSON(w, http.StatusOK, page(views, p))
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	p, msg := parsePagination(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	peers := s.engine.Registry().Peers()
	out := make([]iax.PeerStatus, 0, len(peers))
	for _, peer := range peers {
		out = append(out, peer.Status())
	}
	writeJSON(w, http.StatusOK, page(out, p))
}

func (s *Server) handlePrunePeers(w http.ResponseWriter, r *http.Request) {
	n := s.engine.Registry().PrunePeers()
	writeJSON(w, http.StatusOK, map[string]int{"pruned": n})
}

func (s *Server) handleQualifyPeer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.Qualify(name); err != nil {
		s.writePeerError(w, name, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"peer": name, "status": "qualifying"})
}

func (s *Server) handleUnregisterPeer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.Unregister(name); err != nil {
		s.writePeerError(w, name, err)
		return
	}
	s.logger.Info("peer unregistered", "peer", name, "admin", middleware.AdminFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writePeerError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, iax.ErrUnknownPeer) {
		writeError(w, http.StatusNotFound, "peer not found")
		return
	}
	s.logger.Debug("peer operation refused", "peer", name, "error", err)
	writeError(w, http.StatusConflict, err.Error())
}

type registrationsResponse struct {
	Registrations []iax.Registration `json:"registrations"`
}

func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	regs := s.engine.Registrations()
	if regs == nil {
		regs = []iax.Registration{}
	}
	writeJSON(w, http.StatusOK, registrationsResponse{Registrations: regs})
}

func (s *Server) handleListRegClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.RegistrationClients())
}

func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	if s.guard == nil {
		writeJSON(w, http.StatusOK, []iax.BlockedSource{})
		return
	}
	blocked := s.guard.BlockedSources()
	if blocked == nil {
		blocked = []iax.BlockedSource{}
	}
	writeJSON(w, http.StatusOK, blocked)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(chi.URLParam(r, "ip"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ip address")
		return
	}
	if s.guard == nil || !s.guard.Unblock(addr) {
		writeError(w, http.StatusNotFound, "address is not blocked")
		return
	}
	s.logger.Info("source unblocked", "ip", addr.String(), "admin", middleware.AdminFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

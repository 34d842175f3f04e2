package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/flowpbx/flowiax/internal/iax"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Calls())
}

func (s *Server) handleNetStats(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(chi.URLParam(r, "callno"), 10, 15)
	if err != nil || n == 0 {
		writeError(w, http.StatusBadRequest, "invalid call number")
		return
	}

	st, err := s.engine.NetStats(uint16(n))
	if errors.Is(err, iax.ErrStaleCall) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read network statistics", "callno", n, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListTrunks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Trunks())
}

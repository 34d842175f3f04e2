package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flowpbx/flowiax/internal/iax"
	"github.com/flowpbx/flowiax/internal/wire"
)

// dialplanLookupTimeout bounds a lookup made on behalf of an API request.
const dialplanLookupTimeout = 10 * time.Second

type dialplanLookupResponse struct {
	Peer    string   `json:"peer"`
	Context string   `json:"context"`
	Exten   string   `json:"exten"`
	Status  uint16   `json:"status"`
	Flags   []string `json:"flags"`
}

func (s *Server) handleDialplanCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.DialplanCache())
}

func (s *Server) handlePruneDialplanCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"pruned": s.engine.PruneDialplanCache()})
}

func (s *Server) handleDialplanLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	peer, dpContext, exten := q.Get("peer"), q.Get("context"), q.Get("exten")
	if peer == "" || exten == "" {
		writeError(w, http.StatusBadRequest, "peer and exten are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dialplanLookupTimeout)
	defer cancel()

	st, err := s.engine.DialplanLookup(ctx, peer, dpContext, exten)
	switch {
	case errors.Is(err, iax.ErrUnknownPeer):
		writeError(w, http.StatusNotFound, "peer not found")
		return
	case errors.Is(err, iax.ErrDialplanTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "dialplan query timed out")
		return
	case err != nil:
		s.logger.Error("dialplan lookup failed", "peer", peer, "exten", exten, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, dialplanLookupResponse{
		Peer:    peer,
		Context: dpContext,
		Exten:   exten,
		Status:  uint16(st),
		Flags:   dialplanFlags(st),
	})
}

func dialplanFlags(st iax.DialplanStatus) []string {
	flags := []string{}
	for _, f := range []struct {
		bit  uint16
		name string
	}{
		{wire.DPStatusExists, "exists"},
		{wire.DPStatusCanExist, "can_exist"},
		{wire.DPStatusNonExistent, "nonexistent"},
		{wire.DPStatusIgnorePat, "ignore_pattern"},
		{wire.DPStatusMatchMore, "match_more"},
	} {
		if uint16(st)&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	return flags
}

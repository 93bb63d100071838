package server

import (
	"log/slog"
	"net/http"

	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/types"
)

// StatusRes is the response type for GET /api/status.
type StatusRes struct {
	Run  *types.RunRecord `json:"run"`
	Site *types.Site      `json:"site,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	latest, err := s.storage.GetLatestRun(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get latest run", slog.Any("error", err))
		writeJSONError(w, "failed to get latest run", http.StatusInternalServerError)
		return
	}

	res := StatusRes{Run: latest}
	if site, err := s.tracker.LastActive(ctx); err == nil {
		res.Site = &site
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, res)
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sites, err := s.storage.ListSites(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list sites", slog.Any("error", err))
		writeJSONError(w, "failed to list sites", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, sites)
}

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/types"
)

// getSettingsWithMigration loads settings and migrates them forward when the
// stored version is behind, persisting the result best effort.
func (s *Server) getSettingsWithMigration(ctx context.Context) (types.Settings, int, error) {
	settings, version, err := s.storage.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, 0, err
	}

	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		migrated, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			// keep serving what we have rather than failing the request
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("version", version), slog.Any("error", err))
			return settings, version, nil
		}
		if changed {
			settings = migrated
			version = types.CurrentSettingsVersion
			if err := s.storage.SetSettings(ctx, settings, version); err != nil {
				// the migrated settings still serve this request
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
			}
		}
	}

	return settings, version, nil
}

// SettingsRes is the response type for the settings endpoints.
type SettingsRes struct {
	types.Settings
	Version int `json:"version"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	settings, version, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, SettingsRes{Settings: settings, Version: version})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req types.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := req.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.storage.SetSettings(ctx, req, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "settings updated")

	writeJSON(w, SettingsRes{Settings: req, Version: types.CurrentSettingsVersion})
}

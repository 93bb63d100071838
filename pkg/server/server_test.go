package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soccast/soccast/pkg/types"
)

func TestSetupHandler(t *testing.T) {
	srv := newTestServer(&mockPlatform{}, &mockSource{}, &mockPublisher{}, newTestStorage(t))
	handler := srv.setupHandler()

	do := func(t *testing.T, method, path string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("healthz", func(t *testing.T) {
		w := do(t, http.MethodGet, "/healthz")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
	})

	t.Run("response headers", func(t *testing.T) {
		w := do(t, http.MethodGet, "/healthz")
		assert.NotEmpty(t, w.Header().Get("X-Revision"))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
		assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	})

	t.Run("unknown api route", func(t *testing.T) {
		w := do(t, http.MethodGet, "/api/nope")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("update is post only", func(t *testing.T) {
		w := do(t, http.MethodGet, "/api/update")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestHandleStatus(t *testing.T) {
	db := newTestStorage(t)
	srv := newTestServer(&mockPlatform{}, &mockSource{}, &mockPublisher{}, db)

	get := func(t *testing.T) (*httptest.ResponseRecorder, StatusRes) {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		w := httptest.NewRecorder()
		srv.handleStatus(w, req)

		var res StatusRes
		require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
		return w, res
	}

	t.Run("empty store", func(t *testing.T) {
		w, res := get(t)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Nil(t, res.Run)
		assert.Nil(t, res.Site)
	})

	t.Run("after a run", func(t *testing.T) {
		site := types.Site{ID: "44.282,-121.310", Latitude: 44.282, Longitude: -121.31, LastSeenAt: time.Now()}
		require.NoError(t, db.CreateSite(context.Background(), site))
		require.NoError(t, db.InsertRun(context.Background(), types.RunRecord{
			Timestamp: time.Now(),
			SiteID:    site.ID,
			SOC:       72,
			Published: true,
		}))

		w, res := get(t)
		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, res.Run)
		assert.Equal(t, site.ID, res.Run.SiteID)
		assert.Equal(t, 72.0, res.Run.SOC)
		require.NotNil(t, res.Site)
		assert.Equal(t, site.ID, res.Site.ID)
	})
}

func TestHandleSites(t *testing.T) {
	db := newTestStorage(t)
	srv := newTestServer(&mockPlatform{}, &mockSource{}, &mockPublisher{}, db)

	require.NoError(t, db.CreateSite(context.Background(), types.Site{ID: "a", LastSeenAt: time.Now()}))
	require.NoError(t, db.CreateSite(context.Background(), types.Site{ID: "b", LastSeenAt: time.Now()}))

	req := httptest.NewRequest(http.MethodGet, "/api/sites", nil)
	w := httptest.NewRecorder()
	srv.handleSites(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var sites []types.Site
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sites))
	require.Len(t, sites, 2)

	ids := []string{sites[0].ID, sites[1].ID}
	assert.Contains(t, ids, "a")
	assert.Contains(t, ids, "b")
}

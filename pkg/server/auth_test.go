package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	srvURL, priv := setupOIDCTest(t)
	defer srvURL.Close()
	provider, err := oidc.NewProvider(context.Background(), srvURL.URL)
	require.NoError(t, err)

	srv := newTestServer(&mockPlatform{}, &mockSource{}, &mockPublisher{}, newTestStorage(t))
	srv.bypassAuth = false
	srv.oidcClientID = "test-audience"
	srv.allowedEmails = []string{"owner@example.com"}
	srv.verifier = provider.Verifier(&oidc.Config{ClientID: "test-audience"}).Verify
	handler := srv.setupHandler()

	get := func(t *testing.T, authorization string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("missing header", func(t *testing.T) {
		w := get(t, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		var resp map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "missing authorization header", resp["error"])
	})

	t.Run("not a bearer token", func(t *testing.T) {
		w := get(t, "Basic dXNlcjpwYXNz")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		w := get(t, "Bearer not-a-jwt")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown email", func(t *testing.T) {
		token := generateTestToken(t, srvURL.URL, priv, "stranger@example.com", "stranger1")
		w := get(t, "Bearer "+token)
		assert.Equal(t, http.StatusForbidden, w.Code)

		var resp map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "unauthorized email", resp["error"])
	})

	t.Run("allowed email", func(t *testing.T) {
		token := generateTestToken(t, srvURL.URL, priv, "owner@example.com", "owner1")
		w := get(t, "Bearer "+token)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("healthz needs no token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAuthBypass(t *testing.T) {
	// no client ID configured leaves the API open for LAN deployments
	srv := newTestServer(&mockPlatform{}, &mockSource{}, &mockPublisher{}, newTestStorage(t))
	handler := srv.setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEmailAllowed(t *testing.T) {
	srv := &Server{allowedEmails: []string{"a@example.com", "b@example.com"}}
	assert.True(t, srv.emailAllowed("a@example.com"))
	assert.True(t, srv.emailAllowed("b@example.com"))
	assert.False(t, srv.emailAllowed("c@example.com"))

	// an empty allowlist admits nobody rather than everybody
	empty := &Server{}
	assert.False(t, empty.emailAllowed("a@example.com"))
}

package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/soccast/soccast/pkg/estimator"
	"github.com/soccast/soccast/pkg/forecast"
	"github.com/soccast/soccast/pkg/platform"
	"github.com/soccast/soccast/pkg/publish"
	"github.com/soccast/soccast/pkg/storage"
	"github.com/soccast/soccast/pkg/types"
)

type mockPlatform struct {
	mock.Mock
}

func (m *mockPlatform) CurrentReadings(ctx context.Context) (types.Readings, error) {
	args := m.Called(ctx)
	var readings types.Readings
	if r, ok := args.Get(0).(types.Readings); ok {
		readings = r
	}
	return readings, args.Error(1)
}

func (m *mockPlatform) History(ctx context.Context, entity platform.Entity, start, end time.Time) ([]types.StatePoint, error) {
	args := m.Called(ctx, entity, start, end)
	var points []types.StatePoint
	if pts, ok := args.Get(0).([]types.StatePoint); ok {
		points = pts
	}
	return points, args.Error(1)
}

func (m *mockPlatform) SetSensor(ctx context.Context, state types.SensorState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Forecast(ctx context.Context, lat, lon, capacityKW float64) (types.ForecastCurve, time.Time, error) {
	args := m.Called(ctx, lat, lon, capacityKW)
	var curve types.ForecastCurve
	if c, ok := args.Get(0).(types.ForecastCurve); ok {
		curve = c
	}
	var fetchedAt time.Time
	if ts, ok := args.Get(1).(time.Time); ok {
		fetchedAt = ts
	}
	return curve, fetchedAt, args.Error(2)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, states []types.SensorState) error {
	args := m.Called(ctx, states)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// newTestStorage returns a file-backed store rooted in a temp dir so tests
// can assert what actually got persisted.
func newTestStorage(t *testing.T) *storage.FileProvider {
	t.Helper()
	db := storage.NewFileProvider(filepath.Join(t.TempDir(), "soccast.json"))
	require.NoError(t, db.Init(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestServer(plat platform.Platform, src forecast.Source, pub publish.Publisher, db storage.Database) *Server {
	return &Server{
		platform:   plat,
		source:     src,
		publisher:  pub,
		storage:    db,
		tracker:    estimator.NewTracker(db, nil),
		learner:    estimator.NewLearner(),
		listenAddr: ":8080",
		bypassAuth: true,
	}
}

// setupOIDCTest starts a minimal OIDC issuer serving a discovery document
// and a JWKS holding a single test RSA key.
func setupOIDCTest(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var issuer string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                issuer,
			"jwks_uri":                              issuer + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{{
				Key:       priv.Public(),
				KeyID:     "test-key",
				Algorithm: "RS256",
				Use:       "sig",
			}},
		})
	})
	srv := httptest.NewServer(mux)
	issuer = srv.URL
	return srv, priv
}

// generateTestToken signs an ID token for the given identity with the test
// issuer's key.
func generateTestToken(t *testing.T, issuer string, priv *rsa.PrivateKey, email, sub string) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       jose.JSONWebKey{Key: priv, KeyID: "test-key", Algorithm: "RS256"},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)

	claims, err := json.Marshal(map[string]any{
		"iss":   issuer,
		"aud":   "test-audience",
		"sub":   sub,
		"email": email,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	jws, err := signer.Sign(claims)
	require.NoError(t, err)
	token, err := jws.CompactSerialize()
	require.NoError(t, err)
	return token
}

func f64(v float64) *float64 {
	return &v
}

package forecast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/soccast/soccast/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNominatim(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		requests := 0
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
		}))
		defer ts.Close()

		n := &Nominatim{enabled: false, apiURL: ts.URL, client: ts.Client()}
		name, err := n.Name(context.Background(), 44.282, -121.31)
		require.NoError(t, err)
		assert.Empty(t, name)
		assert.Zero(t, requests)
	})

	t.Run("MostSpecificWins", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/reverse" {
				t.Errorf("expected path /reverse, got %s", r.URL.Path)
			}
			q := r.URL.Query()
			assert.Equal(t, "json", q.Get("format"))
			assert.Equal(t, "44.282", q.Get("lat"))
			assert.Equal(t, "-121.31", q.Get("lon"))
			assert.Equal(t, "18", q.Get("zoom"))
			// nominatim requires an identifying user agent
			assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "Soccast/"))

			_, _ = w.Write([]byte(`{
				"display_name": "Smith Rock State Park, Crooked River Drive, Terrebonne, Deschutes County, Oregon, USA",
				"address": {
					"amenity": "Smith Rock State Park",
					"road": "Crooked River Drive",
					"town": "Terrebonne",
					"state": "Oregon"
				}
			}`))
		}))
		defer ts.Close()

		n := &Nominatim{enabled: true, apiURL: ts.URL, client: common.HTTPClient(time.Second)}
		name, err := n.Name(context.Background(), 44.282, -121.31)
		require.NoError(t, err)
		assert.Equal(t, "Smith Rock State Park", name)
	})

	t.Run("FallsThroughToCity", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"address": {"city": "Bend", "state": "Oregon"}}`))
		}))
		defer ts.Close()

		n := &Nominatim{enabled: true, apiURL: ts.URL, client: ts.Client()}
		name, err := n.Name(context.Background(), 44.058, -121.315)
		require.NoError(t, err)
		assert.Equal(t, "Bend", name)
	})

	t.Run("EmptyAddress", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error": "Unable to geocode"}`))
		}))
		defer ts.Close()

		n := &Nominatim{enabled: true, apiURL: ts.URL, client: ts.Client()}
		name, err := n.Name(context.Background(), 0.001, 0.001)
		require.NoError(t, err)
		assert.Empty(t, name)
	})

	t.Run("ServerError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer ts.Close()

		n := &Nominatim{enabled: true, apiURL: ts.URL, client: ts.Client()}
		_, err := n.Name(context.Background(), 44.282, -121.31)
		assert.Error(t, err)
	})
}

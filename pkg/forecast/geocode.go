package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/soccast/soccast/pkg/common"
)

// Nominatim names sites by reverse geocoding their coordinates against the
// OpenStreetMap Nominatim API. Disabled by default; the public instance has
// a strict usage policy and sites work fine unnamed.
type Nominatim struct {
	enabled bool
	apiURL  string
	client  *http.Client
}

// ConfiguredNamer sets up flags for the reverse geocoder and returns the
// instance.
func ConfiguredNamer() *Nominatim {
	n := &Nominatim{
		client: common.HTTPClient(10 * time.Second),
	}
	enabled := lflag.Bool("geocode-enabled", false, "Name new sites via OpenStreetMap reverse geocoding")
	apiURL := lflag.String("geocode-api-url", "https://nominatim.openstreetmap.org", "URL for the Nominatim API")

	lflag.Do(func() {
		n.enabled = *enabled
		n.apiURL = *apiURL
	})

	return n
}

type nominatimResponse struct {
	Address struct {
		Amenity  string `json:"amenity"`
		Building string `json:"building"`
		Road     string `json:"road"`
		Suburb   string `json:"suburb"`
		Town     string `json:"town"`
		City     string `json:"city"`
	} `json:"address"`
}

// Name returns the most specific place name Nominatim knows for the
// coordinates. It returns "" without error when geocoding is disabled or the
// address came back empty.
func (n *Nominatim) Name(ctx context.Context, lat, lon float64) (string, error) {
	if !n.enabled {
		return "", nil
	}

	u, err := url.Parse(n.apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	u = u.JoinPath("reverse")
	params := url.Values{}
	params.Set("format", "json")
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("zoom", "18")
	params.Set("addressdetails", "1")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reverse geocode: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nominatim returned status: %d", resp.StatusCode)
	}

	var res nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	// most specific name wins
	a := res.Address
	for _, name := range []string{a.Amenity, a.Building, a.Road, a.Suburb, a.Town, a.City} {
		if name != "" {
			return name, nil
		}
	}
	return "", nil
}

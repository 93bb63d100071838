package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/soccast/soccast/pkg/common"
	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/types"
)

// HomeAssistant implements the Platform interface against the Home Assistant
// REST API using a long-lived access token.
type HomeAssistant struct {
	client   *http.Client
	baseURL  string
	token    string
	entities map[Entity]string
}

// configuredHomeAssistant sets up flags for Home Assistant and returns the
// instance.
func configuredHomeAssistant() *HomeAssistant {
	h := &HomeAssistant{
		client: common.HTTPClient(time.Minute),
	}
	baseURL := lflag.String("homeassistant-url", "http://homeassistant.local:8123", "Base URL for the Home Assistant instance")
	token := lflag.String("homeassistant-token", "", "Long-lived access token for Home Assistant")
	soc := lflag.String("homeassistant-entity-soc", "sensor.battery_percent", "Entity ID of the battery state of charge sensor (percent)")
	lat := lflag.String("homeassistant-entity-latitude", "sensor.gps_latitude", "Entity ID of the GPS latitude sensor")
	lon := lflag.String("homeassistant-entity-longitude", "sensor.gps_longitude", "Entity ID of the GPS longitude sensor")
	load := lflag.String("homeassistant-entity-load", "sensor.dc_loads", "Entity ID of the DC loads sensor (watts, excludes solar)")
	acVolts := lflag.String("homeassistant-entity-acvolts", "", "Entity ID of the AC line voltage sensor used for shore power detection (optional)")
	solar := lflag.String("homeassistant-entity-solar", "sensor.current_solar_production", "Entity ID of the solar production sensor (watts)")
	fcast := lflag.String("homeassistant-entity-forecast", "", "Entity ID of the recorded forecast watts sensor used for backfilling (optional)")

	lflag.Do(func() {
		h.baseURL = *baseURL
		h.token = *token
		h.entities = map[Entity]string{
			EntitySOC:       *soc,
			EntityLatitude:  *lat,
			EntityLongitude: *lon,
			EntityLoad:      *load,
			EntityACVolts:   *acVolts,
			EntitySolar:     *solar,
			EntityForecast:  *fcast,
		}
	})

	return h
}

// Validate ensures the configuration is valid.
func (h *HomeAssistant) Validate() error {
	if h.baseURL == "" {
		return fmt.Errorf("homeassistant-url is required")
	}
	if _, err := url.Parse(h.baseURL); err != nil {
		return fmt.Errorf("failed to parse homeassistant url (%s): %w", h.baseURL, err)
	}
	if h.token == "" {
		return fmt.Errorf("homeassistant-token is required")
	}
	return nil
}

// haState is a single entity state as Home Assistant reports it.
type haState struct {
	EntityID    string    `json:"entity_id"`
	State       string    `json:"state"`
	LastChanged time.Time `json:"last_changed"`
}

func (h *HomeAssistant) newRequest(ctx context.Context, method, endpoint string, params url.Values, body any) (*http.Request, error) {
	u, err := url.Parse(h.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// doRequest runs the request and decodes the JSON response into dest. A 404
// is reported as ok=false without an error since missing entities are an
// expected deployment state.
func (h *HomeAssistant) doRequest(req *http.Request, dest any) (bool, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return false, fmt.Errorf("homeassistant returned status: %d", resp.StatusCode)
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return false, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return true, nil
}

// getNumericState reads one entity and parses its state as a float. Missing
// entities and non-numeric states ("unknown", "unavailable") return nil.
func (h *HomeAssistant) getNumericState(ctx context.Context, entityID string) (*float64, error) {
	if entityID == "" {
		return nil, nil
	}

	req, err := h.newRequest(ctx, "GET", "api/states/"+entityID, nil, nil)
	if err != nil {
		return nil, err
	}

	var res haState
	ok, err := h.doRequest(req, &res)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "entity not found", slog.String("entityID", entityID))
		return nil, nil
	}

	v, ok := numericValue(res.State)
	if !ok {
		log.Ctx(ctx).DebugContext(
			ctx,
			"entity has no numeric state",
			slog.String("entityID", entityID),
			slog.String("state", res.State),
		)
		return nil, nil
	}
	return &v, nil
}

// CurrentReadings fetches the latest state of every configured entity.
func (h *HomeAssistant) CurrentReadings(ctx context.Context) (types.Readings, error) {
	r := types.Readings{Timestamp: time.Now()}

	fields := []struct {
		entity Entity
		dest   **float64
	}{
		{EntitySOC, &r.SOC},
		{EntityLatitude, &r.Latitude},
		{EntityLongitude, &r.Longitude},
		{EntityLoad, &r.LoadWatts},
		{EntityACVolts, &r.ACVolts},
		{EntitySolar, &r.SolarWatts},
	}
	for _, f := range fields {
		v, err := h.getNumericState(ctx, h.entities[f.entity])
		if err != nil {
			return types.Readings{}, fmt.Errorf("%w: failed to read %s: %v", types.ErrExternalFetch, f.entity, err)
		}
		*f.dest = v
	}

	return r, nil
}

// History returns the numeric states recorded for the entity between start
// and end, oldest first.
func (h *HomeAssistant) History(ctx context.Context, entity Entity, start, end time.Time) ([]types.StatePoint, error) {
	entityID := h.entities[entity]
	if entityID == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("filter_entity_id", entityID)
	params.Set("end_time", end.UTC().Format(time.RFC3339))

	req, err := h.newRequest(ctx, "GET", "api/history/period/"+start.UTC().Format(time.RFC3339), params, nil)
	if err != nil {
		return nil, err
	}

	// the API nests each entity's series in an outer list
	var res [][]haState
	ok, err := h.doRequest(req, &res)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch history for %s: %v", types.ErrExternalFetch, entity, err)
	}
	if !ok || len(res) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no history available", slog.String("entityID", entityID))
		return nil, nil
	}

	points := make([]types.StatePoint, 0, len(res[0]))
	for _, s := range res[0] {
		v, numeric := numericValue(s.State)
		if !numeric {
			continue
		}
		points = append(points, types.StatePoint{TS: s.LastChanged, Value: v})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].TS.Before(points[j].TS)
	})

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched entity history",
		slog.String("entityID", entityID),
		slog.Int("points", len(points)),
		slog.Time("start", start),
		slog.Time("end", end),
	)
	return points, nil
}

// SetSensor creates or updates the sensor via the states API.
func (h *HomeAssistant) SetSensor(ctx context.Context, state types.SensorState) error {
	body := struct {
		State      string         `json:"state"`
		Attributes map[string]any `json:"attributes,omitempty"`
	}{
		State:      state.State,
		Attributes: state.Attributes,
	}

	req, err := h.newRequest(ctx, "POST", "api/states/"+state.EntityID, nil, body)
	if err != nil {
		return err
	}
	ok, err := h.doRequest(req, nil)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", state.EntityID, err)
	}
	if !ok {
		return fmt.Errorf("failed to set %s: not found", state.EntityID)
	}
	return nil
}

// numericValue parses an entity state, rejecting the sentinel states Home
// Assistant uses for gaps.
func numericValue(state string) (float64, bool) {
	switch state {
	case "", "unknown", "unavailable", "none":
		return 0, false
	}
	v, err := strconv.ParseFloat(state, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/levenlabs/go-lflag"
	"github.com/soccast/soccast/pkg/common"
	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/types"
)

// watt-hour keys are wall-clock timestamps in the timezone the API reports
const forecastSolarTimeLayout = "2006-01-02 15:04:05"

// retryOptions is the default option set for retryable fetches.
var retryOptions = []retry.Option{retry.Attempts(3), retry.LastErrorOnly(true)}

// ForecastSolar implements the Source interface against the forecast.solar
// public API. The API reports cumulative watt-hours for a flat-mounted array
// over today and tomorrow; the client differences consecutive points into an
// hourly watts curve.
type ForecastSolar struct {
	apiURL        string
	apiKey        string
	fetchInterval time.Duration
	client        *http.Client

	mu          sync.Mutex
	lastFetch   time.Time
	lastLat     float64
	lastLon     float64
	cachedCurve types.ForecastCurve
	cachedAt    time.Time
	retryAt     time.Time
}

// configuredForecastSolar sets up flags for forecast.solar and returns the
// instance.
func configuredForecastSolar() *ForecastSolar {
	f := &ForecastSolar{
		client: common.HTTPClient(10 * time.Second),
	}
	apiURL := lflag.String("forecastsolar-api-url", "https://api.forecast.solar", "URL for the forecast.solar API")
	apiKey := lflag.String("forecastsolar-api-key", "", "API key for a personal forecast.solar plan (optional)")
	interval := lflag.Duration("forecastsolar-fetch-interval", time.Hour, "Minimum time between forecast.solar fetches")

	lflag.Do(func() {
		f.apiURL = *apiURL
		f.apiKey = *apiKey
		f.fetchInterval = *interval
	})

	return f
}

// Validate ensures the configuration is valid.
func (f *ForecastSolar) Validate() error {
	if f.apiURL == "" {
		return fmt.Errorf("forecastsolar-api-url is required")
	}
	if _, err := url.Parse(f.apiURL); err != nil {
		return fmt.Errorf("failed to parse forecastsolar url (%s): %w", f.apiURL, err)
	}
	return nil
}

// forecastSolarResponse is the subset of the API response we consume. The
// public plan also sends rate-limit details on 429s.
type forecastSolarResponse struct {
	Result struct {
		WattHours map[string]float64 `json:"watt_hours"`
	} `json:"result"`
	Message struct {
		Info struct {
			Time     string `json:"time"`
			Timezone string `json:"timezone"`
		} `json:"info"`
		Ratelimit struct {
			RetryAt string `json:"retry-at"`
		} `json:"ratelimit"`
	} `json:"message"`
}

// Forecast returns the hourly production curve for the given coordinates and
// array size. It caches the last successful fetch and will not hit the API
// again for the same coordinates until the fetch interval has passed, nor at
// all while a rate limit is in effect.
func (f *ForecastSolar) Forecast(ctx context.Context, lat, lon, capacityKW float64) (types.ForecastCurve, time.Time, error) {
	now := time.Now()

	f.mu.Lock()
	if !f.retryAt.IsZero() && now.Before(f.retryAt) {
		rl := &RateLimitError{RetryAt: f.retryAt}
		f.mu.Unlock()
		return nil, time.Time{}, rl
	}
	if f.cachedCurve != nil && f.lastLat == lat && f.lastLon == lon && now.Sub(f.lastFetch) < f.fetchInterval {
		curve := f.cachedCurve
		fetchedAt := f.cachedAt
		f.mu.Unlock()
		return curve, fetchedAt, nil
	}
	f.mu.Unlock()

	u, err := url.Parse(f.apiURL)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid api url: %w", err)
	}
	if f.apiKey != "" {
		u = u.JoinPath(f.apiKey)
	}
	// plane declination and azimuth are pinned to 0 (flat mount)
	u = u.JoinPath("estimate",
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lon, 'f', -1, 64),
		"0", "0",
		strconv.FormatFloat(capacityKW, 'f', -1, 64),
	)

	var res forecastSolarResponse
	err = retry.Do(func() error {
		r, err := f.fetch(ctx, u.String())
		if err != nil {
			return err
		}
		res = r
		return nil
	}, append(retryOptions, retry.Context(ctx))...)
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			if !rl.RetryAt.IsZero() {
				f.mu.Lock()
				f.retryAt = rl.RetryAt
				f.mu.Unlock()
			}
			log.Ctx(ctx).ErrorContext(ctx, "forecast.solar rate limit reached", slog.Time("retryAt", rl.RetryAt))
			return nil, time.Time{}, rl
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch solar forecast", slog.Any("error", err))
		return nil, time.Time{}, fmt.Errorf("%w: %v", types.ErrExternalFetch, err)
	}

	if len(res.Result.WattHours) == 0 {
		return nil, time.Time{}, fmt.Errorf("%w: response contained no watt_hours", types.ErrExternalFetch)
	}

	loc, err := time.LoadLocation(res.Message.Info.Timezone)
	if err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"failed to load forecast timezone, using local",
			slog.String("timezone", res.Message.Info.Timezone),
			slog.Any("error", err),
		)
		loc = time.Local
	}

	fetchedAt, err := time.Parse(time.RFC3339, res.Message.Info.Time)
	if err != nil {
		fetchedAt = now
	}

	curve := differenceWattHours(ctx, res.Result.WattHours, loc)
	if len(curve) == 0 {
		return nil, time.Time{}, fmt.Errorf("%w: watt_hours did not yield any hourly points", types.ErrExternalFetch)
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched solar forecast",
		slog.Int("hours", len(curve)),
		slog.Time("earliest", curve[0].TS),
		slog.Time("latest", curve[len(curve)-1].TS),
	)

	f.mu.Lock()
	f.cachedCurve = curve
	f.cachedAt = fetchedAt
	f.lastFetch = now
	f.lastLat = lat
	f.lastLon = lon
	f.retryAt = time.Time{}
	f.mu.Unlock()

	return curve, fetchedAt, nil
}

// fetch performs a single API request. Rate limits come back as an
// unrecoverable RateLimitError so the retry loop stops immediately.
func (f *ForecastSolar) fetch(ctx context.Context, url string) (forecastSolarResponse, error) {
	var res forecastSolarResponse

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return res, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching solar forecast", "url", url)

	resp, err := f.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		// the retry time lives in the body when present, the header otherwise
		var body forecastSolarResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		retryAt := parseRetryAt(body.Message.Ratelimit.RetryAt, resp.Header.Get("Retry-After"))
		return res, retry.Unrecoverable(&RateLimitError{RetryAt: retryAt})
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("forecast.solar returned status: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return res, retry.Unrecoverable(err)
		}
		return res, err
	}

	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("failed to decode response: %w", err)
	}
	return res, nil
}

// parseRetryAt interprets the rate-limit retry time, preferring the body
// value over the Retry-After header. The header may also be a delay in
// seconds per the HTTP spec.
func parseRetryAt(body, header string) time.Time {
	if body != "" {
		if t, err := time.Parse(time.RFC3339, body); err == nil {
			return t
		}
	}
	if header != "" {
		if t, err := time.Parse(time.RFC3339, header); err == nil {
			return t
		}
		if secs, err := strconv.Atoi(header); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Time{}
}

// differenceWattHours turns the API's cumulative watt-hour series into hourly
// production points. The counter resets at the start of each day, so only
// same-day consecutive pairs contribute. Watt-hours accumulated within a one
// hour bucket equal average watts for that hour.
func differenceWattHours(ctx context.Context, wattHours map[string]float64, loc *time.Location) types.ForecastCurve {
	type cumulativePoint struct {
		ts time.Time
		wh float64
	}

	points := make([]cumulativePoint, 0, len(wattHours))
	for k, v := range wattHours {
		ts, err := time.ParseInLocation(forecastSolarTimeLayout, k, loc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse watt_hours timestamp", slog.String("value", k), slog.Any("error", err))
			continue
		}
		points = append(points, cumulativePoint{ts: ts, wh: v})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].ts.Before(points[j].ts)
	})

	buckets := make(map[time.Time]float64)
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		py, pm, pd := prev.ts.Date()
		cy, cm, cd := cur.ts.Date()
		if py != cy || pm != cm || pd != cd {
			continue
		}
		wh := cur.wh - prev.wh
		if wh <= 0 {
			continue
		}
		spreadEnergy(buckets, prev.ts, cur.ts, wh)
	}

	curve := make(types.ForecastCurve, 0, len(buckets))
	for ts, wh := range buckets {
		curve = append(curve, types.ForecastPoint{TS: ts, Watts: wh})
	}
	sort.Slice(curve, func(i, j int) bool {
		return curve[i].TS.Before(curve[j].TS)
	})
	return curve
}

// spreadEnergy apportions wh across the hour buckets the interval overlaps,
// proportional to the time spent in each.
func spreadEnergy(buckets map[time.Time]float64, start, end time.Time, wh float64) {
	total := end.Sub(start)
	if total <= 0 {
		return
	}
	for cur := start; cur.Before(end); {
		bucket := cur.Truncate(time.Hour)
		next := bucket.Add(time.Hour)
		if next.After(end) {
			next = end
		}
		buckets[bucket] += wh * float64(next.Sub(cur)) / float64(total)
		cur = next
	}
}

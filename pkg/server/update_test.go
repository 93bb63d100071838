package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/soccast/soccast/pkg/forecast"
	"github.com/soccast/soccast/pkg/platform"
	"github.com/soccast/soccast/pkg/types"
)

func postUpdate(t *testing.T, srv *Server) (*httptest.ResponseRecorder, types.RunRecord) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/update", nil)
	w := httptest.NewRecorder()
	srv.handleUpdate(w, req)

	var record types.RunRecord
	if w.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&record))
	}
	return w, record
}

// loadHistory returns a steady draw over the trailing two hours.
func loadHistory(watts float64) []types.StatePoint {
	now := time.Now()
	points := make([]types.StatePoint, 4)
	for i := range points {
		points[i] = types.StatePoint{TS: now.Add(-time.Duration(4-i) * 30 * time.Minute), Value: watts}
	}
	return points
}

func futureCurve(watts float64) types.ForecastCurve {
	hour := time.Now().Truncate(time.Hour)
	return types.ForecastCurve{
		{TS: hour.Add(time.Hour), Watts: watts},
		{TS: hour.Add(2 * time.Hour), Watts: watts},
	}
}

func TestHandleUpdate(t *testing.T) {
	db := newTestStorage(t)

	plat := &mockPlatform{}
	plat.On("CurrentReadings", mock.Anything).Return(types.Readings{
		SOC:       f64(58),
		Latitude:  f64(44.282),
		Longitude: f64(-121.31),
		LoadWatts: f64(100),
	}, nil)
	plat.On("History", mock.Anything, platform.EntityLoad, mock.Anything, mock.Anything).Return(loadHistory(100), nil)
	plat.On("History", mock.Anything, platform.EntityACVolts, mock.Anything, mock.Anything).Return(nil, nil)

	src := &mockSource{}
	src.On("Forecast", mock.Anything, 44.282, -121.31, 0.4).Return(futureCurve(250), time.Now(), nil)

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(states []types.SensorState) bool {
		return len(states) == 10
	})).Return(nil)

	srv := newTestServer(plat, src, pub, db)
	w, record := postUpdate(t, srv)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.SkipReasonNone, record.Skipped)
	assert.True(t, record.Published)
	assert.True(t, record.SiteCreated)
	assert.Equal(t, "44.282,-121.310", record.SiteID)
	assert.Equal(t, 58.0, record.SOC)
	assert.InDelta(t, 100, record.LoadWatts, 0.001)
	assert.Zero(t, record.LearnedHours)
	require.NotNil(t, record.Result)
	assert.NotEmpty(t, record.Result.Hours)

	// the run, the site, and the fetched curve all survive a restart
	sites, err := db.ListSites(context.Background())
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "44.282,-121.310", sites[0].ID)

	latest, err := db.GetLatestRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Published)

	cache, err := db.GetForecastCache(context.Background())
	require.NoError(t, err)
	assert.False(t, cache.FetchedAt.IsZero())
	assert.Len(t, cache.Curve, 2)

	plat.AssertExpectations(t)
	src.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestHandleUpdateSkips(t *testing.T) {
	t.Run("no state of charge", func(t *testing.T) {
		db := newTestStorage(t)
		plat := &mockPlatform{}
		plat.On("CurrentReadings", mock.Anything).Return(types.Readings{}, nil)

		srv := newTestServer(plat, &mockSource{}, &mockPublisher{}, db)
		w, record := postUpdate(t, srv)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, types.SkipReasonNoReadings, record.Skipped)
		assert.False(t, record.Published)
		assert.Equal(t, types.SiteIDNone, record.SiteID)

		latest, err := db.GetLatestRun(context.Background())
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, types.SkipReasonNoReadings, latest.Skipped)
	})

	t.Run("platform unreachable", func(t *testing.T) {
		db := newTestStorage(t)
		plat := &mockPlatform{}
		plat.On("CurrentReadings", mock.Anything).Return(types.Readings{}, fmt.Errorf("connection refused"))

		srv := newTestServer(plat, &mockSource{}, &mockPublisher{}, db)
		w, record := postUpdate(t, srv)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, types.SkipReasonNoReadings, record.Skipped)
		assert.Contains(t, record.Error, "connection refused")
	})

	t.Run("no position and no sites", func(t *testing.T) {
		db := newTestStorage(t)
		plat := &mockPlatform{}
		plat.On("CurrentReadings", mock.Anything).Return(types.Readings{SOC: f64(58)}, nil)

		srv := newTestServer(plat, &mockSource{}, &mockPublisher{}, db)
		w, record := postUpdate(t, srv)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, types.SkipReasonNoSite, record.Skipped)
		assert.Equal(t, types.SiteIDNone, record.SiteID)
	})

	t.Run("forecast failure without cache", func(t *testing.T) {
		db := newTestStorage(t)
		plat := &mockPlatform{}
		plat.On("CurrentReadings", mock.Anything).Return(types.Readings{
			SOC:       f64(58),
			Latitude:  f64(44.282),
			Longitude: f64(-121.31),
		}, nil)

		src := &mockSource{}
		src.On("Forecast", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, time.Time{}, fmt.Errorf("%w: 503", types.ErrExternalFetch))

		srv := newTestServer(plat, src, &mockPublisher{}, db)
		w, record := postUpdate(t, srv)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, types.SkipReasonNoForecast, record.Skipped)
		assert.NotEmpty(t, record.Error)
	})

	t.Run("no load history", func(t *testing.T) {
		db := newTestStorage(t)
		plat := &mockPlatform{}
		plat.On("CurrentReadings", mock.Anything).Return(types.Readings{
			SOC:       f64(58),
			Latitude:  f64(44.282),
			Longitude: f64(-121.31),
		}, nil)
		plat.On("History", mock.Anything, platform.EntityLoad, mock.Anything, mock.Anything).Return(nil, nil)
		plat.On("History", mock.Anything, platform.EntityACVolts, mock.Anything, mock.Anything).Return(nil, nil)

		src := &mockSource{}
		src.On("Forecast", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(futureCurve(250), time.Now(), nil)

		srv := newTestServer(plat, src, &mockPublisher{}, db)
		w, record := postUpdate(t, srv)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, types.SkipReasonInsufficientLoad, record.Skipped)
	})
}

func TestHandleUpdateLastActiveFallback(t *testing.T) {
	db := newTestStorage(t)
	older := types.Site{ID: "40.000,-105.000", Latitude: 40, Longitude: -105, LastSeenAt: time.Now().Add(-48 * time.Hour)}
	newer := types.Site{ID: "44.282,-121.310", Latitude: 44.282, Longitude: -121.31, LastSeenAt: time.Now().Add(-time.Hour)}
	require.NoError(t, db.CreateSite(context.Background(), older))
	require.NoError(t, db.CreateSite(context.Background(), newer))

	// parked inside: SoC but no GPS fix
	plat := &mockPlatform{}
	plat.On("CurrentReadings", mock.Anything).Return(types.Readings{
		SOC:       f64(64),
		LoadWatts: f64(80),
	}, nil)
	plat.On("History", mock.Anything, platform.EntityLoad, mock.Anything, mock.Anything).Return(loadHistory(80), nil)
	plat.On("History", mock.Anything, platform.EntityACVolts, mock.Anything, mock.Anything).Return(nil, nil)

	src := &mockSource{}
	src.On("Forecast", mock.Anything, 44.282, -121.31, mock.Anything).Return(futureCurve(250), time.Now(), nil)

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	srv := newTestServer(plat, src, pub, db)
	w, record := postUpdate(t, srv)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.SkipReasonNone, record.Skipped)
	assert.Equal(t, newer.ID, record.SiteID)
	assert.False(t, record.SiteCreated)
	src.AssertExpectations(t)
}

func TestHandleUpdateCachedForecast(t *testing.T) {
	db := newTestStorage(t)
	cached := types.ForecastCache{FetchedAt: time.Now().Add(-2 * time.Hour), Curve: futureCurve(300)}
	require.NoError(t, db.SetForecastCache(context.Background(), cached))

	plat := &mockPlatform{}
	plat.On("CurrentReadings", mock.Anything).Return(types.Readings{
		SOC:       f64(58),
		Latitude:  f64(44.282),
		Longitude: f64(-121.31),
		LoadWatts: f64(100),
	}, nil)
	// a cache on disk means the learner looks for production history
	plat.On("History", mock.Anything, platform.EntitySolar, mock.Anything, mock.Anything).Return(nil, nil)
	plat.On("History", mock.Anything, platform.EntityLoad, mock.Anything, mock.Anything).Return(loadHistory(100), nil)
	plat.On("History", mock.Anything, platform.EntityACVolts, mock.Anything, mock.Anything).Return(nil, nil)

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	t.Run("source down", func(t *testing.T) {
		src := &mockSource{}
		src.On("Forecast", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, time.Time{}, fmt.Errorf("%w: 503", types.ErrExternalFetch))

		srv := newTestServer(plat, src, pub, db)
		w, record := postUpdate(t, srv)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, types.SkipReasonNone, record.Skipped)
		assert.True(t, record.Published)
	})

	t.Run("rate limited persists retry time", func(t *testing.T) {
		retryAt := time.Now().Add(3 * time.Hour).Truncate(time.Second)
		src := &mockSource{}
		src.On("Forecast", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, time.Time{}, &forecast.RateLimitError{RetryAt: retryAt})

		srv := newTestServer(plat, src, pub, db)
		w, record := postUpdate(t, srv)

		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, record.Published)

		cache, err := db.GetForecastCache(context.Background())
		require.NoError(t, err)
		assert.True(t, cache.RetryAfter.Equal(retryAt))
	})

	t.Run("persisted retry time skips the fetch", func(t *testing.T) {
		// the retry time stored by the previous run is still hours away
		src := &mockSource{}

		srv := newTestServer(plat, src, pub, db)
		w, record := postUpdate(t, srv)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, types.SkipReasonNone, record.Skipped)
		assert.True(t, record.Published)
		src.AssertNotCalled(t, "Forecast", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHandleUpdateLearnsDeltas(t *testing.T) {
	db := newTestStorage(t)

	// the cache fetched on the previous run promised 200W for the last two
	// full hours
	h1 := time.Now().Truncate(time.Hour).Add(-2 * time.Hour)
	h2 := h1.Add(time.Hour)
	cached := types.ForecastCache{
		FetchedAt: h1,
		Curve: append(types.ForecastCurve{
			{TS: h1, Watts: 200},
			{TS: h2, Watts: 200},
		}, futureCurve(250)...),
	}
	require.NoError(t, db.SetForecastCache(context.Background(), cached))

	// the panels actually delivered 160W
	var production []types.StatePoint
	for _, h := range []time.Time{h1, h2} {
		for _, m := range []time.Duration{5, 30, 55} {
			production = append(production, types.StatePoint{TS: h.Add(m * time.Minute), Value: 160})
		}
	}

	plat := &mockPlatform{}
	plat.On("CurrentReadings", mock.Anything).Return(types.Readings{
		SOC:       f64(58),
		Latitude:  f64(44.282),
		Longitude: f64(-121.31),
		LoadWatts: f64(100),
	}, nil)
	plat.On("History", mock.Anything, platform.EntitySolar, mock.Anything, mock.Anything).Return(production, nil)
	plat.On("History", mock.Anything, platform.EntitySOC, mock.Anything, mock.Anything).
		Return([]types.StatePoint{{TS: h1, Value: 60}}, nil)
	plat.On("History", mock.Anything, platform.EntityACVolts, mock.Anything, mock.Anything).Return(nil, nil)
	plat.On("History", mock.Anything, platform.EntityLoad, mock.Anything, mock.Anything).Return(loadHistory(100), nil)

	src := &mockSource{}
	src.On("Forecast", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(futureCurve(250), time.Now(), nil)

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	srv := newTestServer(plat, src, pub, db)
	w, record := postUpdate(t, srv)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, record.LearnedHours)
	assert.True(t, record.Published)

	sites, err := db.ListSites(context.Background())
	require.NoError(t, err)
	require.Len(t, sites, 1)
	for _, h := range []time.Time{h1, h2} {
		entry, ok := sites[0].Deltas[h.Hour()]
		require.True(t, ok, "no delta learned for hour %d", h.Hour())
		assert.InDelta(t, 0.8, entry.Factor, 0.0001)
		assert.Equal(t, 1, entry.Count)
	}
}

func TestHandleUpdateAlreadyRunning(t *testing.T) {
	srv := newTestServer(&mockPlatform{}, &mockSource{}, &mockPublisher{}, newTestStorage(t))
	srv.runMu.Lock()
	defer srv.runMu.Unlock()

	w, _ := postUpdate(t, srv)
	require.Equal(t, http.StatusConflict, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "update already running", resp["error"])
}

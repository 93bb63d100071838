package estimator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/soccast/soccast/pkg/storage/storagemock"
	"github.com/soccast/soccast/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeNamer struct {
	name  string
	err   error
	calls int
}

func (f *fakeNamer) Name(_ context.Context, _, _ float64) (string, error) {
	f.calls++
	return f.name, f.err
}

func trackerSettings() types.Settings {
	return types.Settings{SiteRadiusKM: 0.5}
}

func TestSiteID(t *testing.T) {
	assert.Equal(t, "41.878,-87.630", SiteID(41.8781, -87.6298))
	assert.Equal(t, "0.000,0.000", SiteID(0, 0))
	assert.Equal(t, "-33.857,151.215", SiteID(-33.8568, 151.2153))
}

func TestHaversineKM(t *testing.T) {
	// same point
	assert.InDelta(t, 0.0, haversineKM(41.8781, -87.6298, 41.8781, -87.6298), 0.0001)
	// 0.01 degrees of latitude is ~1.11 km anywhere on earth
	assert.InDelta(t, 1.112, haversineKM(41.8781, -87.6298, 41.8881, -87.6298), 0.01)
	// Chicago to Milwaukee is ~131 km
	assert.InDelta(t, 131.0, haversineKM(41.8781, -87.6298, 43.0389, -87.9065), 2.0)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("CreatesFirstSite", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("ListSites", mock.Anything).Return(nil, nil)
		db.On("CreateSite", mock.Anything, mock.MatchedBy(func(s types.Site) bool {
			return s.ID == "41.878,-87.630" && s.Name == "Chicago, Illinois" &&
				s.CreatedAt.Equal(now) && s.LastSeenAt.Equal(now)
		})).Return(nil)
		namer := &fakeNamer{name: "Chicago, Illinois"}

		tr := NewTracker(db, namer)
		site, created, err := tr.Classify(ctx, 41.8781, -87.6298, trackerSettings(), now)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "41.878,-87.630", site.ID)
		assert.Equal(t, "Chicago, Illinois", site.Name)
		assert.Equal(t, 1, namer.calls)
		db.AssertExpectations(t)
	})

	t.Run("MatchesWithinRadius", func(t *testing.T) {
		// existing site ~110m north of the reading, well inside 0.5km
		existing := types.Site{
			ID:         "41.879,-87.630",
			Latitude:   41.8791,
			Longitude:  -87.6298,
			Deltas:     types.DeltaTable{10: {Factor: 0.9, Count: 2}},
			CreatedAt:  now.Add(-72 * time.Hour),
			LastSeenAt: now.Add(-24 * time.Hour),
		}
		db := &storagemock.MockDatabase{}
		db.On("ListSites", mock.Anything).Return([]types.Site{existing}, nil)
		db.On("UpdateSite", mock.Anything, mock.MatchedBy(func(s types.Site) bool {
			return s.ID == existing.ID && s.LastSeenAt.Equal(now)
		})).Return(nil)
		namer := &fakeNamer{name: "should not be called"}

		tr := NewTracker(db, namer)
		site, created, err := tr.Classify(ctx, 41.8781, -87.6298, trackerSettings(), now)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, existing.ID, site.ID)
		// learned history survives the revisit
		assert.Equal(t, 0.9, site.Deltas[10].Factor)
		assert.Equal(t, 0, namer.calls)
		db.AssertExpectations(t)
	})

	t.Run("NearestWins", func(t *testing.T) {
		// both inside the radius, far one first in the list
		far := types.Site{ID: "41.881,-87.630", Latitude: 41.8811, Longitude: -87.6298}
		near := types.Site{ID: "41.879,-87.630", Latitude: 41.8791, Longitude: -87.6298}
		db := &storagemock.MockDatabase{}
		db.On("ListSites", mock.Anything).Return([]types.Site{far, near}, nil)
		db.On("UpdateSite", mock.Anything, mock.MatchedBy(func(s types.Site) bool {
			return s.ID == near.ID
		})).Return(nil)

		tr := NewTracker(db, nil)
		site, created, err := tr.Classify(ctx, 41.8781, -87.6298, trackerSettings(), now)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, near.ID, site.ID)
		db.AssertExpectations(t)
	})

	t.Run("OutsideRadiusCreates", func(t *testing.T) {
		// existing site ~2.2km away
		existing := types.Site{ID: "41.898,-87.630", Latitude: 41.8981, Longitude: -87.6298}
		db := &storagemock.MockDatabase{}
		db.On("ListSites", mock.Anything).Return([]types.Site{existing}, nil)
		db.On("CreateSite", mock.Anything, mock.MatchedBy(func(s types.Site) bool {
			return s.ID == "41.878,-87.630"
		})).Return(nil)

		tr := NewTracker(db, nil)
		site, created, err := tr.Classify(ctx, 41.8781, -87.6298, trackerSettings(), now)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "41.878,-87.630", site.ID)
		db.AssertExpectations(t)
	})

	t.Run("InvalidCoordinates", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		tr := NewTracker(db, nil)

		_, _, err := tr.Classify(ctx, math.NaN(), -87.6298, trackerSettings(), now)
		assert.ErrorIs(t, err, types.ErrLocationUnavailable)

		_, _, err = tr.Classify(ctx, 91.0, -87.6298, trackerSettings(), now)
		assert.ErrorIs(t, err, types.ErrLocationUnavailable)

		_, _, err = tr.Classify(ctx, 41.8781, -191.0, trackerSettings(), now)
		assert.ErrorIs(t, err, types.ErrLocationUnavailable)

		// nothing should have touched the database
		db.AssertNotCalled(t, "ListSites", mock.Anything)
	})

	t.Run("NamerFailureStillCreates", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("ListSites", mock.Anything).Return(nil, nil)
		db.On("CreateSite", mock.Anything, mock.MatchedBy(func(s types.Site) bool {
			return s.ID == "41.878,-87.630" && s.Name == ""
		})).Return(nil)
		namer := &fakeNamer{err: errors.New("geocoder down")}

		tr := NewTracker(db, namer)
		site, created, err := tr.Classify(ctx, 41.8781, -87.6298, trackerSettings(), now)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Empty(t, site.Name)
		db.AssertExpectations(t)
	})
}

func TestLastActive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("MostRecentlySeen", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("ListSites", mock.Anything).Return([]types.Site{
			{ID: "a", LastSeenAt: now.Add(-48 * time.Hour)},
			{ID: "b", LastSeenAt: now.Add(-1 * time.Hour)},
			{ID: "c", LastSeenAt: now.Add(-24 * time.Hour)},
		}, nil)

		tr := NewTracker(db, nil)
		site, err := tr.LastActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b", site.ID)
	})

	t.Run("NoSites", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("ListSites", mock.Anything).Return(nil, nil)

		tr := NewTracker(db, nil)
		_, err := tr.LastActive(ctx)
		assert.ErrorIs(t, err, types.ErrLocationUnavailable)
	})
}

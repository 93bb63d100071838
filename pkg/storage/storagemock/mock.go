package storagemock

import (
	"context"
	"time"

	"github.com/soccast/soccast/pkg/storage"
	"github.com/soccast/soccast/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).(types.Site), args.Error(1)
	}
	return types.Site{}, nil
}

func (m *MockDatabase) ListSites(ctx context.Context) ([]types.Site, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		if args.Get(0) == nil {
			return nil, args.Error(1)
		}
		return args.Get(0).([]types.Site), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) CreateSite(ctx context.Context, site types.Site) error {
	args := m.Called(ctx, site)
	return args.Error(0)
}

func (m *MockDatabase) UpdateSite(ctx context.Context, site types.Site) error {
	args := m.Called(ctx, site)
	return args.Error(0)
}

func (m *MockDatabase) GetForecastCache(ctx context.Context) (types.ForecastCache, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.ForecastCache), args.Error(1)
	}
	return types.ForecastCache{}, nil
}

func (m *MockDatabase) SetForecastCache(ctx context.Context, cache types.ForecastCache) error {
	args := m.Called(ctx, cache)
	return args.Error(0)
}

func (m *MockDatabase) InsertRun(ctx context.Context, run types.RunRecord) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockDatabase) GetRunHistory(ctx context.Context, start, end time.Time) ([]types.RunRecord, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		if args.Get(0) == nil {
			return nil, args.Error(1)
		}
		return args.Get(0).([]types.RunRecord), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestRun(ctx context.Context) (*types.RunRecord, error) {
	args := m.Called(ctx)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(*types.RunRecord), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}

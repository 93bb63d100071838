package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/soccast/soccast/pkg/types"
)

// maxFileRuns bounds how many run records the file provider retains.
const maxFileRuns = 96

// FileProvider persists everything as a single JSON document on disk. Every
// mutation rewrites the document through a temp file and rename so a crash
// mid-write leaves the previous document intact.
type FileProvider struct {
	mu   sync.Mutex
	path string
	doc  fileDoc
}

type fileDoc struct {
	Settings        *types.Settings      `json:"settings,omitempty"`
	SettingsVersion int                  `json:"settingsVersion,omitempty"`
	Sites           []types.Site         `json:"sites"`
	ForecastCache   *types.ForecastCache `json:"forecastCache,omitempty"`
	Runs            []types.RunRecord    `json:"runs,omitempty"`
}

// configuredFile sets up the file provider.
// It registers flags for configuration.
func configuredFile() *FileProvider {
	path := lflag.String("storage-file-path", "soccast.json", "Path to the JSON document used by the file storage provider")

	f := &FileProvider{}

	lflag.Do(func() {
		f.path = *path
	})

	return f
}

// NewFileProvider returns a provider rooted at path, for tests and tools that
// bypass flag configuration.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Init loads the document from disk. A missing file starts empty.
func (f *FileProvider) Init(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, &f.doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	return nil
}

// Close implements Database. The document is already durable after every
// mutation so there is nothing to flush.
func (f *FileProvider) Close() error {
	return nil
}

// save writes the document to a temp file in the same directory and renames
// it over the old one. Callers must hold f.mu.
func (f *FileProvider) save() error {
	data, err := json.MarshalIndent(f.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage document: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".soccast-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	return nil
}

// GetSettings retrieves the stored settings, or an empty struct at version 0
// when nothing has been stored yet.
func (f *FileProvider) GetSettings(_ context.Context) (types.Settings, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.doc.Settings == nil {
		return types.Settings{}, 0, nil
	}
	return *f.doc.Settings, f.doc.SettingsVersion, nil
}

func (f *FileProvider) SetSettings(_ context.Context, settings types.Settings, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.doc.Settings = &settings
	f.doc.SettingsVersion = version
	return f.save()
}

func (f *FileProvider) GetSite(_ context.Context, siteID string) (types.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.doc.Sites {
		if s.ID == siteID {
			return s, nil
		}
	}
	return types.Site{}, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
}

func (f *FileProvider) ListSites(_ context.Context) ([]types.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sites := make([]types.Site, len(f.doc.Sites))
	copy(sites, f.doc.Sites)
	return sites, nil
}

func (f *FileProvider) CreateSite(_ context.Context, site types.Site) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.doc.Sites {
		if s.ID == site.ID {
			return fmt.Errorf("site already exists: %s", site.ID)
		}
	}
	f.doc.Sites = append(f.doc.Sites, site)
	return f.save()
}

func (f *FileProvider) UpdateSite(_ context.Context, site types.Site) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, s := range f.doc.Sites {
		if s.ID == site.ID {
			f.doc.Sites[i] = site
			return f.save()
		}
	}
	return fmt.Errorf("%w: %s", ErrSiteNotFound, site.ID)
}

func (f *FileProvider) GetForecastCache(_ context.Context) (types.ForecastCache, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.doc.ForecastCache == nil {
		return types.ForecastCache{}, nil
	}
	return *f.doc.ForecastCache, nil
}

func (f *FileProvider) SetForecastCache(_ context.Context, cache types.ForecastCache) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.doc.ForecastCache = &cache
	return f.save()
}

func (f *FileProvider) InsertRun(_ context.Context, run types.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.doc.Runs = append(f.doc.Runs, run)
	sort.Slice(f.doc.Runs, func(i, j int) bool {
		return f.doc.Runs[i].Timestamp.Before(f.doc.Runs[j].Timestamp)
	})
	if len(f.doc.Runs) > maxFileRuns {
		f.doc.Runs = f.doc.Runs[len(f.doc.Runs)-maxFileRuns:]
	}
	return f.save()
}

func (f *FileProvider) GetRunHistory(_ context.Context, start, end time.Time) ([]types.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var runs []types.RunRecord
	for _, r := range f.doc.Runs {
		if r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
			continue
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func (f *FileProvider) GetLatestRun(_ context.Context) (*types.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.doc.Runs) == 0 {
		return nil, nil
	}
	r := f.doc.Runs[len(f.doc.Runs)-1]
	return &r, nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/soccast/soccast/pkg/types"
	_ "modernc.org/sqlite"
)

// runRetention is how long the sqlite provider keeps run records before the
// sweep deletes them.
const runRetention = 60 * 24 * time.Hour

// SQLiteProvider implements the Database interface on a local sqlite file.
// Rows hold the same JSON blobs the other providers store so records stay
// portable between providers.
type SQLiteProvider struct {
	db   *sql.DB
	path string
}

// configuredSQLite sets up the sqlite provider.
// It registers flags for configuration.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("storage-sqlite-path", "soccast.db", "Path to the sqlite database used by the sqlite storage provider")

	s := &SQLiteProvider{}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// NewSQLiteProvider returns a provider rooted at path, for tests and tools
// that bypass flag configuration. Init must still be called.
func NewSQLiteProvider(path string) *SQLiteProvider {
	return &SQLiteProvider{path: path}
}

// Init opens the database and creates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS runs (
		ts TEXT PRIMARY KEY,
		json TEXT NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetSettings retrieves the stored settings, or an empty struct at version 0
// when nothing has been stored yet.
func (s *SQLiteProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT json, version FROM kv WHERE key = 'settings'`)

	var jsonStr string
	var version int
	err := row.Scan(&jsonStr, &version)
	if err == sql.ErrNoRows {
		return types.Settings{}, 0, nil
	}
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to query settings: %w", err)
	}

	var settings types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &settings); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return settings, version, nil
}

func (s *SQLiteProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, json, version) VALUES ('settings', ?, ?)`,
		string(jsonBytes), version)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	row := s.db.QueryRowContext(ctx, `SELECT json FROM sites WHERE id = ?`, siteID)

	var jsonStr string
	err := row.Scan(&jsonStr)
	if err == sql.ErrNoRows {
		return types.Site{}, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
	}
	if err != nil {
		return types.Site{}, fmt.Errorf("failed to query site %s: %w", siteID, err)
	}

	var site types.Site
	if err := json.Unmarshal([]byte(jsonStr), &site); err != nil {
		return types.Site{}, fmt.Errorf("failed to unmarshal site %s: %w", siteID, err)
	}
	return site, nil
}

func (s *SQLiteProvider) ListSites(ctx context.Context) ([]types.Site, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT json FROM sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sites: %w", err)
	}
	defer rows.Close()

	var sites []types.Site
	for rows.Next() {
		var jsonStr string
		if err := rows.Scan(&jsonStr); err != nil {
			return nil, fmt.Errorf("failed to scan site row: %w", err)
		}
		var site types.Site
		if err := json.Unmarshal([]byte(jsonStr), &site); err != nil {
			return nil, fmt.Errorf("failed to unmarshal site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (s *SQLiteProvider) CreateSite(ctx context.Context, site types.Site) error {
	jsonBytes, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site %s: %w", site.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sites (id, json, updated_at) VALUES (?, ?, ?)`,
		site.ID, string(jsonBytes), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create site %s: %w", site.ID, err)
	}
	return nil
}

func (s *SQLiteProvider) UpdateSite(ctx context.Context, site types.Site) error {
	jsonBytes, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site %s: %w", site.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET json = ?, updated_at = ? WHERE id = ?`,
		string(jsonBytes), time.Now().UTC().Format(time.RFC3339), site.ID)
	if err != nil {
		return fmt.Errorf("failed to update site %s: %w", site.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSiteNotFound, site.ID)
	}
	return nil
}

func (s *SQLiteProvider) GetForecastCache(ctx context.Context) (types.ForecastCache, error) {
	row := s.db.QueryRowContext(ctx, `SELECT json FROM kv WHERE key = 'forecast_cache'`)

	var jsonStr string
	err := row.Scan(&jsonStr)
	if err == sql.ErrNoRows {
		return types.ForecastCache{}, nil
	}
	if err != nil {
		return types.ForecastCache{}, fmt.Errorf("failed to query forecast cache: %w", err)
	}

	var cache types.ForecastCache
	if err := json.Unmarshal([]byte(jsonStr), &cache); err != nil {
		return types.ForecastCache{}, fmt.Errorf("failed to unmarshal forecast cache: %w", err)
	}
	return cache, nil
}

func (s *SQLiteProvider) SetForecastCache(ctx context.Context, cache types.ForecastCache) error {
	jsonBytes, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to marshal forecast cache: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, json) VALUES ('forecast_cache', ?)`,
		string(jsonBytes))
	if err != nil {
		return fmt.Errorf("failed to save forecast cache: %w", err)
	}
	return nil
}

// InsertRun stores a run record keyed by its RFC3339 timestamp and sweeps
// records past the retention period.
func (s *SQLiteProvider) InsertRun(ctx context.Context, run types.RunRecord) error {
	jsonBytes, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	ts := run.Timestamp.UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (ts, json) VALUES (?, ?)`,
		ts, string(jsonBytes))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	cutoff := run.Timestamp.Add(-runRetention).UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to sweep old runs: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) GetRunHistory(ctx context.Context, start, end time.Time) ([]types.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT json FROM runs WHERE ts >= ? AND ts < ? ORDER BY ts ASC`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []types.RunRecord
	for rows.Next() {
		var jsonStr string
		if err := rows.Scan(&jsonStr); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		var run types.RunRecord
		if err := json.Unmarshal([]byte(jsonStr), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteProvider) GetLatestRun(ctx context.Context) (*types.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT json FROM runs ORDER BY ts DESC LIMIT 1`)

	var jsonStr string
	err := row.Scan(&jsonStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}

	var run types.RunRecord
	if err := json.Unmarshal([]byte(jsonStr), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal latest run: %w", err)
	}
	return &run, nil
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists settings, sites, the forecast cache, and run records
// as JSON blobs so documents stay portable between providers.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.client.Collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Return default settings if not found
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	jsonStr, err := docJSON(ctx, doc, "settings")
	if err != nil {
		return types.Settings{}, 0, err
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.Any("err", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
// It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	_, err = f.client.Collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// GetSite retrieves a site from the "sites" collection.
func (f *FirestoreProvider) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	doc, err := f.client.Collection("sites").Doc(siteID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Site{}, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
		}
		return types.Site{}, fmt.Errorf("failed to get site %s: %w", siteID, err)
	}

	jsonStr, err := docJSON(ctx, doc, "site")
	if err != nil {
		return types.Site{}, err
	}

	var site types.Site
	if err := json.Unmarshal([]byte(jsonStr), &site); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal site", slog.String("siteID", siteID), slog.Any("err", err))
		return types.Site{}, fmt.Errorf("failed to unmarshal site %s: %w", siteID, err)
	}
	return site, nil
}

// ListSites retrieves all sites from the "sites" collection.
func (f *FirestoreProvider) ListSites(ctx context.Context) ([]types.Site, error) {
	iter := f.client.Collection("sites").Documents(ctx)
	defer iter.Stop()

	var sites []types.Site
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating sites: %w", err)
		}

		jsonStr, err := docJSON(ctx, doc, "site")
		if err != nil {
			// Skip malformed documents
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed site doc", slog.String("siteID", doc.Ref.ID), slog.Any("err", err))
			continue
		}

		var site types.Site
		if err := json.Unmarshal([]byte(jsonStr), &site); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal site", slog.String("siteID", doc.Ref.ID), slog.Any("err", err))
			continue
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// CreateSite creates a new site document in the "sites" collection.
func (f *FirestoreProvider) CreateSite(ctx context.Context, site types.Site) error {
	siteJSON, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site %s: %w", site.ID, err)
	}
	_, err = f.client.Collection("sites").Doc(site.ID).Create(ctx, map[string]interface{}{
		"json":    string(siteJSON),
		"version": types.CurrentSiteVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to create site %s: %w", site.ID, err)
	}
	return nil
}

// UpdateSite updates a site document in the "sites" collection.
func (f *FirestoreProvider) UpdateSite(ctx context.Context, site types.Site) error {
	siteJSON, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site %s: %w", site.ID, err)
	}
	_, err = f.client.Collection("sites").Doc(site.ID).Set(ctx, map[string]interface{}{
		"json": string(siteJSON),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update site %s: %w", site.ID, err)
	}
	return nil
}

// GetForecastCache retrieves the last fetched curve from the
// "config/forecast_cache" document.
func (f *FirestoreProvider) GetForecastCache(ctx context.Context) (types.ForecastCache, error) {
	doc, err := f.client.Collection("config").Doc("forecast_cache").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ForecastCache{}, nil
		}
		return types.ForecastCache{}, fmt.Errorf("failed to fetch forecast cache doc: %w", err)
	}

	jsonStr, err := docJSON(ctx, doc, "forecast cache")
	if err != nil {
		return types.ForecastCache{}, err
	}

	var cache types.ForecastCache
	if err := json.Unmarshal([]byte(jsonStr), &cache); err != nil {
		return types.ForecastCache{}, fmt.Errorf("failed to unmarshal forecast cache: %w", err)
	}
	return cache, nil
}

// SetForecastCache saves the last fetched curve to the
// "config/forecast_cache" document.
func (f *FirestoreProvider) SetForecastCache(ctx context.Context, cache types.ForecastCache) error {
	jsonBytes, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to marshal forecast cache: %w", err)
	}
	_, err = f.client.Collection("config").Doc("forecast_cache").Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": cache.FetchedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save forecast cache: %w", err)
	}
	return nil
}

// InsertRun adds a new run record to the "runs" collection as a JSON blob.
// The document ID is the RFC3339 timestamp for efficient range queries.
func (f *FirestoreProvider) InsertRun(ctx context.Context, run types.RunRecord) error {
	jsonBytes, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	// Use RFC3339 as document ID for lexicographic ordering and efficient range queries
	docID := run.Timestamp.UTC().Format(time.RFC3339)
	_, err = f.client.Collection("runs").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": run.Timestamp,
		"version":   types.CurrentRunRecordVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRunHistory retrieves run records within the specified time range.
// Uses document ID range queries for efficient filtering without reading all documents.
func (f *FirestoreProvider) GetRunHistory(ctx context.Context, start, end time.Time) ([]types.RunRecord, error) {
	coll := f.client.Collection("runs")
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var runs []types.RunRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating runs: %w", err)
		}

		jsonStr, err := docJSON(ctx, doc, "run")
		if err != nil {
			return nil, err
		}

		var run types.RunRecord
		if err := json.Unmarshal([]byte(jsonStr), &run); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal run", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal run (id=%s): %w", doc.Ref.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// GetLatestRun retrieves the most recent run record, or nil when none exist.
func (f *FirestoreProvider) GetLatestRun(ctx context.Context) (*types.RunRecord, error) {
	iter := f.client.Collection("runs").
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run doc: %w", err)
	}

	jsonStr, err := docJSON(ctx, doc, "run")
	if err != nil {
		return nil, err
	}

	var run types.RunRecord
	if err := json.Unmarshal([]byte(jsonStr), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal latest run (id=%s): %w", doc.Ref.ID, err)
	}
	return &run, nil
}

// docJSON extracts the "json" string field every blob document carries.
func docJSON(ctx context.Context, doc *firestore.DocumentSnapshot, kind string) (string, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return "", fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc json not string", slog.String("docID", doc.Ref.ID))
		return "", fmt.Errorf("%s document %s 'json' field is not a string", kind, doc.Ref.ID)
	}
	return jsonStr, nil
}

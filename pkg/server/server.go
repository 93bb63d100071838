package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/soccast/soccast/pkg/common"
	"github.com/soccast/soccast/pkg/estimator"
	"github.com/soccast/soccast/pkg/forecast"
	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/platform"
	"github.com/soccast/soccast/pkg/publish"
	"github.com/soccast/soccast/pkg/storage"
)

// tokenVerifier validates a raw ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API and drives the forecast pipeline. It
// orchestrates the platform, forecast source, estimator, publisher and
// storage.
type Server struct {
	platform  platform.Platform
	source    forecast.Source
	publisher publish.Publisher
	storage   storage.Database
	tracker   *estimator.Tracker
	learner   *estimator.Learner

	listenAddr    string
	oidcClientID  string
	allowedEmails []string
	updateEvery   time.Duration
	verifier      tokenVerifier
	bypassAuth    bool

	// runMu enforces at most one pipeline run in flight
	runMu      sync.Mutex
	httpServer *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(plat platform.Platform, src forecast.Source, namer estimator.Namer, pub publish.Publisher, db storage.Database) *Server {
	srv := &Server{
		platform:  plat,
		source:    src,
		publisher: pub,
		storage:   db,
		tracker:   estimator.NewTracker(db, namer),
		learner:   estimator.NewLearner(),
	}

	// PORT wins when a container platform injects it
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcClientID := lflag.String("server-oidc-client-id", "", "OIDC client ID to verify Bearer tokens against (empty disables auth)")
	oidcIssuer := lflag.String("server-oidc-issuer", "https://accounts.google.com", "OIDC issuer URL")
	allowedEmails := lflag.String("server-allowed-emails", "", "comma-delimited list of emails allowed when OIDC is enabled")
	updateEvery := lflag.Duration("server-update-every", 0, "Run the update pipeline on this interval (0 relies on an external scheduler)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.oidcClientID = *oidcClientID
		srv.updateEvery = *updateEvery
		if *allowedEmails != "" {
			srv.allowedEmails = strings.Split(*allowedEmails, ",")
			for i, email := range srv.allowedEmails {
				srv.allowedEmails[i] = strings.TrimSpace(email)
			}
		}

		if srv.oidcClientID == "" {
			srv.bypassAuth = true
			return
		}
		provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
		if err != nil {
			log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
			os.Exit(1)
		}
		srv.verifier = provider.Verifier(&oidc.Config{ClientID: srv.oidcClientID}).Verify
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/update", s.handleUpdate)
	apiMux.HandleFunc("GET /api/forecast", s.handleForecast)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/sites", s.handleSites)
	apiMux.HandleFunc("GET /api/history/runs", s.handleHistoryRuns)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.headersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.updateEvery > 0 {
		go s.runScheduler(ctx)
	}

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// runScheduler drives the pipeline on a fixed interval for deployments with
// no external scheduler.
func (s *Server) runScheduler(ctx context.Context) {
	log.Ctx(ctx).InfoContext(ctx, "starting update scheduler", slog.Duration("every", s.updateEvery))
	ticker := time.NewTicker(s.updateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.runPipeline(ctx); err != nil && !errors.Is(err, errRunInFlight) {
				log.Ctx(ctx).ErrorContext(ctx, "scheduled update failed", slog.Any("error", err))
			}
		}
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	version := common.Version()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Revision", version)
		next.ServeHTTP(w, r)
	})
}

// headersMiddleware sets baseline security headers. No HSTS: the typical
// deployment is plain HTTP on a LAN.
func (s *Server) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

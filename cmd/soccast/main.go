package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/soccast/soccast/pkg/forecast"
	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/platform"
	"github.com/soccast/soccast/pkg/publish"
	"github.com/soccast/soccast/pkg/server"
	"github.com/soccast/soccast/pkg/storage"
)

func main() {
	// init packages
	plat := platform.Configured()
	src := forecast.Configured()
	namer := forecast.ConfiguredNamer()
	db := storage.Configured()
	pub := publish.Configured(plat)

	// init server
	srv := server.Configured(plat, src, namer, pub, db)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag sets llog's level from the flag, but slog needs it mirrored
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := pub.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close publisher", slog.Any("error", err))
		}
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	// Run blocks until the context is canceled or the listener fails
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

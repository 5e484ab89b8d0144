package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aquacost/aquacost/pkg/aggregate"
	"github.com/aquacost/aquacost/pkg/billing"
	"github.com/aquacost/aquacost/pkg/cache"
	"github.com/aquacost/aquacost/pkg/common"
	"github.com/aquacost/aquacost/pkg/log"
	"github.com/aquacost/aquacost/pkg/metering"
	"github.com/aquacost/aquacost/pkg/server"
	"github.com/aquacost/aquacost/pkg/spot"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	gate := &cache.Gate{}
	client := metering.Configured()
	spotSrc := spot.Configured()
	settings := metering.NewSettings(client)
	bill := billing.Configured(client, spotSrc, settings, gate)
	svc := aggregate.Configured(client, settings, bill, spotSrc, aggregate.NewStore(), gate)

	// init server
	srv := server.Configured(svc, bill, gate)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))
	slog.Info("starting aquacost", slog.String("version", common.Version()))

	if err := client.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run will block until context is canceled or an error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

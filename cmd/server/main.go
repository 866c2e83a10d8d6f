// Package main is the entry point for the buddychat server.
//
// The main package stays minimal: read configuration, build the logger,
// hand both to internal/server and block until shutdown. All real logic
// lives in the internal packages.
package main

import (
	"log/slog"
	"os"

	"github.com/sakif/buddychat/internal/config"
	"github.com/sakif/buddychat/internal/server"
)

func main() {
	// Config comes from defaults, an optional config.yaml, .env and the
	// environment, in increasing precedence.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	srv, err := server.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start blocks until SIGINT/SIGTERM and closes everything on the way out.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpattn/recon/internal/api"
	"github.com/rpattn/recon/internal/config"
	"github.com/rpattn/recon/internal/db"
	"github.com/rpattn/recon/internal/export"
	"github.com/rpattn/recon/internal/loader"
	"github.com/rpattn/recon/internal/metadata"
	"github.com/rpattn/recon/internal/reconcile"
	"github.com/rpattn/recon/internal/tableloader"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	store, err := metadata.NewStore(cfg.MetadataPath)
	if err != nil {
		logger.Error("failed to load metadata", "path", cfg.MetadataPath, "error", err)
		os.Exit(1)
	}

	sources := tableloader.Sources{Files: loader.NewFileLoader(cfg.DataRoot)}
	if cfg.Database.Enabled {
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		sources.Postgres = tableloader.SourceFunc(conn.LoadTable)
	}

	service := reconcile.New(store, sources, reconcile.OptionsFromConfig(cfg), logger)
	exports := export.NewService(
		export.WithExportDirectory(cfg.ExportDirectory),
		export.WithLogger(logger),
	)
	router := api.NewRouter(api.Config{
		Store:          store,
		Source:         sources,
		Reconciler:     service,
		Exports:        exports,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := store.Reload(); err != nil {
				logger.Error("metadata reload failed", "error", err)
				continue
			}
			logger.Info("metadata reloaded", "rules", len(store.Current().Rules()))
		}
	}()

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting reconciliation server", "addr", cfg.ServerAddr, "config", cfg.Source,
			"rules", len(store.Current().Rules()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

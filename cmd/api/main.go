package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"meeplemeet/api/internal/app"
	"meeplemeet/api/internal/auth"
	"meeplemeet/api/internal/config"
	"meeplemeet/api/internal/logger"
	"meeplemeet/api/internal/media"
	"meeplemeet/api/internal/metrics"
	"meeplemeet/api/internal/search"
	"meeplemeet/api/internal/session"
	"meeplemeet/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
		return err
	}

	redisClient, err := session.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	changes := store.NewChangeFeed(redisClient, cfg.Redis.ChannelPrefix)
	pg := store.NewPostgresStore(db, changes, log)
	marks := session.NewRedisWatermarks(redisClient)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.Search.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliMasterKey, cfg.Search.Index, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log)

	opts := []app.Option{
		app.WithSearch(searchService),
		app.WithObserver(searchService),
		app.WithMetrics(m),
		app.WithLogger(log),
	}
	if cfg.Storage.Enabled() {
		photos, err := media.NewMinioPhotos(cfg.Storage)
		if err != nil {
			return err
		}
		opts = append(opts, app.WithPhotos(photos))
	} else {
		log.Info("photo storage not configured; photo messages disabled")
	}

	service := app.New(cfg.Discussion, pg, marks, opts...)

	go searchService.ReindexAllFromPG(ctx, pgfts)

	httpServer := app.NewHTTPServer(service, auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer), cfg.Server.CORSOrigin, log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.Handle("/", httpServer.Handler())

	// No WriteTimeout: discussion streams stay open.
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("MeepleMeet API listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	// Close feeds first so open streams end and Shutdown does not wait on them.
	service.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
	searchService.Wait()
	return nil
}

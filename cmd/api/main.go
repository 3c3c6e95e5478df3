package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bookroom/api/internal/app"
	"bookroom/api/internal/config"
	"bookroom/api/internal/events"
	"bookroom/api/internal/export"
	"bookroom/api/internal/gitrepo"
	"bookroom/api/internal/logger"
	"bookroom/api/internal/media"
	"bookroom/api/internal/ranking"
	"bookroom/api/internal/search"
	"bookroom/api/internal/session"
	"bookroom/api/internal/store"
)

func main() {
	// A missing .env is fine outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()

	var (
		dataStore app.DataStore
		fallback  search.Searcher
		source    search.RecordSource
	)
	switch cfg.StoreDriver {
	case "memory":
		mem := store.NewMemoryStore()
		dataStore = mem
		fallback = search.NewListSearcher(mem)
		log.Warn("using in-memory store, data is lost on restart")
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, store.Migrations); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		dataStore = store.NewPostgresStore(db)
		pgfts := search.NewPgFTS(db)
		fallback = pgfts
		source = pgfts
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}
	gitService := gitrepo.New(cfg.ReposDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback, source, log)

	opts := app.Options{
		Git:    gitService,
		Search: searchService,
		Logger: log,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		sessions := session.NewRedisStoreWithClient(client, dataStore)
		defer sessions.Close()
		opts.Sessions = sessions
		opts.Ranking = ranking.NewBoard(client)
		log.Info("redis sessions and leaderboards enabled")
	}

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		publisher, err := events.Dial(cfg.RabbitMQURL, cfg.EventsExchange, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts.Events = publisher
	}

	var archiver export.Archiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err := media.New(ctx, media.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, log)
		if err != nil {
			return err
		}
		archiver = archive
	}
	opts.Exporter = export.NewService(dataStore, gitService, archiver, log)

	service := app.New(cfg, dataStore, opts)
	if err := service.SeedRankings(ctx); err != nil {
		log.Warn("seed leaderboards", zap.Error(err))
	}
	go searchService.ReindexAll(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", app.NewHTTPServer(service, cfg.CORSOrigin).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bookroom api listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return nil
}

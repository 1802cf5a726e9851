package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"peersupport/api/internal/app"
	"peersupport/api/internal/auth"
	"peersupport/api/internal/changefeed"
	"peersupport/api/internal/config"
	"peersupport/api/internal/feedcache"
	"peersupport/api/internal/identity"
	"peersupport/api/internal/metrics"
	"peersupport/api/internal/sentiment"
	"peersupport/api/internal/session"
	"peersupport/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()

	needsDatabase := cfg.StoreBackend == config.BackendPostgres || cfg.ChangeFeedSource == config.BackendPostgres
	var dataStore app.FeedStore
	if needsDatabase {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		if cfg.StoreBackend == config.BackendPostgres {
			dataStore = store.NewPostgresStore(db)
		}
	}
	if cfg.StoreBackend == config.BackendSupabase {
		supa, err := store.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey)
		if err != nil {
			logger.Fatal("supabase client failed", zap.Error(err))
		}
		dataStore = supa
	}

	var source changefeed.Source
	switch cfg.ChangeFeedSource {
	case config.BackendPostgres:
		pool, err := store.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("change feed pool failed", zap.Error(err))
		}
		defer pool.Close()
		source = changefeed.NewPostgresSource(pool, changefeed.DefaultChannel, logger.Named("changefeed"))
	case config.BackendSupabase:
		rt, err := changefeed.NewRealtimeSource(cfg.SupabaseURL, cfg.SupabaseKey,
			changefeed.WithRealtimeLogger(logger.Named("realtime")))
		if err != nil {
			logger.Fatal("realtime source failed", zap.Error(err))
		}
		source = rt
	}
	feed := changefeed.NewClient(source,
		changefeed.WithLogger(logger.Named("changefeed")),
		changefeed.WithMetrics(collector),
	)
	defer feed.Close()

	var pseudonyms identity.PseudonymStore
	if cfg.RedisURL != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		pseudonyms = redisStore
		logger.Info("pseudonyms stored in redis")
	} else {
		pseudonyms = session.NewMemoryStore()
		logger.Warn("REDIS_URL not set; pseudonyms are kept in memory and lost on restart")
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		logger.Fatal("caller verification setup failed", zap.Error(err))
	}

	classifierOpts := []sentiment.Option{
		sentiment.WithTimeout(cfg.ClassifierTimeout),
		sentiment.WithLogger(logger.Named("sentiment")),
		sentiment.WithMetrics(collector),
	}
	if len(cfg.DistressLabels) > 0 {
		classifierOpts = append(classifierOpts, sentiment.WithDistressLabels(cfg.DistressLabels))
	}
	if cfg.ClassifierURL == "" {
		logger.Warn("CLASSIFIER_URL not set; every post is labelled neutral")
	}

	cache := feedcache.New(
		feedcache.WithLogger(logger.Named("feedcache")),
		feedcache.WithObserver(collector),
		feedcache.WithOrphanRetention(cfg.OrphanRetention),
	)
	service := app.New(app.Deps{
		Store:      dataStore,
		Classifier: sentiment.New(cfg.ClassifierURL, classifierOpts...),
		Identity:   identity.NewResolver(cfg.AdminEmail, pseudonyms),
		ChangeFeed: feed,
		Cache:      cache,
		Gauges:     collector,
		Logger:     logger.Named("service"),
	})
	defer service.Close()
	go service.Run(ctx)

	httpServer := app.NewHTTPServer(service, app.HTTPConfig{
		Verifier:   verifier,
		Metrics:    collector,
		Logger:     logger.Named("http"),
		CORSOrigin: cfg.CORSOrigin,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("feed API listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.StoreBackend),
			zap.String("changefeed", cfg.ChangeFeedSource),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newVerifier(ctx context.Context, cfg config.Config) (auth.Verifier, error) {
	if cfg.AuthMode == config.AuthFirebase {
		return auth.NewFirebaseVerifier(ctx, cfg.FirebaseCredentialsPath)
	}
	return auth.NewTokenVerifier(cfg.CallerTokenSecret), nil
}

// Package main is the entry point for the atlas server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sandmaps/atlas/internal/api"
	"github.com/sandmaps/atlas/internal/auth"
	"github.com/sandmaps/atlas/internal/blob"
	"github.com/sandmaps/atlas/internal/cache"
	"github.com/sandmaps/atlas/internal/cleanup"
	"github.com/sandmaps/atlas/internal/config"
	"github.com/sandmaps/atlas/internal/db"
	"github.com/sandmaps/atlas/internal/feed"
	"github.com/sandmaps/atlas/internal/health"
	"github.com/sandmaps/atlas/internal/image"
	"github.com/sandmaps/atlas/internal/middleware"
	"github.com/sandmaps/atlas/internal/ops"
	"github.com/sandmaps/atlas/internal/poi"
	"github.com/sandmaps/atlas/internal/tracing"
)

var (
	configFile    string
	migrationsDir string
	mapType       string
	gridSquare    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "atlas",
	Short: "Collaborative map annotation server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and change-feed consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, errs := loadConfig()
		if len(errs) > 0 {
			return errs[0]
		}
		conn, err := db.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := db.Migrate(conn, migrationsDir); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to YAML config file")
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "migrations directory")
	serveCmd.Flags().StringVar(&mapType, "map", poi.MapHaggaBasin, "map partition to cache (hagga_basin or deep_desert)")
	serveCmd.Flags().StringVar(&gridSquare, "grid", "", "grid square id, required when --map=deep_desert")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func loadConfig() (*config.Config, []error) {
	// Missing .env is fine; real deployments use environment variables.
	_ = godotenv.Load()
	return config.Load(configFile)
}

func serve() error {
	cfg, errs := loadConfig()
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		return errs[0]
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "summary", cfg.LogSummary())

	scope := poi.Scope{MapType: mapType}
	if mapType == poi.MapDeepDesert {
		if gridSquare == "" {
			return fmt.Errorf("--grid is required when --map=%s", poi.MapDeepDesert)
		}
		scope.GridSquareID = &gridSquare
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "atlas-api",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: 1.0,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	imageRepo := image.NewPostgresRepository(conn, logger)
	poiRepo := poi.NewPostgresRepository(conn, imageRepo, logger)

	// Object storage is optional; without it deletion still removes rows
	// and reports the skipped blob layer as warnings.
	var objectStore blob.ObjectStore
	var uploader *blob.Uploader
	if cfg.BucketName != "" {
		store, err := blob.NewS3Store(blob.Config{
			BucketName:      cfg.BucketName,
			AccessKeyID:     cfg.BucketAccessKeyID,
			SecretAccessKey: cfg.BucketSecretKey,
			Endpoint:        cfg.BucketEndpoint,
		})
		if err != nil {
			return fmt.Errorf("creating object store: %w", err)
		}
		objectStore = store
		uploader = blob.NewUploader(store, cfg.MaxUploadSizeMB)
	}

	registry := prometheus.NewRegistry()

	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		return fmt.Errorf("registering http metrics: %w", err)
	}
	feedMetrics := feed.NewMetrics()
	if err := feedMetrics.Register(registry); err != nil {
		return fmt.Errorf("registering feed metrics: %w", err)
	}
	cacheMetrics := cache.NewMetrics()
	if err := cacheMetrics.Register(registry); err != nil {
		return fmt.Errorf("registering cache metrics: %w", err)
	}
	opsMetrics := ops.NewMetrics()
	if err := opsMetrics.Register(registry); err != nil {
		return fmt.Errorf("registering ops metrics: %w", err)
	}

	poiCache := cache.NewPoiCache(scope, poiRepo, cacheMetrics, logger)
	if err := poiCache.Load(ctx); err != nil {
		// Degraded start: the cache reconciles via feed events and the
		// read path still serves from the database.
		logger.Warn("initial cache load failed", "error", err)
	}

	var seen feed.SeenStore
	var redisChecker api.HealthChecker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis URL: %w", err)
		}
		redisClient := redis.NewClient(opts)
		seen = feed.NewRedisSeenStore(redisClient, feed.SeenTTL)
		redisChecker = health.NewRedisChecker(redisClient)
	} else {
		seen = feed.NewInMemorySeenStore()
	}

	dispatcher := feed.NewDispatcher(seen, feedMetrics, logger)
	dispatcher.On(feed.TablePois, poiCache.HandlePoiEvent)
	dispatcher.On(feed.TablePoiShares, poiCache.HandleShareEvent)

	feedClient, err := feed.NewClient(
		feed.DefaultConfig(cfg.FeedURL,
			feed.TableFilter{Table: feed.TablePois},
			feed.TableFilter{Table: feed.TablePoiShares},
		),
		dispatcher.Handle(ctx),
		logger,
	)
	if err != nil {
		return fmt.Errorf("creating feed client: %w", err)
	}
	go func() {
		if err := feedClient.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("feed client stopped", "error", err)
		}
	}()

	engine := cleanup.NewEngine(poiRepo, imageRepo, objectStore, logger)
	orchestrator := ops.New(poiRepo, imageRepo, engine, poiCache, nil, opsMetrics, logger)
	reader := poi.NewReader(poiRepo, scope, logger)

	jwtService := auth.NewService(cfg.JWTSecret)

	poiHandlers := api.NewPoiHandlers(reader, poiRepo, orchestrator)
	uploadHandlers := api.NewUploadHandlers(uploader)
	healthHandlers := api.NewHealthHandlers(health.NewDBChecker(conn), redisChecker, feedClient)

	mux := api.NewMux(poiHandlers, uploadHandlers, healthHandlers,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	rateLimitStore := middleware.NewInMemoryRateLimitStore()
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimitStore.Cleanup()
			}
		}
	}()

	// Mutations get a tighter budget than reads. The mutation limiter
	// shares the store with the global one, so its keys carry a prefix to
	// keep the two windows from clobbering each other's buckets.
	userKey := middleware.UserKeyFunc()
	mutationKey := func(r *http.Request) string { return "mut:" + userKey(r) }
	mutationLimiter := middleware.RateLimiter(rateLimitStore, middleware.DefaultMutationLimit(), mutationKey)
	limitMutations := func(next http.Handler) http.Handler {
		limited := mutationLimiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead:
				next.ServeHTTP(w, r)
			default:
				limited.ServeHTTP(w, r)
			}
		})
	}

	handler := middleware.RequestID(
		middleware.Tracing("atlas-api")(
			middleware.Authenticate(jwtService)(
				middleware.RateLimiter(rateLimitStore, middleware.DefaultGlobalLimit(), middleware.UserKeyFunc())(
					limitMutations(
						middleware.HTTPMetrics(httpMetrics)(
							middleware.Logging(logger)(mux)))))))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port, "map", scope.MapType)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"btdrop/internal/api"
	"btdrop/internal/cleanup"
	"btdrop/internal/config"
	"btdrop/internal/files"
	"btdrop/internal/logging"
	"btdrop/internal/session"
	"btdrop/internal/store"
	"btdrop/internal/tracing"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func openRegistry(cfg *config.Config) (store.Registry, error) {
	switch cfg.Registry {
	case config.RegistrySQLite:
		return store.NewSQLiteStore(cfg.SQLitePath)
	case config.RegistryMySQL:
		return store.NewMySQLStore(cfg.MySQLDSN)
	case config.RegistryPostgres:
		return store.NewPostgresStore(cfg.PostgresURL)
	case config.RegistryRedis:
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case config.RegistryMemory:
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry)
}

func openStorage(ctx context.Context, cfg *config.Config) (files.Storage, error) {
	if cfg.Storage == config.StorageS3 {
		return files.NewS3Storage(ctx, files.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	return files.NewFSStorage(cfg.StoragePath)
}

func printStats(reg store.Registry) {
	stats, err := cleanup.New(reg, nil, 0).Stats(context.Background())
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║            btdrop Statistics             ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Sessions:        %-22d║\n", stats.TotalSessions)
	fmt.Printf("║  ├─ Active:       %-22d║\n", stats.ActiveSessions)
	fmt.Printf("║  └─ Expired:      %-22d║\n", stats.ExpiredSessions)
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Files:           %-22d║\n", stats.TotalFiles)
	fmt.Printf("║  Total Storage:   %-22s║\n", humanize.IBytes(uint64(stats.TotalBytes)))
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestUpload.IsZero() {
		fmt.Printf("║  Oldest Upload:   %-22s║\n", stats.OldestUpload.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest Upload:   %-22s║\n", stats.NewestUpload.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No sessions in registry                 ║")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Internal.Fatalf("invalid configuration: %v", err)
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.Registry, "registry", cfg.Registry, "Session registry backend (memory, sqlite, mysql, postgres, redis)")
	flag.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "SQLite database path")
	flag.StringVar(&cfg.StoragePath, "storage", cfg.StoragePath, "File storage directory")
	showStats := flag.Bool("stats", false, "Show registry statistics and exit")
	devMode := flag.Bool("dev", false, "Development mode: disables CORS restrictions and rate limiting")
	corsOrigins := flag.String("cors-origins", "", "Comma-separated list of allowed CORS origins (overrides BTDROP_CORS_ORIGINS)")
	flag.Parse()

	if *corsOrigins != "" {
		cfg.CORSOrigins = config.SplitOrigins(*corsOrigins)
	}
	if err := cfg.Validate(); err != nil {
		logging.Internal.Fatalf("invalid configuration: %v", err)
	}

	reg, err := openRegistry(cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to open %s registry: %v", cfg.Registry, err)
	}
	defer reg.Close()

	// Show stats and exit if requested
	if *showStats {
		printStats(reg)
		return
	}

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logging.Internal.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logging.Internal.Printf("error shutting down tracer: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := openStorage(ctx, cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to initialize %s storage: %v", cfg.Storage, err)
	}
	if cfg.Storage == config.StorageS3 {
		logging.Internal.Printf("using S3 storage (endpoint: %s, bucket: %s)", cfg.S3Endpoint, cfg.S3Bucket)
	} else {
		logging.Internal.Printf("using local filesystem storage (%s)", cfg.StoragePath)
	}
	logging.Internal.Printf("using %s session registry", cfg.Registry)

	allocator := session.NewAllocator(reg, cfg.MaxCodeAttempts)
	sessions := session.NewService(reg, storage, allocator, session.Config{
		Retention:    cfg.Retention,
		MaxTotalSize: cfg.MaxTotalSize,
	})

	scheduler := cleanup.New(reg, storage, cfg.CleanupInterval)
	scheduler.Start(ctx)

	handler := api.NewHandler(sessions, scheduler, cfg.MaxTotalSize)
	handler.Router().Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Configure CORS
	var corsConfig api.CORSConfig
	if *devMode {
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else {
		corsConfig.AllowedOrigins = cfg.CORSOrigins
		logging.Internal.Printf("CORS restricted to origins: %v", cfg.CORSOrigins)
	}

	// Apply middleware (order: Logger -> tracing -> RateLimit -> CORS -> headers -> handler)
	var finalHandler http.Handler = api.SecurityHeaders(handler)
	finalHandler = api.CORS(corsConfig)(finalHandler)
	if !*devMode {
		rlConfig := api.DefaultRateLimitConfig()
		rlConfig.TrustProxy = cfg.TrustProxy
		finalHandler = api.RateLimit(rlConfig)(finalHandler)
		logging.Internal.Printf("rate limiting enabled (trust proxy headers: %v)", cfg.TrustProxy)
	}
	finalHandler = otelhttp.NewHandler(finalHandler, "btdrop")
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s (retention %s, max upload %s)",
		cfg.Addr, cfg.Retention, humanize.IBytes(uint64(cfg.MaxTotalSize)))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}

	// Let an in-flight sweep finish before the registry closes
	scheduler.Stop()
}

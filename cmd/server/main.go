package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cshum/vipsgen/vips"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"slideview/internal/cache"
	"slideview/internal/config"
	httphandlers "slideview/internal/http"
	"slideview/internal/index"
	"slideview/internal/logger"
	"slideview/internal/renderer"
	"slideview/internal/slide"
)

func main() {
	configPath := flag.String("config", os.Getenv("SLIDEVIEW_CONFIG"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.Vips.Concurrency,
		MaxCacheMem:      cfg.Vips.MaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.Vips.MaxCacheMB),
		zap.Int("concurrency", cfg.Vips.Concurrency),
	)

	roots := make([]index.Root, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		roots = append(roots, index.Root{Path: r.Path, Label: r.Label})
	}
	ix := index.New(roots, cfg.Extensions, cfg.Exclude, log)

	store, err := cache.NewStore(cfg.Cache.Backend, cfg.Cache.RedisURL, cfg.Cache.MemoryEntries, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	artifactCache := cache.New(store, cache.TTLs{
		Tree:  cfg.Cache.TTL.Tree,
		Thumb: cfg.Cache.TTL.Thumb,
		Tile:  cfg.Cache.TTL.Tile,
	}, log)
	defer artifactCache.Close()

	pool := slide.NewPool(slide.Open, cfg.Pool.MaxOpenHandles, cfg.Pool.IdleTimeout, log)
	defer pool.Close()

	rend := renderer.New(ix, pool, artifactCache, renderer.Options{
		TileSize:         cfg.Tiles.TileSize,
		Overlap:          cfg.Tiles.Overlap,
		JpegQuality:      cfg.Tiles.JpegQuality,
		ThumbMaxPx:       cfg.Thumbnails.MaxPx,
		PreferAssociated: cfg.Thumbnails.PreferAssociated,
		DecodeTimeout:    cfg.Pool.DecodeTimeout,
	}, log)

	handlers := httphandlers.New(log, ix, rend, artifactCache)

	mux := http.NewServeMux()
	handlers.Register(mux)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSAllowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "If-None-Match"},
	})
	handler := corsMiddleware.Handler(handlers.RequestLoggingMiddleware(mux))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started",
		zap.Int("port", cfg.Server.Port),
		zap.Int("roots", len(cfg.Roots)),
		zap.String("cache_backend", cfg.Cache.Backend),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}

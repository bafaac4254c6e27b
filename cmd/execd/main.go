package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execbox/internal/common/cache"
	commonmw "execbox/internal/common/http/middleware"
	"execbox/internal/execd/controller"
	"execbox/internal/execd/ratelimit"
	"execbox/internal/sandbox"
	"execbox/internal/sandbox/observer"
	"execbox/pkg/utils/logger"
	"execbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/execd.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observer.NewPrometheusRecorder(registry)
	if err != nil {
		logger.Error(context.Background(), "init metrics failed", zap.Error(err))
		return
	}

	var store cache.Cache
	if appCfg.Cache.Enabled {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Cache.Redis)
		if err != nil {
			logger.Error(context.Background(), "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
		store = redisCache
	}

	svc, err := sandbox.NewService(sandbox.Options{
		Config:        appCfg.Sandbox,
		Metrics:       metrics,
		Cache:         store,
		CacheTTL:      appCfg.Cache.TTL,
		MaxConcurrent: appCfg.Exec.MaxConcurrent,
	})
	if err != nil {
		logger.Error(context.Background(), "init sandbox service failed", zap.Error(err))
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Close(ctx); err != nil {
			logger.Warn(ctx, "close sandbox service failed", zap.Error(err))
		}
	}()

	httpServer := buildHTTPServer(appCfg, svc, registry, store)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "execd http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
}

func buildHTTPServer(cfg *AppConfig, svc *sandbox.Service, registry *prometheus.Registry, store cache.Cache) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.CORSMiddleware(cfg.Server.CORS))
	router.Use(requestLogger())

	router.NoRoute(func(c *gin.Context) { response.NotFound(c, "") })
	router.GET("/healthz", healthHandler(store))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	api := router.Group("/api/v1/exec")
	api.Use(maxBodyBytes(cfg.Server.MaxBodyBytes))
	execController := controller.NewExecController(svc, controller.Options{
		AllowExtraFlags: cfg.Exec.AllowExtraFlags,
		AllowNative:     cfg.Exec.AllowNative,
		MaxLimits:       cfg.Exec.MaxLimits,
	})
	var limiter *ratelimit.Limiter
	if store != nil {
		limiter = ratelimit.NewLimiter(store, cfg.Exec.RateLimit.Window, 0)
	}
	api.POST("/run", ratelimit.Middleware(limiter, "run", cfg.Exec.RateLimit), execController.Run)
	api.GET("/languages", execController.Languages)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func healthHandler(store cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if store != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()
			// Cache is optional; a failed ping is reported, not fatal.
			if err := store.Ping(ctx); err != nil {
				status["cache"] = "unavailable"
			} else {
				status["cache"] = "ok"
			}
		}
		response.Success(c, status)
	}
}

func maxBodyBytes(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

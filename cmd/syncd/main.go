package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/nearbyhq/profilesync/internal/store"
	syncsvc "github.com/nearbyhq/profilesync/internal/sync"
	"github.com/nearbyhq/profilesync/pkg/config"
	apperrors "github.com/nearbyhq/profilesync/pkg/errors"
	"github.com/nearbyhq/profilesync/pkg/health"
	"github.com/nearbyhq/profilesync/pkg/logging"
	"github.com/nearbyhq/profilesync/pkg/metrics"
	"github.com/nearbyhq/profilesync/pkg/security"
	"github.com/nearbyhq/profilesync/pkg/tracing"
)

const version = "1.0.0"

func main() {
	// Load .env if present; real environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "profilesync",
		Version:     version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting profilesync daemon", "version", version)

	tracingService, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "profilesync",
		ServiceVersion: version,
		Environment:    os.Getenv("ENVIRONMENT"),
		JaegerEndpoint: os.Getenv("JAEGER_ENDPOINT"),
		SamplingRate:   1.0,
		Enabled:        os.Getenv("TRACING_ENABLED") == "true",
	})
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err.Error())
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingService.Shutdown(ctx); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err.Error())
		}
	}()

	db, err := store.New(&cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, rate limiting falls back to local windows", "error", err.Error())
		}
		cancel()
	}

	m := metrics.NewMetrics(metrics.DefaultConfig())

	cipher, err := security.NewTokenCipher(cfg.Security.TokenKey, cfg.Security.LegacyPassphrase)
	if err != nil {
		logger.Error("Failed to initialize token cipher", "error", err.Error())
		os.Exit(1)
	}

	credentials := store.NewCredentialStore(db)
	history := store.NewSyncHistoryStore(db)

	service, err := syncsvc.NewService(syncsvc.Options{
		Config:      cfg,
		Credentials: credentials,
		History:     history,
		Cipher:      cipher,
		Metrics:     m,
		RedisClient: redisClient,
		TokenSource: tokenSourceFromEnv(),
		Tracing:     tracingService,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("Failed to build sync service", "error", err.Error())
		os.Exit(1)
	}

	healthService := health.NewService(logger, map[string]string{
		"version": version,
	})
	healthService.RegisterChecker("database", health.NewDatabaseChecker(db, "database"))
	if redisClient != nil {
		healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient, "redis"))
	}
	healthService.RegisterChecker("provider_breaker", health.NewBreakerChecker(service.Breaker(), "provider_breaker"))

	router := buildRouter(cfg, m, healthService, service, history)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown failed", "error", err.Error())
	}
}

func buildRouter(cfg *config.Config, m *metrics.Metrics, healthService *health.Service, service *syncsvc.Service, history store.SyncHistoryStoreInterface) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(m.GinMiddleware())

	router.GET("/health", healthService.Handler())
	router.GET("/health/live", healthService.LivenessHandler())
	router.GET("/health/ready", healthService.ReadinessHandler())
	router.GET("/metrics", m.Handler())

	v1 := router.Group("/v1")
	{
		v1.GET("/scopes/:scope_id/resilience", func(c *gin.Context) {
			c.JSON(http.StatusOK, service.Health(c.Param("scope_id")))
		})
		v1.GET("/scopes/:scope_id/history", func(c *gin.Context) {
			limit := 50
			if raw := c.Query("limit"); raw != "" {
				if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
					limit = n
				}
			}

			entries, err := history.ListByScope(c.Request.Context(), c.Param("scope_id"), limit)
			if err != nil {
				status := http.StatusInternalServerError
				if apperrors.IsKind(err, apperrors.KindNotFound) {
					status = http.StatusNotFound
				}
				c.JSON(status, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"entries": entries})
		})
	}

	return router
}

// tokenSourceFromEnv wires the refresh flow to the provider's OAuth
// endpoint when client configuration is present. Without it, expired
// tokens surface as TOKEN_EXPIRED instead of being refreshed in place.
func tokenSourceFromEnv() syncsvc.TokenSourceFactory {
	clientID := os.Getenv("OAUTH_CLIENT_ID")
	clientSecret := os.Getenv("OAUTH_CLIENT_SECRET")
	tokenURL := os.Getenv("OAUTH_TOKEN_URL")
	if clientID == "" || tokenURL == "" {
		return nil
	}

	oc := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return func(ctx context.Context, current *oauth2.Token) oauth2.TokenSource {
		return oc.TokenSource(ctx, current)
	}
}

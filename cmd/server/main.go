package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	presenceapi "github.com/pilab-dev/presence/api/echo"
	redisstore "github.com/pilab-dev/presence/cache/redis"
	"github.com/pilab-dev/presence/config"
	"github.com/pilab-dev/presence/internal/metrics"
	"github.com/pilab-dev/presence/log"
	"github.com/pilab-dev/presence/services"
	"github.com/pilab-dev/presence/transport"
)

var appLogger log.Logger

// headerAuthenticator trusts identity headers set by the upstream gateway,
// which has already authenticated the connection. Host applications embed
// the library and supply their own Authenticator instead.
func headerAuthenticator(r *http.Request) (string, string, string, error) {
	userID := r.Header.Get("X-User-ID")
	deviceID := r.Header.Get("X-Device-ID")
	roleContextID := r.Header.Get("X-Role-Context-ID")
	if userID == "" || deviceID == "" {
		return "", "", "", errors.New("missing identity headers")
	}
	return userID, deviceID, roleContextID, nil
}

// selfInterest notifies only the user's own other sessions about their
// transitions. Host applications replace this with their social or
// organizational graph policy at wiring time.
func selfInterest(_ context.Context, userID string) ([]string, error) {
	return []string{userID}, nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	appLogger = log.NewZerologAdapter(logLevel, cfg.LogPretty)

	ctx := context.Background()
	appLogger.Info(ctx, "Starting presence server", map[string]any{
		"http_port":    cfg.HTTPPort,
		"redis_addr":   cfg.RedisAddr,
		"presence_ttl": cfg.PresenceTTL().String(),
	})
	if parseErr != nil {
		appLogger.Warn(ctx, "Invalid LOG_LEVEL configured, defaulting to 'info'", map[string]any{
			"configured_log_level": cfg.LogLevel,
		})
	}

	metrics.InitCustomMetrics(prometheus.DefaultRegisterer)

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		// Degraded mode: everyone reads as offline until Redis recovers,
		// the next heartbeat self-heals state without intervention.
		appLogger.Warn(ctx, "Redis unreachable at startup, presence degraded", map[string]any{
			"error": err.Error(),
		})
	}
	cancelPing()

	presenceStore := redisstore.NewPresenceStore(redisClient, cfg.KeyPrefix, cfg.RedisDB, cfg.StoreTimeout())
	if err := presenceStore.EnableKeyEvents(ctx); err != nil {
		appLogger.Warn(ctx, "Could not enable keyspace notifications; configure notify-keyspace-events=Ex on the server", map[string]any{
			"error": err.Error(),
		})
	}
	sessionStore := redisstore.NewSessionStore(redisClient, cfg.KeyPrefix, cfg.StoreTimeout())

	registry := services.NewConnectionRegistry(sessionStore, cfg.SessionTTL())
	tracker := services.NewPresenceTracker(presenceStore, cfg.PresenceTTL())
	hub := transport.NewHub(headerAuthenticator, cfg.HeartbeatInterval())
	dispatcher := services.NewNotificationDispatcher(registry, tracker, selfInterest, hub)
	tracker.SubscribeTransitions(dispatcher.HandleTransition)
	core := services.NewCore(registry, tracker, dispatcher, selfInterest)
	hub.SetCore(core)

	runCtx, stopListener := context.WithCancel(ctx)
	go func() {
		if err := tracker.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error(ctx, "Expiry listener stopped", err)
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	presenceapi.NewPresenceAPI(core, hub).RegisterRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(ctx, "HTTP server failed", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info(ctx, "Shutting down presence server")

	stopListener()
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(ctx, "HTTP shutdown failed", err)
	}
	if err := redisClient.Close(); err != nil {
		appLogger.Error(ctx, "Redis close failed", err)
	}
	appLogger.Info(ctx, "Presence server stopped")
}

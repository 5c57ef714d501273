package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"

	"github.com/uplinkd/uplink/pkg/events"
	"github.com/uplinkd/uplink/pkg/middleware"
	"github.com/uplinkd/uplink/pkg/session"
	"github.com/uplinkd/uplink/pkg/storage"
)

func main() {
	config := LoadConfig()

	backend, err := buildBackend(config)
	if err != nil {
		log.Fatal("failed to initialize storage backend", "error", err)
	}

	store, err := session.OpenSQLite(config.Storage.Database)
	if err != nil {
		log.Fatal("failed to open session database", "error", err)
	}
	defer store.Close()

	publisher := buildPublisher(config)
	defer publisher.Close()

	registry := session.NewRegistry(store, store.Files(), backend,
		session.WithPublisher(publisher),
		session.WithConfig(session.Config{
			MaxFileSize:   config.Upload.MaxFileSizeBytes,
			SessionMaxAge: config.Upload.SessionMaxAge,
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.Sweep(ctx, config.Upload.SweepInterval)

	var limiter *middleware.Limiter
	if config.API.RateLimitPerSecond > 0 {
		limiter = middleware.NewLimiter(
			middleware.Rate(config.API.RateLimitPerSecond), config.API.RateLimitBurst)
		go pruneLimiter(ctx, limiter)
	}

	api := NewAPI(registry, config.API.Key, limiter)

	router := gin.Default()
	api.RegisterRoutes(router)

	if watcher, err := NewConfigWatcher(configPath(), func(c *Config) {
		registry.SetMaxFileSize(c.Upload.MaxFileSizeBytes)
		registry.SetSessionMaxAge(c.Upload.SessionMaxAge)
		if limiter != nil && c.API.RateLimitPerSecond > 0 {
			limiter.SetRate(middleware.Rate(c.API.RateLimitPerSecond), c.API.RateLimitBurst)
		}
		log.Info("config reloaded",
			"max_file_size", c.Upload.MaxFileSizeBytes,
			"session_max_age", c.Upload.SessionMaxAge,
			"rate_limit_per_second", c.API.RateLimitPerSecond)
	}); err == nil {
		watcher.Start()
		defer watcher.Stop()
	} else {
		log.Warn("config watcher disabled", "error", err)
	}

	srv := newServer(config.API.Port, router)
	go func() {
		log.Info("starting uplink server", "port", config.API.Port, "backend", config.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")
	cancel()

	// Returning lets the deferred store, publisher and watcher
	// teardown run.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

func newServer(port string, handler http.Handler) *http.Server {
	return &http.Server{Addr: ":" + port, Handler: handler}
}

func pruneLimiter(ctx context.Context, limiter *middleware.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune(time.Hour)
		}
	}
}

func buildBackend(config *Config) (storage.Backend, error) {
	if config.Storage.Backend == "s3" {
		return storage.NewS3(config.Storage.S3)
	}
	return storage.NewLocal(config.Storage.Path)
}

func buildPublisher(config *Config) events.Publisher {
	if config.Events.AMQPURL == "" {
		return events.NullPublisher{}
	}
	publisher, err := events.NewAMQPPublisher(config.Events.AMQPURL, config.Events.Queue)
	if err != nil {
		log.Warn("event publisher disabled", "error", err)
		return events.NullPublisher{}
	}
	log.Info("publishing upload events", "queue", config.Events.Queue)
	return publisher
}

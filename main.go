// Command taskboard serves the task board API and its live change stream.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"taskboard/api"
	"taskboard/auth"
	"taskboard/broadcast"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogJSON {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	store, err := storage.Open(ctx, storage.Options{
		Driver:           cfg.StoreDriver,
		ConnectionString: cfg.StorageConnStr,
		TasksTable:       cfg.TasksTable,
		UsersTable:       cfg.UsersTable,
		DatabaseURL:      cfg.DatabaseURL,
	})
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	var (
		tasksStore domain.TaskStore = store
		health     api.Pinger       = store
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hub := broadcast.NewHub(cfg.StreamBuffer, broadcast.WithHubLogger(logger), broadcast.WithRegisterer(reg))
	publishers := broadcast.Fanout{hub}

	tokens := auth.TokenOptions{
		Secret:   []byte(cfg.JWTSecret),
		TTL:      cfg.TokenTTL,
		Audience: cfg.AuthAudience,
		Issuer:   cfg.AuthIssuer,
	}
	if cfg.JWKSURL != "" {
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{})
		if err != nil {
			logger.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		tokens.JWKS = jwks
	}
	codec, err := auth.NewTokens(tokens)
	if err != nil {
		logger.Fatalf("tokens: %v", err)
	}
	userOpts := []domain.UserServiceOption{domain.WithUserLogger(logger)}

	var relay *broadcast.Relay
	if cfg.RedisConnStr != "" {
		redisOpts, err := config.RedisOptions(cfg.RedisConnStr)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc := redis.NewClient(redisOpts)
		defer rc.Close()
		cache := storage.NewCache(store, rc, cfg.CacheTTL)
		tasksStore, health = cache, cache
		userOpts = append(userOpts, domain.WithDenylist(auth.NewRedisDenylist(rc), cfg.DenylistTTL))
		relay = broadcast.NewRelay(rc, cfg.RelayChannel, hub, logger)
		publishers = append(publishers, relay)
		go relay.Run(ctx)
	}

	var exporter *broadcast.Exporter
	if cfg.EventsQueue != "" {
		sink, err := storage.NewQueueSink(cfg.StorageConnStr, cfg.EventsQueue)
		if err != nil {
			logger.Fatalf("events queue: %v", err)
		}
		exporter = broadcast.NewExporter(sink, broadcast.ExporterOptions{
			Workers: cfg.ExportWorkers,
			Buffer:  cfg.ExportBuffer,
			Timeout: cfg.ExportTimeout,
		}, logger)
		publishers = append(publishers, exporter)
	}

	users := domain.NewUserService(store, auth.NewHasher(auth.DefaultArgon2Params), codec, userOpts...)
	tasks := domain.NewTaskService(tasksStore, users, publishers, domain.WithLogger(logger))

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.SonicSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "taskboard",
		Registerer: reg,
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))

	api.Register(e, tasks, users, hub, health, api.Options{Heartbeat: cfg.StreamHeartbeat}, logger)

	go func() {
		logger.WithField("port", cfg.Port).Info("taskboard listening")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Streams only end once the hub closes their subscriptions.
	hub.Close()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
	if exporter != nil {
		exporter.Close()
	}
	if relay != nil {
		select {
		case <-relay.Done():
		case <-shutdownCtx.Done():
		}
	}
	if err := store.Close(); err != nil {
		logger.WithError(err).Warn("close store")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/gamedeck/panel-gateway/internal/api"
	"github.com/gamedeck/panel-gateway/internal/broadcast"
	"github.com/gamedeck/panel-gateway/internal/config"
	"github.com/gamedeck/panel-gateway/internal/credentials"
	"github.com/gamedeck/panel-gateway/internal/httpclient"
	"github.com/gamedeck/panel-gateway/internal/jobs"
	"github.com/gamedeck/panel-gateway/internal/rate"
	internalsecrets "github.com/gamedeck/panel-gateway/internal/secrets"
	"github.com/gamedeck/panel-gateway/internal/token"
	"github.com/gamedeck/panel-gateway/pkg/eventbus"
	"github.com/gamedeck/panel-gateway/pkg/logger"
	"github.com/gamedeck/panel-gateway/pkg/model"
	"github.com/gamedeck/panel-gateway/pkg/secrets"
	"github.com/gamedeck/panel-gateway/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Infof("starting [%s]...", cfg.ServiceName)

	bus := eventbus.New()

	// --- Credential store ---
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		logg.Fatalw("failed to open credential backend", "backend", cfg.CredentialBackend, "error", err)
	}
	store := credentials.NewStore(backend, bus, logger.Named("credentials"),
		credentials.WithIdentityTTL(cfg.IdentityCacheTTL))
	if err := store.Load(ctx); err != nil {
		logg.Warnw("failed to restore credentials", "error", err)
	}

	// --- Token manager (refresh calls carry their own timeout) ---
	tokenMgr := token.NewManager(store, &http.Client{Timeout: cfg.HTTPTimeout}, token.Config{
		LoginURL:   cfg.URL(cfg.LoginPath),
		RefreshURL: cfg.URL(cfg.RefreshPath),
		ExpirySkew: cfg.ExpirySkew,
	}, logger.Named("token"))

	// --- Request orchestrator ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})
	client := httpclient.New(logger.Named("httpclient"), &http.Client{}, tokenMgr, rateMgr, cfg.RetryPolicy(), cfg.HTTPTimeout)

	// --- Event fan-out ---
	hub := broadcast.NewWSHub(logger.Named("ws"))
	sinks := []broadcast.Sink{hub}

	var natsSink *broadcast.NATSSink
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			logg.Warnw("failed to connect to NATS; events will not be published there", "error", err)
		} else {
			natsSink = broadcast.NewNATSSink(nc, cfg.NATSSubject, cfg.ServiceName)
			sinks = append(sinks, natsSink)
		}
	}

	var amqpSink *broadcast.AMQPSink
	if cfg.AMQPURL != "" {
		amqpSink, err = broadcast.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			logg.Warnw("failed to connect to RabbitMQ; events will not be published there", "error", err)
			amqpSink = nil
		} else {
			sinks = append(sinks, amqpSink)
		}
	}
	forwarder := broadcast.NewForwarder(bus, cfg.ServiceName, logger.Named("broadcast"), sinks...)

	// --- Service-account login from AWS Secrets Manager ---
	stopCleaner := make(chan struct{})
	if cfg.LoginSecretName != "" {
		provider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion, secrets.WithVersionStage(cfg.LoginSecretStage))
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		loginCache := secrets.NewCache[model.LoginRequest](cfg.CacheTTL)
		go loginCache.StartCleaner(cfg.CacheTTL, stopCleaner)

		resolver := internalsecrets.NewLoginResolver(logger.Named("secrets"), cfg.LoginSecretName, provider, loginCache)
		unwatch := resolver.WatchLogout(ctx, bus, tokenMgr)
		defer unwatch()

		if !store.HasSession() {
			if err := resolver.LoginWith(ctx, tokenMgr); err != nil {
				logg.Warnw("service login failed", "error", err)
			}
		}
	}

	// --- Proactive refresh ---
	refresher := jobs.NewTokenRefresher(logger.Named("jobs"), tokenMgr, store, cfg.ProactiveRefreshInterval)
	if cfg.ProactiveRefreshInterval > 0 {
		go refresher.Start(ctx)
	}

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})

	handler := api.NewHandler(logger.Named("api"), tokenMgr, store, client, cfg.APIBaseURL, cfg.URL(cfg.MePath))
	checks := map[string]api.HealthCheck{"store": store.HealthCheck}
	if natsSink != nil {
		checks["nats"] = func(context.Context) error {
			if !natsSink.Connected() {
				return errors.New("disconnected")
			}
			return nil
		}
	}
	api.RegisterRoutes(app, handler, checks)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	// --- Websocket event stream (net/http, fasthttp cannot hijack for gorilla) ---
	var eventsSrv *http.Server
	if cfg.EventsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/events", hub)
		eventsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.EventsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logg.Infof("event stream listening on :%d", cfg.EventsPort)
			if err := eventsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logg.Fatalw("events.listen_failed", "error", err)
			}
		}()
	}

	logg.Infow(fmt.Sprintf("[%s] running", cfg.ServiceName),
		"env", cfg.Env,
		"api_base_url", cfg.APIBaseURL,
		"credential_backend", cfg.CredentialBackend,
		"sinks", len(sinks),
		"authenticated", store.HasSession())

	<-ctx.Done()
	logg.Infof("shutting down [%s]...", cfg.ServiceName)

	close(stopCleaner)
	refresher.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if eventsSrv != nil {
		if err := eventsSrv.Shutdown(shutdownCtx); err != nil {
			logg.Warnw("events.shutdown_failed", "error", err)
		}
	}
	forwarder.Close()
	bus.Wait()
	hub.Close()
	if natsSink != nil {
		natsSink.Close()
	}
	if amqpSink != nil {
		if err := amqpSink.Close(); err != nil {
			logg.Warnw("amqp.close_failed", "error", err)
		}
	}
	if err := closeBackend(); err != nil {
		logg.Warnw("credentials.close_failed", "error", err)
	}
}

// openBackend builds the credential backend selected by CREDENTIAL_BACKEND.
func openBackend(ctx context.Context, cfg *config.Config) (credentials.Backend, func() error, error) {
	log := logger.Named("credentials")
	noop := func() error { return nil }

	switch cfg.CredentialBackend {
	case config.BackendRedis:
		rb, err := credentials.NewRedisBackend(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.RedisKey)
		if err != nil {
			return nil, nil, err
		}
		log.Info("credentials.backend_redis", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		return rb, rb.Close, nil

	case config.BackendPostgres:
		log.Info("credentials.backend_postgres", zap.String("dsn", utils.MaskDSN(cfg.DatabaseURL)))
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		pb := credentials.NewPostgresBackend(pool, "")
		if err := pb.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pb, func() error { pool.Close(); return nil }, nil

	default:
		log.Info("credentials.backend_memory")
		return credentials.NewMemoryBackend(), noop, nil
	}
}

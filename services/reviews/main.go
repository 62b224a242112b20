package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/skiunel/buysewa-sub001/content"
	"github.com/skiunel/buysewa-sub001/identity"
	"github.com/skiunel/buysewa-sub001/ledger"
	"github.com/skiunel/buysewa-sub001/orders"
	"github.com/skiunel/buysewa-sub001/reviews"
	"github.com/skiunel/buysewa-sub001/store"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	_ "go.uber.org/automaxprocs"
)

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	initLogger(cfg)

	// Initialize OpenTelemetry
	tp, err := initTracer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracer")
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Error shutting down tracer")
		}
	}()

	mp, err := initMetrics(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics")
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Error shutting down meter")
		}
	}()

	ctx := context.Background()

	// Initialize dependencies
	st, err := initStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Error closing store")
		}
	}()

	rdb, err := initRedis(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	if rdb != nil {
		defer rdb.Close()
	}

	adapter, err := initLedger(cfg, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ledger")
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing ledger")
		}
	}()

	var (
		directory orders.Directory
		mirror    *orders.MemoryDirectory
	)
	if cfg.Orders.BaseURL != "" {
		directory = orders.NewHTTPDirectory(cfg.Orders.BaseURL, cfg.Orders.Timeout)
	} else {
		mirror = orders.NewMemoryDirectory()
		directory = mirror
		log.Warn().Msg("⚠️ ORDERS_SERVICE_URL not set, using in-memory order directory fed by the delivery webhook")
	}

	var resolver identity.Resolver = identity.NewDerivedResolver(cfg.Identity.Namespace)
	if cfg.Identity.BaseURL != "" {
		resolver = identity.NewHTTPResolver(cfg.Identity.BaseURL, cfg.Identity.Timeout)
	}

	var contents content.Store = content.NewMemoryStore()
	if cfg.Content.IPFSURL != "" {
		contents = content.NewIPFSStore(cfg.Content.IPFSURL, cfg.Content.Timeout)
	}

	var issuanceOpts []reviews.IssuanceOption
	if cfg.DTM.Server != "" {
		issuanceOpts = append(issuanceOpts, reviews.WithScheduler(NewDTMRegistrationScheduler(cfg.DTM.Server, cfg.DTM.ServiceURL)))
	}
	issuance := reviews.NewIssuanceUseCase(st, directory, resolver, adapter, reviews.IssuanceConfig{
		MaxRegistrationAttempts: cfg.Issuance.MaxRegistrationAttempts,
	}, issuanceOpts...)
	redemption := reviews.NewRedemptionUseCase(st, adapter, contents, reviews.RedemptionConfig{
		RedemptionTimeout: cfg.Redemption.Timeout,
		CommitAttempts:    cfg.Redemption.CommitAttempts,
	})
	reconciler := reviews.NewReconciler(st, adapter, contents, issuance, reviews.ReconcilerConfig{
		BatchSize:        cfg.Reconciler.BatchSize,
		OrphanClaimAge:   cfg.Reconciler.OrphanClaimAge,
		UnconfirmedGrace: cfg.Reconciler.UnconfirmedGrace,
	})

	handler := NewReviewHandler(issuance, redemption, reconciler, st, mirror, tp.Tracer(cfg.Service.Name))

	cronScheduler, err := NewReconciliationCron(reconciler, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule reconciliation jobs")
	}
	cronScheduler.Start()

	// Setup Gin router
	if cfg.Service.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.Service.Name))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Service.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Redemption.Timeout + 30*time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Service.Port).Msg("🚀 SDC Reviews Service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	select {
	case <-cronScheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("⚠️ reconciliation jobs still running at shutdown")
	}

	log.Info().Msg("Server exited")
}

func initLogger(cfg *Config) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if lvl, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Service.Env != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", cfg.Service.Name).Logger()
}

func initStore(ctx context.Context, cfg *Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		if err := store.Migrate(cfg.Store.PostgresDSN); err != nil {
			return nil, err
		}
		pool, err := store.ConnectPostgres(ctx, cfg.Store.PostgresDSN, cfg.Store.MaxConns, 30)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("✅ Connected to postgres")
		return store.NewPostgresStore(pool), nil
	case "mongo":
		s, err := store.ConnectMongo(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, err
		}
		log.Info().Str("database", cfg.Store.MongoDatabase).Msg("✅ Connected to mongo")
		return s, nil
	default:
		log.Warn().Msg("⚠️ using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func initRedis(ctx context.Context, cfg *Config) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Redis.Addr, err)
	}
	return rdb, nil
}

func initLedger(cfg *Config, rdb *redis.Client) (*ledger.Adapter, error) {
	var backend ledger.Backend
	switch cfg.Ledger.Backend {
	case "gateway":
		backend = ledger.NewGatewayBackend(cfg.Ledger.GatewayURL, cfg.Ledger.GatewayAPIKey, cfg.Ledger.RequestTimeout)
	default:
		chain, err := ledger.OpenLocalChain(ledger.LocalChainOptions{
			BlockInterval: cfg.Ledger.BlockInterval,
			DataDir:       cfg.Ledger.DataDir,
		})
		if err != nil {
			return nil, fmt.Errorf("opening local chain: %w", err)
		}
		backend = chain
	}

	signer := ledger.NewSignerLock(cfg.Ledger.Signer)
	if rdb != nil {
		rs := redsync.New(goredis.NewPool(rdb))
		signer = ledger.NewDistributedSignerLock(cfg.Ledger.Signer, rs, cfg.Redis.LockExpiry, cfg.Redis.LockTries)
	}

	lcfg := ledger.DefaultConfig()
	lcfg.Confirmations = cfg.Ledger.Confirmations
	lcfg.ConfirmTimeout = cfg.Ledger.ConfirmTimeout
	lcfg.MaxAttempts = cfg.Ledger.MaxAttempts
	return ledger.NewAdapter(backend, signer, lcfg), nil
}

func initTracer(cfg *Config) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(otlpEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics(cfg *Config) (*sdkmetric.MeterProvider, error) {
	ctx := context.Background()

	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(otlpEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}

func serviceResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.Service.Name),
			semconv.ServiceVersion("1.0.0"),
			semconv.DeploymentEnvironment(cfg.Service.Env),
		),
	)
}

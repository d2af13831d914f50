// Command zarahub serves the quota, generation and admin API.
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

	"cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/zarahub/internal/config"
	"github.com/mihaimyh/zarahub/pkg/api"
	"github.com/mihaimyh/zarahub/pkg/auth"
	"github.com/mihaimyh/zarahub/pkg/billing"
	billingprom "github.com/mihaimyh/zarahub/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/zarahub/pkg/billing/stripe"
	"github.com/mihaimyh/zarahub/pkg/generate"
	"github.com/mihaimyh/zarahub/pkg/quota"
	zerologadapter "github.com/mihaimyh/zarahub/pkg/quota/logger/zerolog"
	quotaprom "github.com/mihaimyh/zarahub/pkg/quota/metrics/prometheus"
	firestorestorage "github.com/mihaimyh/zarahub/storage/firestore"
	"github.com/mihaimyh/zarahub/storage/memory"
	"github.com/mihaimyh/zarahub/storage/postgres"
	redisstorage "github.com/mihaimyh/zarahub/storage/redis"
	"github.com/mihaimyh/zarahub/storage/tiered"
)

const (
	metricsNamespace = "zarahub"
	pruneInterval    = time.Hour
	shutdownTimeout  = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zlog := newZerolog(cfg)
	if err := run(cfg, zlog); err != nil {
		zlog.Fatal().Err(err).Msg("server stopped")
	}
}

func newZerolog(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var zlog zerolog.Logger
	if cfg.IsDevelopment() {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "zarahub").Logger()
}

func run(cfg *config.Config, zlog zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerologadapter.NewLogger(zlog)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, pg, closeStore, err := openStorage(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := quota.NewEngine(store, quota.Config{
		UseStorageTime: cfg.UseStorageTime,
		CacheConfig: &quota.CacheConfig{
			Enabled:         cfg.CacheEnabled,
			LimitsTTL:       cfg.LimitsCacheTTL,
			SubscriptionTTL: cfg.SubscriptionCacheTTL,
		},
		CircuitBreakerConfig: &quota.CircuitBreakerConfig{
			Enabled:          cfg.BreakerEnabled,
			FailureThreshold: cfg.BreakerThreshold,
			ResetTimeout:     cfg.BreakerResetTimeout,
		},
		FailOpenOnUsageError: cfg.FailOpenOnUsageError,
		Metrics:              quotaprom.NewMetrics(reg, metricsNamespace),
		Logger:               logger.With("quota"),
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:    []byte(cfg.JWTSecret),
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAud,
		AdminRole: cfg.AdminRole,
		Leeway:    30 * time.Second,
	})
	if err != nil {
		return err
	}

	var generator *generate.Service
	if cfg.GenerationEnabled() {
		client, err := generate.NewClient(generate.ClientConfig{
			TextURL:   cfg.TextURL,
			ImageURL:  cfg.ImageURL,
			SpeechURL: cfg.SpeechURL,
			APIKey:    cfg.GenerateAPIKey,
			Timeout:   cfg.GenerateTimeout,
		})
		if err != nil {
			return fmt.Errorf("create generation client: %w", err)
		}
		generator = generate.NewService(engine, client, logger.With("generate"))
	}

	handler, err := api.NewHandler(api.Config{
		Engine:    engine,
		Generator: generator,
		Logger:    logger.With("api"),
	})
	if err != nil {
		return err
	}

	var billingProvider billing.Provider
	if cfg.StripeWebhookSecret != "" {
		mapping, err := billing.ParseTierMapping(cfg.StripeTierMapping)
		if err != nil {
			return err
		}
		billingLogger := logger.With("billing")
		billingProvider, err = stripe.NewProvider(stripe.Config{Config: billing.Config{
			Subscriptions: engine,
			TierMapping:   mapping,
			WebhookSecret: cfg.StripeWebhookSecret,
			APIKey:        cfg.StripeSecretKey,
			Metrics:       billingprom.NewMetrics(reg, metricsNamespace),
			Logger:        billingLogger,
			OnUpdate: func(_ context.Context, e billing.Event) {
				billingLogger.Info("tier changed",
					quota.UserField(e.UserID),
					quota.Field{Key: "from", Value: e.PreviousTier.String()},
					quota.Field{Key: "to", Value: e.NewTier.String()},
				)
			},
		}})
		if err != nil {
			return fmt.Errorf("create stripe provider: %w", err)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(zlog))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if billingProvider != nil {
		r.Handle("/webhooks/"+billingProvider.Name(), billingProvider.WebhookHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware(nil))
		if billingProvider != nil {
			r.Post("/v1/billing/sync", syncHandler(billingProvider))
		}
		r.Handle("/v1/*", handler.Routes())
	})

	if pg != nil && cfg.UsageRetentionDays > 0 {
		go pruneUsage(ctx, pg, cfg.UsageRetentionDays, zlog)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("addr", srv.Addr).Str("storage", cfg.Storage).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStorage returns the configured storage and, when postgres is involved,
// the concrete adapter so retention can run against it.
func openStorage(ctx context.Context, cfg *config.Config, zlog zerolog.Logger) (quota.Storage, *postgres.Storage, func(), error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		pg, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg, pg.Close, nil

	case config.StorageRedis:
		store, err := openRedis(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() { _ = store.Close() }, nil

	case config.StorageTiered:
		pg, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		hot, err := openRedis(ctx, cfg)
		if err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		store, err := tiered.New(tiered.Config{
			Hot:            hot,
			Cold:           pg,
			AsyncUsageSync: cfg.TieredAsyncSync,
			AsyncErrorHandler: func(err error) {
				zlog.Warn().Err(err).Msg("tiered storage drift")
			},
		})
		if err != nil {
			_ = hot.Close()
			pg.Close()
			return nil, nil, nil, err
		}
		return store, pg, func() {
			_ = store.Close()
			_ = hot.Close()
			pg.Close()
		}, nil

	case config.StorageFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open firestore: %w", err)
		}
		store, err := firestorestorage.New(client, firestorestorage.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return store, nil, func() { _ = client.Close() }, nil

	default:
		return memory.New(), nil, func() {}, nil
	}
}

func openPostgres(ctx context.Context, cfg *config.Config) (*postgres.Storage, error) {
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.MaxConns = cfg.DBMaxConns
	pgConfig.AutoMigrate = cfg.DBAutoMigrate
	pg, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return pg, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redisstorage.Storage, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	redisConfig := redisstorage.DefaultConfig()
	redisConfig.UsageTTL = cfg.RedisUsageTTL
	store, err := redisstorage.New(client, redisConfig)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// pruneUsage deletes ledger rows older than the retention window every hour
func pruneUsage(ctx context.Context, pg *postgres.Storage, days int, zlog zerolog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		before := quota.DayOf(time.Now().UTC()).Add(-days)
		n, err := pg.PruneUsage(ctx, before)
		if err != nil && ctx.Err() == nil {
			zlog.Warn().Err(err).Msg("usage pruning failed")
		} else if n > 0 {
			zlog.Info().Int64("rows", n).Str("before", before.String()).Msg("pruned usage")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// syncHandler lets a signed-in user re-read their own subscription from billing
func syncHandler(provider billing.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFrom(r.Context())
		if !ok {
			api.WriteError(w, api.ErrUnauthenticated)
			return
		}
		tier, err := provider.SyncUser(r.Context(), id.UserID)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"tier":%q}`, tier.String())
	}
}

func requestLogger(zlog zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			zlog.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

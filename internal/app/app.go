package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/promotion"
	"github.com/xenking/discount-engine/internal/events"
	"github.com/xenking/discount-engine/internal/storage/memory"
	"github.com/xenking/discount-engine/internal/storage/postgres"
	"github.com/xenking/discount-engine/pkg/health"
)

// Run creates all dependencies, consumes checkout events, serves health probes
// and handles graceful shutdown. It is the single wiring point for the worker.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("storage", cfg.Storage),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.String("health_addr", cfg.HealthAddr),
	)

	healthSvc := health.New(lg.Named("health"))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	var repo discount.Repository
	switch cfg.Storage {
	case StorageMemory:
		repo = memory.New()
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "create db pool")
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
		repo = postgres.NewDiscountRepository(pool)
	}

	svc, err := promotion.NewService(repo,
		promotion.WithMeterProvider(m.MeterProvider()),
		promotion.WithTracerProvider(m.TracerProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create promotion service")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Kafka.Enabled {
		client, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Kafka.Brokers...),
			kgo.ConsumerGroup(cfg.Kafka.Group),
			kgo.ConsumeTopics(cfg.Kafka.Topic),
			kgo.DisableAutoCommit(),
		)
		if err != nil {
			return errors.Wrap(err, "create kafka client")
		}
		defer client.Close()

		adm := kadm.NewClient(client)
		if err := events.EnsureTopics(ctx, adm, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor,
			cfg.Kafka.Topic, cfg.Kafka.DLQTopic,
		); err != nil {
			return errors.Wrap(err, "ensure topics")
		}
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, func(ctx context.Context) error {
			return events.Ping(ctx, adm)
		})

		consumer := events.NewConsumer(client, svc, events.ConsumerConfig{
			DLQTopic:     cfg.Kafka.DLQTopic,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			RetryBackoff: cfg.Kafka.RetryBackoff,
		})
		g.Go(func() error {
			lg.Info("Consuming checkout events",
				zap.Strings("brokers", cfg.Kafka.Brokers),
				zap.String("topic", cfg.Kafka.Topic),
				zap.String("group", cfg.Kafka.Group),
			)
			return consumer.Run(zctx.With(gctx, zap.String("component", "consumer")))
		})
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.HealthAddr,
		Handler: otelhttp.NewHandler(healthSvc.Handler(), "health",
			otelhttp.WithMeterProvider(m.MeterProvider()),
			otelhttp.WithTracerProvider(m.TracerProvider()),
		),
	}

	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down probe server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Probe server listening", zap.String("addr", cfg.HealthAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

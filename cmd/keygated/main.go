package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-keygate/v1/broker"
	"github.com/mirkobrombin/go-keygate/v1/config"
	"github.com/mirkobrombin/go-keygate/v1/metrics"
	"github.com/mirkobrombin/go-keygate/v1/notify"
	"github.com/mirkobrombin/go-keygate/v1/pool"
	"github.com/mirkobrombin/go-keygate/v1/retry"
	"github.com/mirkobrombin/go-keygate/v1/stats"
	"github.com/mirkobrombin/go-keygate/v1/store"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("keygate: configuration error", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("keygate: trace exporter init failed", "error", err)
			os.Exit(1)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	st := store.NewBreaker(store.NewRedis(client), cfg.BreakerThreshold, cfg.BreakerTimeout)
	defer st.Close()

	p, err := pool.New(cfg.PoolCredentials(), pool.WithRequiredPrefix(cfg.CredentialPrefix))
	if err != nil {
		slog.Error("keygate: credential pool error", "error", err)
		os.Exit(1)
	}

	recorder, cleanup, err := buildRecorder(cfg, st)
	if err != nil {
		slog.Error("keygate: stats sink error", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	bus, err := buildBus(cfg)
	if err != nil {
		slog.Error("keygate: event bus error", "error", err)
		os.Exit(1)
	}

	b := broker.New(st, p,
		broker.WithPrefix(cfg.ServiceName),
		broker.WithDefaultTTL(cfg.DefaultLockTTL),
		broker.WithMaxTTL(cfg.MaxLockTTL),
		broker.WithRetryPolicy(retry.Policy{
			MaxAttempts:  cfg.RetryAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			Multiplier:   2.0,
			MaxDelay:     cfg.RetryMaxDelay,
		}),
		broker.WithRecorder(recorder),
		broker.WithBus(bus),
	)

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: newHandler(b, reg),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		broker.NewJanitor(b, cfg.JanitorInterval).Run(ctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("keygate: listening", "addr", srv.Addr, "pool_size", p.Size())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("keygate: shutting down with error", "error", err)
		recorder.Close()
		os.Exit(1)
	}
	recorder.Close()
	slog.Info("keygate: shutdown complete")
}

func buildRecorder(cfg *config.Settings, st store.Store) (*stats.Recorder, func(), error) {
	opts := []stats.Option{
		stats.WithPrefix(cfg.ServiceName),
		stats.WithRetention(cfg.StatsRetention),
	}
	if !cfg.StatsEnabled {
		return stats.NewRecorder(nil, stats.Disabled()), func() {}, nil
	}
	if cfg.StatsSink == "kafka" {
		sink, err := stats.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, nil)
		if err != nil {
			return nil, nil, err
		}
		return stats.NewRecorder(sink, opts...), func() { _ = sink.Close() }, nil
	}
	return stats.NewRecorder(stats.NewStoreSink(st), opts...), func() {}, nil
}

func buildBus(cfg *config.Settings) (notify.Bus, error) {
	if cfg.BusBackend != "nats" {
		return notify.NewInMemoryBus(), nil
	}
	conn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	return notify.NewNATSBus(conn), nil
}

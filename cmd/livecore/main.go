package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/livecore/internal/server"
	"github.com/a-essam23/livecore/pkg/aggregate"
	"github.com/a-essam23/livecore/pkg/config"
	"github.com/a-essam23/livecore/pkg/history/pgstore"
	"github.com/a-essam23/livecore/pkg/ingest"
	"github.com/a-essam23/livecore/pkg/logging"
	"github.com/a-essam23/livecore/pkg/presence"
	"github.com/a-essam23/livecore/pkg/presence/redismirror"
	"github.com/a-essam23/livecore/pkg/sink"
	"github.com/go-redis/redis/v8"
)

func main() {
	logger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := collaborators(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to connect collaborators", slog.Any("error", err))
		os.Exit(1)
	}

	app, err := server.NewApp(logger, ctx, cfg, opts)
	if err != nil {
		logger.Error("Failed to build application", slog.Any("error", err))
		closeAll(logger, opts.Closers)
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

// collaborators connects the optional external systems named in cfg.
func collaborators(ctx context.Context, logger *slog.Logger, cfg *config.Config) (server.Options, error) {
	var opts server.Options

	if cfg.History.Driver == "postgres" {
		store, err := pgstore.Open(ctx, cfg.History.DSN)
		if err != nil {
			return opts, err
		}
		opts.Store = store
		opts.Closers = append(opts.Closers, store)
		logger.Info("Version history stored in postgres")
	}

	if r := cfg.Presence.Redis; r.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			closeAll(logger, opts.Closers)
			return opts, err
		}
		opts.PresenceListeners = []presence.Listener{redismirror.New(logger, client, r.TTL)}
		opts.Closers = append(opts.Closers, client)
		logger.Info("Presence mirrored to redis", slog.String("addr", r.Addr))
	}

	if cfg.AMQP.Enabled() {
		s, err := sink.Dial(logger, cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			closeAll(logger, opts.Closers)
			return opts, err
		}
		opts.Subscribers = []aggregate.Subscriber{s}
		opts.Closers = append(opts.Closers, s)
		logger.Info("Events forwarded to amqp", slog.String("exchange", cfg.AMQP.Exchange))
	}

	if cfg.Kafka.Enabled() {
		opts.EventReader = ingest.NewReader(ingest.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		logger.Info("Consuming domain events from kafka", slog.String("topic", cfg.Kafka.Topic))
	}
	return opts, nil
}

func closeAll(logger *slog.Logger, closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to close collaborator", slog.Any("error", err))
		}
	}
}

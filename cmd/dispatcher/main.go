package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"social-publisher/internal/config"
	"social-publisher/internal/dispatcher"
	"social-publisher/internal/media"
	"social-publisher/internal/outbox"
	"social-publisher/internal/provider"
	"social-publisher/internal/queue"
	"social-publisher/internal/ratelimit"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
	"social-publisher/internal/token"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env).With().Str("service", "dispatcher").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN, cfg.EventTopic)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	limiter := ratelimit.New(redisClient, cfg.RateLimitWindow, nil, 0)
	observer := func(accountID, class string, remaining int, resetAt time.Time) {
		if err := limiter.SyncFromHeaders(context.Background(), accountID, class, remaining, resetAt); err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Str("class", class).Msg("sync rate headers")
		}
	}
	registry := provider.NewRegistry(
		provider.NewTwitter(cfg.TwitterClientID, observer),
		provider.NewMastodon(cfg.MastodonInstance, observer),
		provider.NewLinkedIn(cfg.LinkedInClientID, cfg.LinkedInClientSecret, observer),
	)

	tokens := token.New(st, registry, limiter, cfg.RefreshMargin, log)
	deferred := queue.NewDeferred(redisClient, cfg.VisibilityTimeout)

	prober, err := media.NewProber(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init media prober")
	}
	if prober == nil {
		log.Warn().Msg("media probing disabled: no bucket configured")
	}

	producer, err := outbox.NewSyncProducer(cfg.KafkaBrokers)
	if err != nil {
		log.Fatal().Err(err).Msg("connect kafka")
	}
	defer producer.Close()
	sender := outbox.NewSender(outbox.NewRepository(st.Pool(), cfg.OutboxRetries), producer,
		cfg.OutboxInterval, cfg.OutboxBatch, cfg.OutboxRetention, log)
	sender.Start(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	d := dispatcher.New(cfg, st, registry, tokens, limiter, deferred, prober, log)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("dispatcher stopped")
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

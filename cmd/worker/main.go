package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"meshid/api/internal/cache"
	"meshid/api/internal/config"
	"meshid/api/internal/log"
	"meshid/api/internal/mail"
	"meshid/api/internal/queue"
	"meshid/api/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level).With().Str("component", "mail-worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	processor := tasks.NewProcessor(mail.NewMailer(cfg.SMTP, cfg.Mail, logger), logger)
	consumer := queue.NewConsumer(client, queue.Options{
		Stream:        cfg.Redis.MailStream,
		Group:         cfg.Redis.MailGroup,
		Consumer:      cfg.Redis.Consumer,
		ClaimInterval: cfg.Redis.ClaimInterval,
		MaxDeliveries: cfg.Redis.MaxDeliveries,
	}, logger, processor)

	if err := consumer.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("create consumer group")
	}

	logger.Info().Str("stream", cfg.Redis.MailStream).Msg("mail worker started")
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("consumer stopped unexpectedly")
	}
	logger.Info().Msg("mail worker stopped")
}

package main

import (
	"context"
	"crypto/x509/pkix"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"meshid/api/internal/ca"
	"meshid/api/internal/cache"
	"meshid/api/internal/config"
	"meshid/api/internal/database"
	"meshid/api/internal/handlers"
	"meshid/api/internal/jobs"
	"meshid/api/internal/log"
	"meshid/api/internal/mail"
	"meshid/api/internal/mesh"
	"meshid/api/internal/middleware"
	"meshid/api/internal/repository"
	"meshid/api/internal/server"
	"meshid/api/internal/service"
	"meshid/api/internal/storage"
)

const (
	caCertObject  = "ca/root.crt"
	caKeyObject   = "ca/root.key"
	caLockKey     = "meshid:ca:generate"
	caLockTTL     = time.Minute
	shutdownGrace = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api exited with error")
	}
	logger.Info().Msg("server exited cleanly")
}

func run(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) error {
	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbPool.Close()

	if cfg.Postgres.Migrate {
		if err := database.Migrate(ctx, dbPool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("redis close error")
			}
		}()
	}

	keyStore, err := newKeyStore(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	authority := ca.NewManager(keyStore, ca.Config{
		ValidityDays: cfg.CA.ValidityDays,
		RootValidity: cfg.CA.RootValidity,
		Subject: pkix.Name{
			CommonName:   cfg.CA.CommonName,
			Organization: []string{cfg.CA.Organization},
			Country:      []string{cfg.CA.Country},
		},
	}, logger.With().Str("component", "ca").Logger())
	if err := authority.EnsureRoot(ctx); err != nil {
		return fmt.Errorf("ca root: %w", err)
	}

	meshClient := mesh.NewClient(mesh.Config{
		RootAgentURL: cfg.ZTM.RootAgentURL,
		MeshName:     cfg.ZTM.MeshName,
		Timeout:      cfg.ZTM.Timeout,
		MeshInfoTTL:  cfg.ZTM.MeshInfoTTL,
	}, logger.With().Str("component", "mesh").Logger())
	if !meshClient.CheckConnectivity(ctx) {
		logger.Warn().Str("url", cfg.ZTM.RootAgentURL).Msg("mesh agent not reachable at startup")
	}
	permits := mesh.NewPermitIssuer(meshClient, cfg.CA.ValidityDays)

	dispatcher, closeDispatcher := newDispatcher(ctx, cfg, redisClient, logger)
	defer closeDispatcher()
	notifier := mail.NewNotifier(dispatcher, cfg.Frontend.URL, logger)

	store := repository.NewPostgresStore(dbPool)
	meshService := service.NewMeshService(store, meshClient, permits, notifier, cfg, logger)
	services := handlers.Services{
		Auth:         service.NewAuthService(store, notifier, meshService, cfg, logger),
		Enrollment:   service.NewEnrollmentService(store, notifier, authority, cfg, logger),
		Mesh:         meshService,
		Devices:      service.NewDeviceService(store, logger),
		Certificates: service.NewCertificateService(store, logger),
	}

	var limiter middleware.Allower
	if redisClient != nil {
		limiter = redis_rate.NewLimiter(redisClient)
	}
	handlerSet := handlers.NewHandlerSet(logger, cfg, services, limiter, healthChecks(dbPool, redisClient)...)
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	sweeper := jobs.NewSweeper(store, logger.With().Str("component", "sweeper").Logger()).
		WithDeviceCleanup(services.Devices, cfg.Sweeper.InactiveDeviceDays)
	scheduler := jobs.NewScheduler(sweeper, cfg.Sweeper.Schedule, cfg.Sweeper.Timeout, logger)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		scheduler.Stop(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// connectRedis returns a nil client when Redis is optional for the chosen
// configuration and cannot be reached.
func connectRedis(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*redis.Client, error) {
	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err == nil {
		return client, nil
	}
	if cfg.Mail.Mode == config.MailModeRedis || cfg.CA.Backend == config.CABackendObject {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Warn().Err(err).Msg("redis unavailable, rate limiting disabled")
	return nil, nil
}

func newKeyStore(ctx context.Context, cfg *config.AppConfig, redisClient *redis.Client) (ca.KeyStore, error) {
	if cfg.CA.Backend != config.CABackendObject {
		return ca.NewFileKeyStore(cfg.CA.CertPath, cfg.CA.KeyPath), nil
	}

	objects, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	lock := cache.NewLock(redisClient, caLockKey, caLockTTL)
	return ca.NewObjectKeyStore(objects, lock, caCertObject, caKeyObject), nil
}

func newDispatcher(ctx context.Context, cfg *config.AppConfig, redisClient *redis.Client, logger zerolog.Logger) (mail.Dispatcher, func()) {
	if cfg.Mail.Mode == config.MailModeRedis {
		return mail.NewOutboxPublisher(redisClient, cfg.Redis.MailStream, logger), func() {}
	}

	mailer := mail.NewMailer(cfg.SMTP, cfg.Mail, logger)
	dispatcher := mail.NewAsyncDispatcher(mailer, cfg.Mail.Workers, cfg.Mail.QueueSize, logger)
	// Workers outlive the signal context so Close can drain the queue.
	dispatcher.Start(context.WithoutCancel(ctx))
	return dispatcher, dispatcher.Close
}

func healthChecks(db *pgxpool.Pool, redisClient *redis.Client) []handlers.HealthCheck {
	checks := []handlers.HealthCheck{{Name: "database", Check: db.Ping}}
	if redisClient != nil {
		checks = append(checks, handlers.HealthCheck{Name: "cache", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	return checks
}

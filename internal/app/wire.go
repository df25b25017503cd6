package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/calegray/flashhawk/internal/blob/s3"
	"github.com/calegray/flashhawk/internal/cache/redis"
	"github.com/calegray/flashhawk/internal/config"
	"github.com/calegray/flashhawk/internal/domain"
	"github.com/calegray/flashhawk/internal/notify"
	"github.com/calegray/flashhawk/internal/store/postgres"
)

// Dependencies bundles the infrastructure every mode builds on. Pipeline
// components (gate, scheduler, settlement) are assembled per mode on top of
// these.
type Dependencies struct {
	// Postgres
	PG         *postgres.Client
	ExecStore  domain.ExecutionStore
	AuditStore domain.AuditStore

	// Redis
	Redis      *redis.Client
	PriceCache domain.PriceCache
	Locks      domain.LockManager
	Bus        domain.SignalBus

	// S3
	S3         *s3blob.Client
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsRedis reports whether the mode consumes the signal bus and caches.
// Replay works entirely from the execution store.
func needsRedis(mode string) bool {
	return mode != "replay"
}

// needsS3 reports whether the mode runs the cold-storage archiver.
func needsS3(mode string) bool {
	return mode == "run"
}

// Wire constructs the concrete infrastructure from configuration and returns
// it with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pg.Close)

	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	deps.PG = pg
	deps.ExecStore = postgres.NewExecutionStore(pg.Pool())
	deps.AuditStore = postgres.NewAuditStore(pg.Pool())

	// --- Redis ---
	if needsRedis(cfg.Mode) {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Redis = rc
		deps.PriceCache = redis.NewPriceCache(rc)
		deps.Locks = redis.NewLockManager(rc)
		deps.Bus = redis.NewSignalBus(rc)
	}

	// --- S3 blob storage + archiver ---
	if needsS3(cfg.Mode) {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.S3 = s3c
		deps.BlobWriter = s3blob.NewWriter(s3c)
		deps.Archiver = s3blob.NewArchiver(s3blob.ArchiverConfig{
			Retention:         cfg.Ledger.ArchiveRetention.Duration,
			Interval:          cfg.Ledger.ArchiveInterval.Duration,
			DeleteAfterUpload: true,
		}, deps.ExecStore, deps.BlobWriter, deps.AuditStore, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

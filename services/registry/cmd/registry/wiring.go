package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"copyreg/internal/metrics"
	"copyreg/pkg/notify"
	"copyreg/pkg/queue"
	"copyreg/pkg/storage"
	"copyreg/pkg/store"
	"copyreg/services/registry/internal/app"
	"copyreg/services/registry/internal/config"
)

const (
	defaultSessionTTL = 24 * time.Hour
	notifyStream      = "copyreg:notifications"
	notifyGroup       = "notifiers"
)

// runtime holds everything built from config plus the closers to release it.
type runtime struct {
	app     *app.App
	store   *store.GormStore
	queue   *queue.StreamQueue
	deliver notify.Sender
	closers []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			slog.Warn("close failed", "err", err)
		}
	}
}

func openStore(cfg config.FileConfig) (*store.GormStore, error) {
	if cfg.DatabaseURL != "" {
		return store.NewGormStore(cfg.DatabaseURL)
	}
	return store.NewSQLiteStore(cfg.SQLitePath)
}

func openSessions(cfg config.FileConfig, ttl time.Duration) (store.SessionStore, func() error, error) {
	if cfg.SessionStore == "redis" {
		s := store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, ttl)
		return s, s.Close, nil
	}
	leeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		return nil, nil, err
	}
	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	closeRevoker := func() error { return nil }
	if cfg.RedisAddr != "" {
		// per-user cutoffs must outlive every token issued before them
		r := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword, ttl)
		revoker, closeRevoker = r, r.Close
	}
	s, err := store.NewJWTSessionStore(cfg.JWTSecret, ttl, revoker, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		_ = closeRevoker()
		return nil, nil, err
	}
	return s, closeRevoker, nil
}

func openBlobs(cfg config.FileConfig) (storage.BlobStore, error) {
	if cfg.StorageBackend == "minio" {
		s, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := storage.NewFileStore(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openSender(cfg config.FileConfig, logger *slog.Logger) (notify.Sender, func() error, error) {
	switch cfg.Notifier {
	case "smtp":
		s, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	case "amqp":
		s, err := notify.NewAMQPSender(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return notify.NewLogSender(logger), func() error { return nil }, nil
	}
}

// build opens every backing service named in cfg and assembles the core.
func build(cfg config.FileConfig, logger *slog.Logger, m *metrics.Metrics) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		rt.Close()
		return nil, err
	}

	db, err := openStore(cfg)
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	rt.store = db
	rt.closers = append(rt.closers, db.Close)

	ttl, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		return fail(err)
	}
	if ttl == 0 {
		ttl = defaultSessionTTL
	}
	sessions, closeSessions, err := openSessions(cfg, ttl)
	if err != nil {
		return fail(fmt.Errorf("open sessions: %w", err))
	}
	rt.closers = append(rt.closers, closeSessions)

	blobs, err := openBlobs(cfg)
	if err != nil {
		return fail(fmt.Errorf("open blob storage: %w", err))
	}

	sender, closeSender, err := openSender(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("open notifier: %w", err))
	}
	rt.closers = append(rt.closers, closeSender)
	rt.deliver = sender
	if cfg.NotifyQueue {
		q, err := queue.NewStreamQueue(queue.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   notifyStream,
			Group:    notifyGroup,
		})
		if err != nil {
			return fail(fmt.Errorf("open notification queue: %w", err))
		}
		rt.queue = q
		rt.closers = append(rt.closers, func() error {
			q.Wait()
			return q.Close()
		})
		sender = notify.NewQueuedSender(q)
	}

	downloadTTL, err := config.ParseDuration("downloadURLTTL", cfg.DownloadURLTTL)
	if err != nil {
		return fail(err)
	}
	core, err := app.New(app.Config{
		Store:          db,
		Sessions:       sessions,
		Blobs:          blobs,
		Notifier:       sender,
		Metrics:        m,
		BaseURL:        cfg.BaseURL,
		DownloadURLTTL: downloadTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("init app: %w", err))
	}
	rt.app = core
	return rt, nil
}

// startWorkers consumes queued notifications until ctx ends. It is a no-op
// when delivery is synchronous. ctx must be cancelled before Close.
func (r *runtime) startWorkers(ctx context.Context, workers int) error {
	if r.queue == nil {
		return nil
	}
	if r.deliver == nil {
		return errors.New("notification queue has no delivery target")
	}
	r.queue.Start(ctx, workers, notify.Deliver(r.deliver))
	return nil
}

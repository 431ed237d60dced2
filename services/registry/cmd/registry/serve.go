package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"copyreg/internal/metrics"
	"copyreg/internal/ratelimit"
	"copyreg/internal/util"
	"copyreg/services/registry/internal/config"
	"copyreg/services/registry/internal/security"
	"copyreg/services/registry/internal/server"
)

const (
	rateWindow      = time.Minute
	shutdownTimeout = 10 * time.Second
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registry HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveRun(cmd.Context(), configFromContext(cmd.Context()))
		},
	}
}

func serveRun(ctx context.Context, cfg config.FileConfig) error {
	logger := util.InitLogger(cfg.LogLevel)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := &metrics.Metrics{}
	m.Register(registry)

	rt, err := build(cfg, logger, m)
	if err != nil {
		return err
	}
	defer rt.Close()

	trusted, err := util.NewTrustedProxies(config.SplitList(cfg.TrustedProxies))
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	loginLimiter, err := newLimiter(cfg, "login", cfg.LoginRateLimitPerMinute)
	if err != nil {
		return err
	}
	registerLimiter, err := newLimiter(cfg, "register", cfg.RegisterRateLimitPerMinute)
	if err != nil {
		return err
	}
	passwordLimiter, err := newLimiter(cfg, "password", cfg.PasswordRateLimitPerMinute)
	if err != nil {
		return err
	}
	for _, l := range []ratelimit.Limiter{loginLimiter, registerLimiter, passwordLimiter} {
		if c, ok := l.(io.Closer); ok {
			defer c.Close()
		}
	}

	alerter := security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "copyreg:alerts")
	defer alerter.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.startWorkers(ctx, cfg.NotifyWorkers); err != nil {
		return err
	}

	httpServer := server.New(server.Config{
		App:             rt.app,
		TrustedProxies:  trusted,
		CORSOrigins:     config.SplitList(cfg.CORSOrigins),
		MaxUploadBytes:  int64(cfg.MaxUploadMB) << 20,
		Gatherer:        registry,
		Alerter:         alerter,
		LoginLimiter:    loginLimiter,
		RegisterLimiter: registerLimiter,
		PasswordLimiter: passwordLimiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("registry server listening", "addr", addr, "storage", cfg.StorageBackend, "notifier", cfg.Notifier)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newLimiter returns nil when limit is zero, which disables limiting.
// Redis-backed windows are shared between replicas.
func newLimiter(cfg config.FileConfig, name string, limit int) (ratelimit.Limiter, error) {
	if limit <= 0 {
		return nil, nil
	}
	if cfg.RedisAddr != "" {
		l, err := ratelimit.NewRedis(cfg.RedisAddr, cfg.RedisPassword, "copyreg:ratelimit:"+name, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("%s limiter: %w", name, err)
		}
		return l, nil
	}
	l, err := ratelimit.NewMemory(limit, rateWindow)
	if err != nil {
		return nil, fmt.Errorf("%s limiter: %w", name, err)
	}
	return l, nil
}

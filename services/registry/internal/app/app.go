package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"copyreg/internal/metrics"
	"copyreg/internal/policy"
	"copyreg/internal/quota"
	"copyreg/internal/util"
	"copyreg/pkg/apperr"
	"copyreg/pkg/notify"
	"copyreg/pkg/storage"
	"copyreg/pkg/store"
)

// Config holds the dependencies of the registry core. Store, Sessions and
// Blobs are required; everything else has a default.
type Config struct {
	Store    store.Store
	Sessions store.SessionStore
	Blobs    storage.BlobStore
	Notifier notify.Sender
	Policy   *policy.Policy
	Quota    quota.Guard
	Metrics  *metrics.Metrics

	// BaseURL prefixes links sent by email, e.g. https://registry.example.com.
	BaseURL string
	// DownloadURLTTL is how long presigned download links stay valid.
	DownloadURLTTL time.Duration
	Now            func() time.Time
}

// App is the registry core. Every operation takes the acting user explicitly
// and runs policy, then lifecycle, then persistence, then side effects.
type App struct {
	store    store.Store
	sessions store.SessionStore
	blobs    storage.BlobStore
	notifier notify.Sender
	policy   *policy.Policy
	quota    quota.Guard
	metrics  *metrics.Metrics

	baseURL        string
	downloadURLTTL time.Duration
	now            func() time.Time
}

// New constructs the application from its collaborators.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogSender(slog.Default())
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	if cfg.Quota.Limit <= 0 {
		cfg.Quota = quota.Default()
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:          cfg.Store,
		sessions:       cfg.Sessions,
		blobs:          cfg.Blobs,
		notifier:       cfg.Notifier,
		policy:         cfg.Policy,
		quota:          cfg.Quota,
		metrics:        cfg.Metrics,
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		downloadURLTTL: cfg.DownloadURLTTL,
		now:            cfg.Now,
	}, nil
}

// Ping checks the store when it supports health checks.
func (a *App) Ping(ctx context.Context) error {
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (a *App) authorize(ctx context.Context, req policy.Request) error {
	d := a.policy.Evaluate(req)
	if d.Allowed {
		return nil
	}
	a.metrics.IncDenial(string(req.Action), string(d.Reason))
	util.LoggerFromContext(ctx).Info("access denied",
		"action", req.Action,
		"reason", d.Reason,
		"user_id", req.Actor.ID(),
	)
	return a.policy.Authorize(req)
}

// precheck rejects anonymous and blocked actors before any lookup, so they
// cannot probe which ids exist.
func (a *App) precheck(ctx context.Context, actor policy.Actor, action policy.Action) error {
	d := a.policy.Evaluate(policy.Request{Actor: actor, Action: action})
	switch d.Reason {
	case apperr.ReasonNotAuthenticated, apperr.ReasonBlocked:
		return a.authorize(ctx, policy.Request{Actor: actor, Action: action})
	default:
		return nil
	}
}

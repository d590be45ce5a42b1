// Package app is the composition root: it turns a config.Config into a
// ready-to-serve http.Handler and owns the lifetime of the clients behind it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iliamunaev/checkout-relay/internal/audit"
	"github.com/iliamunaev/checkout-relay/internal/config"
	"github.com/iliamunaev/checkout-relay/internal/docstore"
	"github.com/iliamunaev/checkout-relay/internal/gateway"
	"github.com/iliamunaev/checkout-relay/internal/intent"
	"github.com/iliamunaev/checkout-relay/internal/model"
	"github.com/iliamunaev/checkout-relay/internal/order"
	"github.com/iliamunaev/checkout-relay/internal/qz"
	"github.com/iliamunaev/checkout-relay/internal/ratelimit"
	"github.com/iliamunaev/checkout-relay/internal/reconcile"
	"github.com/iliamunaev/checkout-relay/internal/telemetry"
	"github.com/iliamunaev/checkout-relay/internal/tracker"
	httptransport "github.com/iliamunaev/checkout-relay/internal/transport/http"
)

// Version is stamped at build time.
var Version = "dev"

type App struct {
	Handler   http.Handler
	Store     docstore.Store
	Limiter   ratelimit.Limiter
	Telemetry *telemetry.Provider
	Tracker   *tracker.Tracker

	log     *slog.Logger
	closers []io.Closer
}

// New builds every component. On error, whatever was opened is closed.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	a := &App{log: log.With("component", "app"), Tracker: &tracker.Tracker{}}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.Telemetry, err = telemetry.New(ctx, telemetry.Config{
		ServiceVersion: Version,
		Environment:    cfg.ServiceEnv,
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
	})
	if err != nil {
		return nil, err
	}

	a.Store, err = OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a.Limiter = newLimiter(cfg)
	if c, ok := a.Limiter.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	intents := intent.NewRepository(a.Store, loc)
	auditor := audit.New(a.Store, log)
	engine := reconcile.New(reconcile.Deps{
		Intents: intents,
		Orders:  order.NewRepository(a.Store, loc),
		Orphans: reconcile.NewOrphans(a.Store),
		Audit:   auditor,
		Logger:  log,
	})

	gw := gateway.NewClient(gateway.Config{
		Base:        cfg.CieloBase,
		MerchantID:  cfg.CieloMerchantID,
		Timeout:     cfg.GatewayTimeout,
		MaxInflight: cfg.GatewayMaxInflight,
	}, nil)
	if !gw.Configured() {
		a.log.WarnContext(ctx, "CIELO_MERCHANT_ID not set; checkout proxy will refuse requests")
	}

	signer := qz.NewSigner(qz.NewKeyProvider(qz.KeySource{
		B64:  cfg.QZPrivateKeyB64,
		Raw:  cfg.QZPrivateKey,
		File: cfg.QZPrivateKeyFile,
	}))

	a.Handler = httptransport.New(httptransport.Deps{
		Engine:        engine,
		Audit:         auditor,
		Gateway:       gw,
		Intents:       intents,
		Signer:        signer,
		Cert:          qz.NewCert(cfg.QZCertFile),
		Store:         a.Store,
		Limiter:       a.Limiter,
		Telemetry:     a.Telemetry,
		Tracker:       a.Tracker,
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        log,
	}).Routes()

	a.log.InfoContext(ctx, "app ready",
		"store", a.Store.Name(),
		"limiter", a.Limiter.Name(),
		"timezone", loc.String(),
		"telemetry", a.Telemetry.Enabled(),
	)
	return a, nil
}

// OpenStore opens the configured document store backend.
func OpenStore(ctx context.Context, cfg config.Config) (docstore.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return docstore.NewMemory(), nil
	case config.BackendPostgres:
		dsn, err := cfg.DSN()
		if err != nil {
			return nil, err
		}
		return docstore.OpenPostgres(ctx, docstore.PostgresConfig{DSN: dsn})
	case config.BackendFirestore:
		return docstore.OpenFirestore(ctx, docstore.FirestoreConfig{
			ProjectID:   cfg.FirebaseProjectID,
			ClientEmail: cfg.FirebaseClientEmail,
			PrivateKey:  cfg.FirebasePrivateKey,
		})
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.StoreBackend)
	}
}

func newLimiter(cfg config.Config) ratelimit.Limiter {
	if cfg.RedisAddr != "" {
		return ratelimit.NewRedis(ratelimit.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return ratelimit.NewLocal(cfg.RateLimitRPS, cfg.RateLimitBurst)
}

// Run drives background maintenance until ctx is done.
func (a *App) Run(ctx context.Context) {
	if l, ok := a.Limiter.(*ratelimit.Local); ok {
		l.Run(ctx)
		return
	}
	<-ctx.Done()
}

// Inflight reports webhook notifications still being processed.
func (a *App) Inflight() int64 { return a.Tracker.Running() }

// Close flushes telemetry and closes every client, in reverse order.
func (a *App) Close(ctx context.Context) error {
	if m, ok := a.Store.(*docstore.Memory); ok {
		a.log.WarnContext(ctx, "discarding in-memory ledger",
			"intents", m.Len(model.CollectionIntents),
			"orders", m.Len(model.CollectionOrders),
			"orphans", m.Len(model.CollectionOrphans),
		)
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json", "":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q", cfg.LogFormat)
	}
	return slog.New(h).With("service", "checkout-relay"), nil
}

// Package httptransport implements the HTTP surface of the relay: the
// payment webhook, the storefront checkout proxy, print signing and health.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/iliamunaev/checkout-relay/internal/audit"
	"github.com/iliamunaev/checkout-relay/internal/gateway"
	"github.com/iliamunaev/checkout-relay/internal/middleware"
	"github.com/iliamunaev/checkout-relay/internal/model"
	"github.com/iliamunaev/checkout-relay/internal/payload"
	"github.com/iliamunaev/checkout-relay/internal/ratelimit"
	"github.com/iliamunaev/checkout-relay/internal/telemetry"
	"github.com/iliamunaev/checkout-relay/internal/tracker"
)

type reconciler interface {
	Handle(ctx context.Context, n payload.Notification) (model.Ack, error)
}

type auditor interface {
	Append(ctx context.Context, e audit.Entry)
}

type orderCreator interface {
	CreateOrder(ctx context.Context, o gateway.Order) (gateway.Response, error)
	Configured() bool
	Base() string
	InUse() int
}

type intentRecorder interface {
	Create(ctx context.Context, in model.CheckoutIntent) (string, error)
}

type requestSigner interface {
	Sign(ctx context.Context, request string) (string, error)
}

type certSource interface {
	PEM() (string, error)
}

type pinger interface {
	Ping(ctx context.Context) error
	Name() string
}

// Deps are the handler's collaborators. Limiter and Telemetry are optional.
type Deps struct {
	Engine        reconciler
	Audit         auditor
	Gateway       orderCreator
	Intents       intentRecorder
	Signer        requestSigner
	Cert          certSource
	Store         pinger
	Limiter       ratelimit.Limiter
	Telemetry     *telemetry.Provider
	Tracker       *tracker.Tracker
	AllowedOrigin string
	Logger        *slog.Logger
	Clock         func() time.Time
}

// Handler serves every route of the relay.
type Handler struct {
	engine  reconciler
	audit   auditor
	gateway orderCreator
	intents intentRecorder
	signer  requestSigner
	cert    certSource
	store   pinger
	limiter ratelimit.Limiter
	tel     *telemetry.Provider
	tracker *tracker.Tracker
	origin  string
	log     *slog.Logger
	now     func() time.Time
}

// New returns a Handler. It panics if a required dependency is nil.
func New(d Deps) *Handler {
	if d.Engine == nil || d.Audit == nil || d.Gateway == nil || d.Intents == nil ||
		d.Signer == nil || d.Cert == nil || d.Store == nil {
		panic("httptransport.New: missing dependency")
	}
	if d.Tracker == nil {
		d.Tracker = &tracker.Tracker{}
	}
	if d.AllowedOrigin == "" {
		d.AllowedOrigin = "*"
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Handler{
		engine:  d.Engine,
		audit:   d.Audit,
		gateway: d.Gateway,
		intents: d.Intents,
		signer:  d.Signer,
		cert:    d.Cert,
		store:   d.Store,
		limiter: d.Limiter,
		tel:     d.Telemetry,
		tracker: d.Tracker,
		origin:  d.AllowedOrigin,
		log:     d.Logger.With("component", "transport"),
		now:     d.Clock,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, middleware.Logging(h.log))

	limited := func(next http.Handler) http.Handler { return next }
	if h.limiter != nil {
		limited = ratelimit.Middleware(h.limiter, h.log, func(w http.ResponseWriter, _ *http.Request, err error) {
			w.Header().Set("Access-Control-Allow-Origin", h.origin)
			writeError(w, err)
		})
	}

	mount := func(route string, fn http.HandlerFunc, mws ...func(http.Handler) http.Handler) {
		if h.tel != nil {
			mws = append([]func(http.Handler) http.Handler{h.tel.Middleware(route)}, mws...)
		}
		r.With(mws...).Handle(route, fn)
	}

	mount("/api/cielo-webhook", h.Webhook)
	mount("/webhook", h.Webhook)
	mount("/api/checkout", h.Checkout, limited)
	mount("/api/checkout/health", h.CheckoutHealth)
	mount("/api/qz/cert", h.QZCert)
	mount("/api/qz/sign", h.QZSign, limited)
	mount("/health", h.Health)

	return r
}

// writeJSON writes v as a JSON response with the given status code.
// The Content-Type is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) cors(w http.ResponseWriter, methods, headers string) {
	w.Header().Set("Access-Control-Allow-Origin", h.origin)
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", headers)
}

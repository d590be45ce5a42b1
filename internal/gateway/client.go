// Package gateway shapes storefront checkout requests into the payment
// gateway's order schema and posts them.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliamunaev/checkout-relay/internal/apperr"
	"github.com/iliamunaev/checkout-relay/internal/pool"
)

const (
	// DefaultBase is the production gateway.
	DefaultBase = "https://cieloecommerce.cielo.com.br"
	// DefaultTimeout bounds one order creation call.
	DefaultTimeout = 20 * time.Second

	ordersPath       = "/api/public/v1/orders"
	maxResponseBytes = 1 << 20
)

// ErrMissingMerchant is returned when no merchant id is configured.
var ErrMissingMerchant = fmt.Errorf("CIELO_MERCHANT_ID not configured: %w", apperr.ErrMisconfigured)

// Config configures a Client.
type Config struct {
	Base        string
	MerchantID  string
	Timeout     time.Duration
	MaxInflight int
}

// Response is the gateway's answer. Every HTTP status is a Response, not an
// error.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
}

type Client struct {
	base       string
	merchantID string
	http       *http.Client
	pool       *pool.Pool
	tracer     trace.Tracer
}

func NewClient(cfg Config, hc *http.Client) *Client {
	if cfg.Base == "" {
		cfg.Base = DefaultBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if hc == nil {
		hc = &http.Client{}
	}
	hc.Timeout = cfg.Timeout

	return &Client{
		base:       strings.TrimRight(cfg.Base, "/"),
		merchantID: cfg.MerchantID,
		http:       hc,
		pool:       pool.New(cfg.MaxInflight),
		tracer:     otel.Tracer("github.com/iliamunaev/checkout-relay/internal/gateway"),
	}
}

// Base returns the gateway base URL.
func (c *Client) Base() string { return c.base }

// Configured reports whether a merchant id is set.
func (c *Client) Configured() bool { return c.merchantID != "" }

// InUse reports how many gateway calls are in flight.
func (c *Client) InUse() int { return c.pool.InUse() }

// CreateOrder posts an order. Transport failures are wrapped with
// apperr.ErrGatewayUnreachable; HTTP error statuses are returned as data.
func (c *Client) CreateOrder(ctx context.Context, o Order) (Response, error) {
	if c.merchantID == "" {
		return Response{}, ErrMissingMerchant
	}

	ctx, span := c.tracer.Start(ctx, "gateway.CreateOrder", trace.WithAttributes(
		attribute.String("order_number", o.OrderNumber),
		attribute.Int("items", len(o.Cart.Items)),
	))
	defer span.End()

	body, err := json.Marshal(o)
	if err != nil {
		return Response{}, fmt.Errorf("gateway: encode order: %w", err)
	}

	var resp Response
	err = c.pool.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+ordersPath, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("MerchantId", c.merchantID)

		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		resp = Response{Status: res.StatusCode, Body: raw, ContentType: res.Header.Get("Content-Type")}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("gateway: post order: %w", err)
		}
		return Response{}, fmt.Errorf("gateway: post order: %w: %w", apperr.ErrGatewayUnreachable, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	return resp, nil
}

// Reply turns a gateway response into the status and JSON body relayed to
// the storefront. Successful bodies are relayed verbatim; failures keep a
// JSON body or wrap anything else.
func (r Response) Reply() (int, []byte) {
	if r.Status == http.StatusOK || r.Status == http.StatusCreated {
		return r.Status, r.Body
	}
	if isJSONContainer(r.Body) {
		return r.Status, r.Body
	}
	wrapped, _ := json.Marshal(map[string]any{
		"error": "Cielo error",
		"raw":   string(r.Body),
	})
	return r.Status, wrapped
}

func isJSONContainer(b []byte) bool {
	t := bytes.TrimSpace(b)
	if len(t) == 0 || (t[0] != '{' && t[0] != '[') {
		return false
	}
	return json.Valid(t)
}

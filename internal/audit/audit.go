// Package audit keeps an append-only trail of every notification and the
// branch the reconciliation engine took for it, in the webhookLogs collection
// and in the process log.
//
// Auditing is best effort. Write reports failures to callers that care;
// Append, used on the request path, logs them and moves on.
package audit

import (
	"context"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/iliamunaev/checkout-relay/internal/docstore"
	"github.com/iliamunaev/checkout-relay/internal/model"
	"github.com/iliamunaev/checkout-relay/internal/payload"
)

// Stage identifies the engine branch an entry was written from.
type Stage string

const (
	StageReceived           Stage = "received"
	StageNoOrderNumber      Stage = "no-order-number"
	StagePending            Stage = "status-pendente"
	StageNotApproved        Stage = "status-nao-aprovado"
	StageApproved           Stage = "status-aprovado"
	StageOrphan             Stage = "orphan"
	StageUnrecognizedStatus Stage = "unrecognized-status"
	StageIntentNotFound     Stage = "intent-not-found"
	StageException          Stage = "exception"
	StageNotPost            Stage = "not-post"
)

// MaxPayloadSample bounds the raw payload kept per entry, in bytes.
const MaxPayloadSample = 2 << 10

// AllowedHeaders are the request headers copied into entries.
var AllowedHeaders = []string{
	"Content-Type",
	"User-Agent",
	"X-Forwarded-For",
	"X-Request-Id",
	"Content-Length",
}

// Entry is one audit record.
type Entry struct {
	Stage          Stage
	OrderNumber    string
	Classification *payload.Classification
	Headers        http.Header
	Payload        string
	Error          string
}

// FromNotification starts an entry for n at stage.
func FromNotification(stage Stage, n payload.Notification) Entry {
	c := n.Status
	return Entry{
		Stage:          stage,
		OrderNumber:    n.OrderNumber,
		Classification: &c,
		Headers:        n.Headers,
		Payload:        n.Raw,
	}
}

type Logger struct {
	store docstore.Store
	log   *slog.Logger
}

func New(store docstore.Store, log *slog.Logger) *Logger {
	if store == nil {
		panic("nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Logger{store: store, log: log.With("component", "audit")}
}

// Write logs the entry and stores it, returning the store error.
func (l *Logger) Write(ctx context.Context, e Entry) error {
	sample, truncated := Truncate(e.Payload, MaxPayloadSample)

	attrs := []slog.Attr{
		slog.String("stage", string(e.Stage)),
		slog.String("order_number", e.OrderNumber),
	}
	if e.Classification != nil {
		attrs = append(attrs,
			slog.String("reason", e.Classification.Reason),
			slog.Bool("paid", e.Classification.Paid),
		)
	}
	if rid := e.Headers.Get("X-Request-Id"); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	l.log.LogAttrs(ctx, level(e.Stage), "webhook", attrs...)

	rec := map[string]any{
		"stage":            string(e.Stage),
		"orderNumber":      e.OrderNumber,
		"headers":          FilterHeaders(e.Headers),
		"payloadSample":    sample,
		"payloadTruncated": truncated,
		"payloadBytes":     len(e.Payload),
	}
	rec[model.FieldCreatedAt] = docstore.ServerTimestamp
	if e.Classification != nil {
		rec["classification"] = e.Classification.Fields()
	}
	if e.Error != "" {
		rec["error"] = e.Error
	}

	_, err := l.store.Add(ctx, model.CollectionLogs, rec)
	return err
}

// Append writes the entry and discards a store failure after a warning.
func (l *Logger) Append(ctx context.Context, e Entry) {
	if err := l.Write(ctx, e); err != nil {
		l.log.WarnContext(ctx, "audit write failed",
			"stage", string(e.Stage),
			"order_number", e.OrderNumber,
			"err", err,
		)
	}
}

// FilterHeaders keeps the allow-listed headers, first value only.
func FilterHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(AllowedHeaders))
	for _, k := range AllowedHeaders {
		if v := h.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

func level(s Stage) slog.Level {
	switch s {
	case StageException:
		return slog.LevelError
	case StageOrphan, StageIntentNotFound, StageUnrecognizedStatus:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

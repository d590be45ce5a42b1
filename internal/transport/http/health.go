package httptransport

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthTimeout = 3 * time.Second

type healthReport struct {
	OK       bool   `json:"ok"`
	Store    string `json:"store"`
	Limiter  string `json:"limiter,omitempty"`
	Inflight int64  `json:"inflight"`
	Gateway  int    `json:"gatewayInflight"`
	Error    string `json:"error,omitempty"`
}

// Health pings the store and the limiter concurrently. Only the store
// decides the status code; a failing limiter is reported as degraded
// because requests fail open.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	rep := healthReport{
		OK:       true,
		Store:    h.store.Name(),
		Inflight: h.tracker.Running(),
		Gateway:  h.gateway.InUse(),
	}

	var g errgroup.Group
	var limiterErr error
	g.Go(func() error { return h.store.Ping(ctx) })
	if h.limiter != nil {
		rep.Limiter = h.limiter.Name()
		g.Go(func() error {
			limiterErr = h.limiter.Ping(ctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		h.log.WarnContext(ctx, "health check failed", "store", rep.Store, "err", err)
		rep.OK = false
		rep.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, rep)
		return
	}
	if limiterErr != nil {
		h.log.WarnContext(ctx, "limiter degraded", "err", limiterErr)
		rep.Limiter += " (degraded)"
	}
	writeJSON(w, http.StatusOK, rep)
}

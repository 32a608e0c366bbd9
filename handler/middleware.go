package handler

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/phbpx/leads/telemetry"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
)

var errRateLimited = errors.New("too many submissions, try again later")

// Limiter hands out submission tokens per client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// RateLimit rejects requests once the client has used up its tokens. The
// client is identified by the remote IP of the connection; forwarding
// headers are ignored since clients can set them freely. When the limiter
// itself fails the request is let through.
func RateLimit(limiter Limiter, log *otelzap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := clientIP(r)

			allowed, _, err := limiter.Allow(ctx, key)
			if err != nil {
				log.Ctx(ctx).Errorw("RateLimit", "status", "limiter unavailable, request allowed", "client", key, "error", err.Error())
				next.ServeHTTP(rw, r)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				log.Ctx(ctx).Infow("RateLimit", "status", "rate limited", "client", key)
				respondErr(ctx, rw, http.StatusTooManyRequests, errRateLimited)
				return
			}

			next.ServeHTTP(rw, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Health reports whether the service can reach its database.
type Health struct {
	check func(ctx context.Context) error
	log   *otelzap.SugaredLogger
}

func NewHealth(check func(ctx context.Context) error, log *otelzap.SugaredLogger) *Health {
	return &Health{check: check, log: log}
}

func (h *Health) Readiness(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "ok"
	code := http.StatusOK
	if err := h.check(ctx); err != nil {
		h.log.Ctx(ctx).Errorw("Readiness", "status", "database not ready", "error", err.Error())
		status = "db not ready"
		code = http.StatusInternalServerError
	}

	respond(ctx, rw, code, struct {
		Status string `json:"status"`
	}{Status: status})
}

// Package ratelimit throttles requests per user and endpoint with token
// buckets.
package ratelimit

import (
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/lexd/internal/config"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-ID"

var rejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lexd",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter.",
}, []string{"endpoint"})

// Limiter holds one token bucket per (user, endpoint). Buckets of idle
// users are evicted once MaxTrackedUsers is exceeded.
type Limiter struct {
	enabled  bool
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
	logger   *zap.Logger
}

// New creates a Limiter from cfg.
func New(cfg config.RateLimitConfig, logger *zap.Logger) (*Limiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.MaxTrackedUsers
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		enabled:  cfg.Enabled && cfg.RequestsPerMinute > 0,
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:    burst,
		limiters: cache,
		logger:   logger,
	}, nil
}

// Allow reports whether user may call endpoint now, consuming a token if so.
func (l *Limiter) Allow(user, endpoint string) bool {
	if !l.enabled {
		return true
	}
	key := user + "\x00" + endpoint
	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		if prev, found, _ := l.limiters.PeekOrAdd(key, lim); found {
			lim = prev
		}
	}
	if lim.Allow() {
		return true
	}
	rejected.WithLabelValues(endpoint).Inc()
	l.logger.Debug("rate limited", zap.String("user_id", user), zap.String("endpoint", endpoint))
	return false
}

// Tracked returns the number of live buckets.
func (l *Limiter) Tracked() int { return l.limiters.Len() }

// Middleware rejects requests over the limit with 429 before the handler
// runs. Requests without a user id are keyed by remote address.
func (l *Limiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.Request().Header.Get(UserHeader)
			if user == "" {
				user = "ip:" + c.RealIP()
			}
			if !l.Allow(user, c.Request().Method+" "+c.Path()) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// Package ratelimit enforces the named rate-limit buckets described by
// the gateway and reverse proxy: per-user WebSocket frame limits and
// per-identity HTTP ingress limits, plus a lockout escalation for
// identities that repeatedly exceed their limit.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/apperr"
	"github.com/discordant/realtime-core/internal/config"
	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/metrics"
)

// FrameKind classifies an inbound WebSocket frame for the purpose of
// choosing which limiter bucket applies.
type FrameKind string

const (
	FrameSendMessage FrameKind = "send_message"
	FrameOther       FrameKind = "other"
)

// Limiter holds every named limiter instance plus the lockout store.
type Limiter struct {
	sendMessage  *limiter.Limiter
	otherFrames  *limiter.Limiter
	httpRate     *limiter.Limiter
	httpBurst    *limiter.Limiter
	store        limiter.Store
	redisClient  *redis.Client
	lockStrikes  int
	lockFor      time.Duration
}

func ruleToRate(r config.RateLimitRule) limiter.Rate {
	return limiter.Rate{Period: r.Window, Limit: r.Burst}
}

// New builds a Limiter backed by Redis when redisClient is non-nil, or an
// in-process memory store otherwise (single-instance/dev mode).
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "ratelimit:v1:"})
		if err != nil {
			return nil, fmt.Errorf("create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-process memory store (no redis configured)")
	}

	return &Limiter{
		sendMessage: limiter.New(store, ruleToRate(cfg.RateLimit.SendMessage)),
		otherFrames: limiter.New(store, ruleToRate(cfg.RateLimit.OtherFrames)),
		httpRate:    limiter.New(store, ruleToRate(cfg.RateLimit.HTTPIngress.Rate)),
		httpBurst:   limiter.New(store, ruleToRate(cfg.RateLimit.HTTPIngress.Burst)),
		store:       store,
		redisClient: redisClient,
		lockStrikes: cfg.RateLimit.LockoutStrikes,
		lockFor:     cfg.RateLimit.LockoutFor,
	}, nil
}

// AllowFrame checks the per-user limiter for kind, keyed by userID so a
// user's budget is shared across every session they have open — opening a
// second connection does not grant a second budget.
func (l *Limiter) AllowFrame(ctx context.Context, kind FrameKind, userID string) error {
	if locked, retryAfter := l.isLockedOut(ctx, userID); locked {
		metrics.RateLimitExceeded.WithLabelValues(string(kind), "user").Inc()
		return apperr.RateLimited("locked_out", retryAfter)
	}

	var lim *limiter.Limiter
	switch kind {
	case FrameSendMessage:
		lim = l.sendMessage
	default:
		lim = l.otherFrames
	}

	metrics.RateLimitChecked.WithLabelValues(string(kind)).Inc()
	res, err := lim.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed, failing open", zap.Error(err))
		return nil
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues(string(kind), "user").Inc()
		l.recordStrike(ctx, userID)
		retryAfter := res.Reset - time.Now().Unix()
		if retryAfter < 0 {
			retryAfter = 0
		}
		return apperr.RateLimited("rate_limited", retryAfter)
	}
	return nil
}

func strikeKey(identity string) string {
	return fmt.Sprintf("ratelimit:strikes:%s", identity)
}

func (l *Limiter) recordStrike(ctx context.Context, identity string) {
	if l.redisClient == nil || l.lockStrikes <= 0 {
		return
	}
	key := strikeKey(identity)
	count, err := l.redisClient.Incr(ctx, key).Result()
	if err != nil {
		logging.Error(ctx, "failed to record rate-limit strike", zap.Error(err))
		return
	}
	if count == 1 {
		l.redisClient.Expire(ctx, key, l.lockFor)
	}
	if count >= int64(l.lockStrikes) {
		l.redisClient.Set(ctx, fmt.Sprintf("ratelimit:lockout:%s", identity), "1", l.lockFor)
	}
}

func (l *Limiter) isLockedOut(ctx context.Context, identity string) (bool, int64) {
	if l.redisClient == nil {
		return false, 0
	}
	ttl, err := l.redisClient.TTL(ctx, fmt.Sprintf("ratelimit:lockout:%s", identity)).Result()
	if err != nil || ttl <= 0 {
		return false, 0
	}
	return true, int64(ttl.Seconds())
}

// HTTPDecision is the outcome of an HTTP ingress rate check: whether the
// request is allowed plus the headers every caller (gin or plain net/http)
// should set on the response.
type HTTPDecision struct {
	Allowed    bool
	Code       string // "rate_limited" or "locked_out" when !Allowed
	RetryAfter int64
	Limit      int64
	Remaining  int64
	Reset      int64
}

// AllowHTTP enforces the HTTP ingress rate (steady) and burst limiters
// against identity (typically the bearer subject, or the client IP when
// unauthenticated). It is the shared core behind Middleware and the
// reverse proxy's own net/http middleware.
func (l *Limiter) AllowHTTP(ctx context.Context, identity string) HTTPDecision {
	if locked, retryAfter := l.isLockedOut(ctx, identity); locked {
		return HTTPDecision{Allowed: false, Code: "locked_out", RetryAfter: retryAfter}
	}

	for _, pair := range []struct {
		lim  *limiter.Limiter
		name string
	}{{l.httpBurst, "burst"}, {l.httpRate, "rate"}} {
		res, err := pair.lim.Get(ctx, identity)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed, failing open", zap.Error(err))
			continue
		}
		if res.Reached {
			metrics.RateLimitExceeded.WithLabelValues("http_ingress", pair.name).Inc()
			l.recordStrike(ctx, identity)
			retryAfter := res.Reset - time.Now().Unix()
			if retryAfter < 0 {
				retryAfter = 0
			}
			return HTTPDecision{Allowed: false, Code: "rate_limited", RetryAfter: retryAfter, Limit: res.Limit, Remaining: res.Remaining, Reset: res.Reset}
		}
		if pair.name == "rate" {
			metrics.RateLimitChecked.WithLabelValues("http_ingress").Inc()
			return HTTPDecision{Allowed: true, Limit: res.Limit, Remaining: res.Remaining, Reset: res.Reset}
		}
	}

	metrics.RateLimitChecked.WithLabelValues("http_ingress").Inc()
	return HTTPDecision{Allowed: true}
}

// Middleware enforces the HTTP ingress rate (steady) and burst limiters
// against the client's bearer subject if present, or its IP otherwise.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if sub, exists := c.Get("subject"); exists {
			if s, ok := sub.(string); ok && s != "" {
				key = s
			}
		}

		decision := l.AllowHTTP(c.Request.Context(), key)
		c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.Reset, 10))
		if !decision.Allowed {
			c.Header("Retry-After", strconv.FormatInt(decision.RetryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       decision.Code,
				"retry_after": decision.RetryAfter,
			})
			return
		}
		c.Next()
	}
}

// HTTPMiddleware is the plain net/http equivalent of Middleware, for
// components (like the reverse proxy) that route with chi instead of gin.
func (l *Limiter) HTTPMiddleware(identityOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := identityOf(r)
			decision := l.AllowHTTP(r.Context(), key)
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset, 10))
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfter, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"` + decision.Code + `","retry_after":` + strconv.FormatInt(decision.RetryAfter, 10) + `}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

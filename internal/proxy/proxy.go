// Package proxy implements the reverse proxy: a single HTTP ingress point
// that authenticates requests, enforces a coarse rate limit, and routes
// each request to the collaborator (or the Gateway, for WebSocket upgrades)
// responsible for it.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/apperr"
	"github.com/discordant/realtime-core/internal/auth"
	"github.com/discordant/realtime-core/internal/config"
	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/ratelimit"
)

const wsUpgradePath = "/ws"

// Route pairs a path prefix with the backend that serves it, pre-parsed
// and sorted so matching is a simple longest-prefix walk.
type route struct {
	prefix string
	target *url.URL
	proxy  *httputil.ReverseProxy
}

// Proxy is the reverse proxy server: a routing table keyed by longest
// path-prefix match, with authentication and rate limiting applied ahead
// of every route including the default.
type Proxy struct {
	router    chi.Router
	validator auth.TokenValidator
	rl        *ratelimit.Limiter

	mu     sync.RWMutex
	routes []route

	defaultProxy  *httputil.ReverseProxy
	gatewayProxy  *httputil.ReverseProxy
	gatewayWSPath string

	server *http.Server
}

// New builds a Proxy from the effective configuration. gatewayBaseURL is
// where WebSocket upgrade requests on wsUpgradePath are forwarded instead
// of being matched against the collaborator routing table.
func New(cfg *config.Config, validator auth.TokenValidator, rl *ratelimit.Limiter, gatewayBaseURL string) (*Proxy, error) {
	defaultTarget, err := url.Parse(cfg.ProxyDefaultTarget)
	if err != nil {
		return nil, fmt.Errorf("parse proxy default target: %w", err)
	}
	gatewayTarget, err := url.Parse(gatewayBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway base url: %w", err)
	}

	p := &Proxy{
		router:        chi.NewRouter(),
		validator:     validator,
		rl:            rl,
		defaultProxy:  newReverseProxy(defaultTarget),
		gatewayProxy:  newReverseProxy(gatewayTarget),
		gatewayWSPath: wsUpgradePath,
	}

	for _, r := range cfg.ProxyRoutes {
		target, err := url.Parse(r.TargetURL)
		if err != nil {
			return nil, fmt.Errorf("parse target for route %s: %w", r.PathPrefix, err)
		}
		p.routes = append(p.routes, route{
			prefix: strings.TrimSuffix(r.PathPrefix, "/"),
			target: target,
			proxy:  newReverseProxy(target),
		})
	}
	// Longest prefix first so matching stops at the most specific route.
	sort.Slice(p.routes, func(i, j int) bool {
		return len(p.routes[i].prefix) > len(p.routes[j].prefix)
	})

	p.router.Use(chimiddleware.RequestID)
	p.router.Use(chimiddleware.Recoverer)
	p.router.Use(chimiddleware.Timeout(30 * time.Second))
	if rl != nil {
		p.router.Use(rl.HTTPMiddleware(p.rateLimitIdentity))
	}

	p.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	p.router.Handle("/*", http.HandlerFunc(p.handle))

	return p, nil
}

func newReverseProxy(target *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.Error(r.Context(), "proxy upstream error", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, `{"error":"upstream_unavailable"}`)
	}
	return proxy
}

// handle authenticates the request, injects the verified subject as a
// header, and forwards it to the matching route (or the Gateway, for
// WebSocket upgrades on the fixed path).
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	claims, err := p.authenticate(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintf(w, `{"error":"unauthorized"}`)
		return
	}
	if claims != nil {
		r.Header.Set("X-User-Id", claims.Subject)
		r.Header.Set("X-Display-Name", claims.DisplayName)
	}

	if r.URL.Path == p.gatewayWSPath && isWebSocketUpgrade(r) {
		p.gatewayProxy.ServeHTTP(w, r)
		return
	}

	target := p.matchRoute(r.URL.Path)
	target.ServeHTTP(w, r)
}

// authenticate validates the bearer token on every request. A missing or
// invalid token is always rejected; /health is exempted ahead of this
// call, in New's router setup, rather than here.
func (p *Proxy) authenticate(r *http.Request) (*auth.Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, apperr.New(apperr.KindAuth, "missing_bearer_token", "request must carry a bearer token")
	}
	return p.validator.ValidateToken(token)
}

// rateLimitIdentity keys the coarse ingress limiter by verified subject
// when a valid bearer token is present, falling back to the client IP.
func (p *Proxy) rateLimitIdentity(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		if claims, err := p.validator.ValidateToken(token); err == nil {
			return claims.Subject
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "Upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// matchRoute returns the reverse proxy for the longest configured prefix
// matching path, or the default target (the Chat collaborator) if none
// match.
func (p *Proxy) matchRoute(path string) *httputil.ReverseProxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rt := range p.routes {
		if strings.HasPrefix(path, rt.prefix) {
			return rt.proxy
		}
	}
	return p.defaultProxy
}

// Router exposes the underlying chi router for tests.
func (p *Proxy) Router() http.Handler { return p.router }

// Run starts the HTTP server on addr and blocks until ctx is cancelled,
// then performs a graceful shutdown bounded by a 30-second window.
func (p *Proxy) Run(ctx context.Context, addr string) error {
	p.server = &http.Server{Addr: addr, Handler: p.router}

	errCh := make(chan error, 1)
	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.server.Shutdown(shutdownCtx)
}

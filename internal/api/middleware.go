package api

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/parkit/camera-console/internal/logging"
)

// ConsoleTokenHeader carries the console token on operator requests
const ConsoleTokenHeader = "X-Console-Token"

// MiddlewareConfig configures CORS, origin checks, the console token and
// rate limiting
type MiddlewareConfig struct {
	AllowedOrigins    []string
	RequestsPerMinute int
	ConsoleToken      string
}

// Middleware builds the router's middleware chain
type Middleware struct {
	config MiddlewareConfig
	cors   func(http.Handler) http.Handler
	logger *logging.Logger
}

// NewMiddleware creates the middleware set. With no allowed origins no CORS
// headers are sent, so browsers refuse cross-origin reads and preflights.
func NewMiddleware(cfg MiddlewareConfig) *Middleware {
	corsHandler := func(next http.Handler) http.Handler { return next }
	if len(cfg.AllowedOrigins) > 0 {
		corsHandler = cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID", ConsoleTokenHeader},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           86400,
		})
	}

	return &Middleware{
		config: cfg,
		cors:   corsHandler,
		logger: logging.NewLogger("HTTP"),
	}
}

// CORS returns the go-chi/cors handler
func (m *Middleware) CORS() func(http.Handler) http.Handler {
	return m.cors
}

// OriginGuard rejects state-changing requests sent by a browser from an
// origin that is neither the console itself nor in AllowedOrigins. Requests
// without an Origin header (curl, scripts) pass.
func (m *Middleware) OriginGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			if origin == "" || m.originAllowed(origin, r.Host) {
				next.ServeHTTP(w, r)
				return
			}
			m.logger.Warn("Cross-origin request rejected", "origin", origin, "path", r.URL.Path)
			respondError(w, http.StatusForbidden, "FORBIDDEN_ORIGIN", "Origin not allowed", nil)
		})
	}
}

func (m *Middleware) originAllowed(origin, host string) bool {
	if u, err := url.Parse(origin); err == nil && u.Host != "" && strings.EqualFold(u.Host, host) {
		return true
	}
	for _, allowed := range m.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// RequireToken demands the console token on every request when one is
// configured, either in X-Console-Token or as a bearer token.
func (m *Middleware) RequireToken() func(http.Handler) http.Handler {
	if m.config.ConsoleToken == "" {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	want := []byte(m.config.ConsoleToken)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(ConsoleTokenHeader)
			if got == "" {
				got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if got == "" {
				respondError(w, http.StatusUnauthorized, "CONSOLE_TOKEN_REQUIRED", "Console token required", nil)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				respondError(w, http.StatusUnauthorized, "INVALID_CONSOLE_TOKEN", "Invalid console token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit limits requests per client IP. A non-positive limit disables it.
func (m *Middleware) RateLimit() func(http.Handler) http.Handler {
	if m.config.RequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		m.config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		}),
	)
}

// RequestLogger logs each request once it completes
func (m *Middleware) RequestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			m.logger.Debug("Request served",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimiddleware.GetReqID(r.Context()))
		})
	}
}

/**
 * Operator HTTP API
 *
 * Exposes the live preview, the coordinate mapper, capture and the upload
 * batch to a local operator UI.
 */

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parkit/camera-console/internal/auth"
	"github.com/parkit/camera-console/internal/camera"
	"github.com/parkit/camera-console/internal/logging"
	"github.com/parkit/camera-console/internal/prefs"
	"github.com/parkit/camera-console/internal/processor"
	"github.com/parkit/camera-console/internal/queue"
)

// Prefs is the preference store as seen by the API
type Prefs interface {
	Snapshot() prefs.Snapshot
	SetLastSessionID(id string) error
}

// HealthCheck checks an optional dependency
type HealthCheck func(ctx context.Context) error

// Config configures the HTTP server
type Config struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RequestsPerMinute int
	AllowedOrigins    []string
	ConsoleToken      string
	PreviewQuality    int
}

// Deps are the components the handlers drive
type Deps struct {
	Stream   *camera.Stream
	Overlay  *processor.Overlay
	Capturer *processor.Capturer
	Uploader *queue.Uploader
	Auth     *auth.Manager
	Prefs    Prefs
	Checks   map[string]HealthCheck

	// Backend serves the dashboard routes; Captures is nil unless the
	// capture ledger is enabled
	Backend  Backend
	Captures CaptureLedger
}

// Server serves the operator API
type Server struct {
	config  Config
	deps    Deps
	router  chi.Router
	logger  *logging.Logger
	started time.Time
}

// NewServer builds the router
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Stream == nil {
		return nil, fmt.Errorf("Stream is required")
	}
	if deps.Overlay == nil {
		deps.Overlay = processor.NewOverlay()
	}
	if deps.Capturer == nil {
		deps.Capturer = processor.NewCapturer()
	}
	if deps.Uploader == nil {
		return nil, fmt.Errorf("Uploader is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("Auth is required")
	}
	if cfg.PreviewQuality <= 0 {
		cfg.PreviewQuality = processor.DefaultJPEGQuality
	}

	s := &Server{
		config:  cfg,
		deps:    deps,
		logger:  logging.NewLogger("API"),
		started: time.Now(),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	mw := NewMiddleware(MiddlewareConfig{
		AllowedOrigins:    s.config.AllowedOrigins,
		RequestsPerMinute: s.config.RequestsPerMinute,
		ConsoleToken:      s.config.ConsoleToken,
	})

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.RequestLogger())
	r.Use(mw.CORS())

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(mw.OriginGuard())
		r.Use(mw.RequireToken())
		r.Use(mw.RateLimit())

		r.Route("/camera", func(r chi.Router) {
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Get("/state", s.handleState)
			r.Get("/frame", s.handleFrame)
			r.Post("/map", s.handleMap)
			r.Post("/mark", s.handleMark)
			r.Get("/overlay", s.handleOverlay)
			r.Delete("/overlay", s.handleClearOverlay)
			r.Post("/capture", s.handleCapture)
		})

		r.Route("/uploads", func(r chi.Router) {
			r.Get("/", s.handleListUploads)
			r.Post("/", s.handleAddUploads)
			r.Delete("/", s.handleClearUploads)
			r.Post("/flush", s.handleFlush)
		})

		r.Post("/sessions/generate", s.handleGenerateSession)
		r.Post("/sessions/{id}/complete", s.handleCompleteSession)

		r.Group(func(r chi.Router) {
			r.Use(s.requireBackend)

			r.Get("/stats", s.handleStats)

			r.Route("/calibrations", func(r chi.Router) {
				r.Get("/", s.handleListCalibrations)
				r.Post("/", s.handleCreateCalibration)
				r.Get("/{cameraID}", s.handleGetCalibration)
				r.Put("/{cameraID}", s.handleUpdateCalibration)
				r.Delete("/{cameraID}", s.handleDeleteCalibration)
			})

			r.Route("/results", func(r chi.Router) {
				r.Get("/live", s.handleLiveResults)
				r.Get("/latest", s.handleLatestResults)
				r.Get("/{sessionID}", s.handleGetResult)
				r.Get("/{sessionID}/image", s.handleResultImage)
			})

			r.Get("/sessions", s.handleListSessions)
			r.Delete("/sessions/{id}", s.handleDeleteSession)

			r.Get("/users", s.handleListUsers)
			r.Put("/users/{username}/toggle-active", s.handleToggleUser)
		})

		r.Route("/captures", func(r chi.Router) {
			r.Use(s.requireLedger)
			r.Get("/", s.handleListCaptures)
			r.Get("/{id}", s.handleGetCapture)
		})

		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)

		r.Get("/prefs", s.handlePrefs)
	})

	return r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on the configured address until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown failed", "error", err)
	}
	s.logger.Info("HTTP server stopped")
	return ctx.Err()
}

// healthResponse is the body of GET /health
type healthResponse struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	Camera    bool              `json:"camera_connected"`
	Auth      bool              `json:"authenticated"`
	Pending   int               `json:"pending_uploads"`
	Queued    bool              `json:"queue_enabled"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Camera:    s.deps.Stream.State().Connected,
		Auth:      s.deps.Auth.IsAuthenticated(),
		Pending:   s.deps.Uploader.Batch().Len(),
		Queued:    s.deps.Uploader.Queued(),
		Timestamp: time.Now().UTC(),
	}

	if len(s.deps.Checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp.Checks = make(map[string]string, len(s.deps.Checks))
		for name, check := range s.deps.Checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

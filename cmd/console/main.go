/**
 * ParkIt Camera Console - Main Entry Point
 *
 * Headless operator console for the ParkIt motorcycle parking system.
 *
 * Architecture:
 * - Snapshot camera stream with serialized polling
 * - Pointer-to-sensor coordinate mapper and marker overlay
 * - Portrait frame capture into an upload batch
 * - Uploads to the ParkIt REST API, in-process or via an Asynq/Redis queue
 * - Optional PostgreSQL capture ledger
 * - Operator HTTP API, all services supervised by suture
 */

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parkit/camera-console/internal/api"
	"github.com/parkit/camera-console/internal/auth"
	"github.com/parkit/camera-console/internal/camera"
	"github.com/parkit/camera-console/internal/clients"
	"github.com/parkit/camera-console/internal/config"
	"github.com/parkit/camera-console/internal/logging"
	"github.com/parkit/camera-console/internal/prefs"
	"github.com/parkit/camera-console/internal/processor"
	"github.com/parkit/camera-console/internal/queue"
	"github.com/parkit/camera-console/internal/storage"
	"github.com/parkit/camera-console/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load environment variables
	envErr := godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.NewLogger("Main").Error("Failed to load configuration", "error", err)
		return 1
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger := logging.NewLogger("Main")
	if envErr != nil {
		logger.Debug(".env not found, using system environment variables")
	}

	logger.Info("ParkIt camera console starting",
		"api", cfg.API.BaseURL,
		"queue_enabled", cfg.QueueEnabled(),
		"ledger_enabled", cfg.LedgerEnabled(),
		"addr", cfg.Server.Addr)

	// Operator preferences
	store, err := prefs.Open(cfg.State.Dir)
	if err != nil {
		logger.Error("Failed to open preference store", "dir", cfg.State.Dir, "error", err)
		return 1
	}
	defer store.Close()

	// Credentials and API client
	authManager := auth.NewManager(store)
	if cfg.API.APIKey != "" && !authManager.IsAuthenticated() {
		if err := authManager.Login(context.Background(), cfg.API.APIKey); err != nil {
			logger.Warn("Configured API key rejected", "error", err)
		}
	}
	client := clients.NewParkItClient(&cfg.API, authManager)
	authManager.SetValidator(client)

	checks := map[string]api.HealthCheck{}

	// Capture ledger
	var ledger queue.Ledger
	var captures api.CaptureLedger
	if cfg.LedgerEnabled() {
		pg, err := storage.NewPostgresClient(cfg.DB.URL)
		if err != nil {
			logger.Error("Failed to connect to PostgreSQL", "error", err)
			return 1
		}
		defer pg.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = pg.EnsureSchema(ctx)
		cancel()
		if err != nil {
			logger.Error("Failed to prepare capture ledger", "error", err)
			return 1
		}
		ledger = pg
		captures = pg
		checks["postgres"] = pg.Ping
		logger.Info("Capture ledger ready")
	}

	tree := supervisor.NewTree(slog.New(logging.NewSlogHandler()), supervisor.DefaultTreeConfig())

	// Upload path: Redis task queue when configured, otherwise in-process
	uploaderCfg := queue.UploaderConfig{
		Batch:   queue.NewBatch(cfg.Upload.MaxFileSize),
		Backend: client,
		Store:   store,
		Ledger:  ledger,
	}
	if cfg.QueueEnabled() {
		enqueuer, err := queue.NewEnqueuer(cfg.Redis.URL, cfg.Upload.QueueName, cfg.Upload.MaxRetry)
		if err != nil {
			logger.Error("Failed to create upload enqueuer", "error", err)
			return 1
		}
		defer enqueuer.Close()

		status, err := queue.NewStatusTracker(cfg.Redis.URL, cfg.Upload.QueueName)
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			return 1
		}
		defer status.Close()

		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:    cfg.Redis.URL,
			QueueName:   cfg.Upload.QueueName,
			Concurrency: cfg.Upload.Concurrency,
			Backend:     client,
			Status:      status,
			Ledger:      ledger,
		})
		if err != nil {
			logger.Error("Failed to create upload consumer", "error", err)
			return 1
		}

		uploaderCfg.Queue = enqueuer
		tree.AddDeliveryService(supervisor.Named{Name: "upload-consumer", Svc: consumer})
		checks["redis"] = func(ctx context.Context) error {
			_, err := status.Stats(ctx)
			return err
		}
		logger.Info("Upload queue enabled", "queue", cfg.Upload.QueueName, "concurrency", cfg.Upload.Concurrency)
	}

	uploader, err := queue.NewUploader(uploaderCfg)
	if err != nil {
		logger.Error("Failed to create uploader", "error", err)
		return 1
	}

	// Camera stream
	overlay := processor.NewOverlay()
	stream := camera.NewStream(camera.NewHTTPFetcher(cfg.Camera.FetchTimeout), camera.Options{
		PollInterval:  cfg.Camera.PollInterval,
		RetryInterval: cfg.Camera.RetryInterval,
		FetchTimeout:  cfg.Camera.FetchTimeout,
		Overlay:       overlay,
		Store:         store,
	})

	// Reconnect to the configured or last used camera
	cameraURL := cfg.Camera.URL
	if cameraURL == "" {
		cameraURL = store.CameraURL()
	}
	if cameraURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Camera.FetchTimeout)
		if err := stream.Connect(ctx, cameraURL); err != nil {
			logger.Warn("Initial camera connection failed", "url", cameraURL, "error", err)
		}
		cancel()
	}

	server, err := api.NewServer(api.Config{
		Addr:              cfg.Server.Addr,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		ConsoleToken:      cfg.Server.ConsoleToken,
		PreviewQuality:    cfg.Camera.CaptureQuality,
	}, api.Deps{
		Stream:   stream,
		Overlay:  overlay,
		Capturer: processor.NewCapturer(processor.WithQuality(cfg.Camera.CaptureQuality)),
		Uploader: uploader,
		Auth:     authManager,
		Prefs:    store,
		Checks:   checks,
		Backend:  client,
		Captures: captures,
	})
	if err != nil {
		logger.Error("Failed to create HTTP server", "error", err)
		return 1
	}

	tree.AddCaptureService(supervisor.Named{Name: "camera-stream", Svc: stream})
	tree.AddCaptureService(supervisor.Named{Name: "prefs-gc", Svc: store})
	tree.AddAPIService(supervisor.Named{Name: "http-server", Svc: server})

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("ParkIt camera console ready", "addr", cfg.Server.Addr)

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Supervisor stopped unexpectedly", "error", err)
		return 1
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("Services did not stop in time", "count", len(report))
	}

	// The stream's Serve disconnects on shutdown; make sure it happened
	stream.Disconnect()
	logger.Info("Shutdown complete")
	return 0
}

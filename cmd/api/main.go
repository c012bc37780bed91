package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"go.uber.org/zap"

	"media-pipeline/internal/access"
	"media-pipeline/internal/cache"
	"media-pipeline/internal/config"
	"media-pipeline/internal/handlers"
	"media-pipeline/internal/logging"
	"media-pipeline/internal/metrics"
	"media-pipeline/internal/pool"
	"media-pipeline/internal/profiles"
	"media-pipeline/internal/remote"
	"media-pipeline/internal/scratch"
	"media-pipeline/internal/services"
)

func main() {
	// Load configuration
	cfg := config.Load()

	zl, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Debug: cfg.Debug})
	if err != nil {
		log.Fatalf("❌ Failed to build logger: %v", err)
	}
	defer zl.Sync()
	zl.Info("🚀 Starting Media Pipeline API...", zap.Int("cpus", runtime.NumCPU()), zap.String("env", cfg.AppEnv))

	m := metrics.New()

	// Initialize buffer pool
	zl.Info("📦 Initializing buffer pool", zap.Int("count", cfg.BufferPoolSize), zap.Int("size", cfg.BufferSize))
	bufferPool := pool.NewBufferPool(cfg.BufferPoolSize, cfg.BufferSize)

	// Scratch space and janitor
	scratchMgr, err := scratch.NewManager(cfg.ScratchDir, cfg.ScratchTTL, zl.Named("scratch"))
	if err != nil {
		zl.Fatal("❌ Failed to prepare scratch space", zap.Error(err))
	}
	scratchMgr.StartJanitor(min(cfg.ScratchTTL, 10*time.Minute))

	// Profile table
	variants, err := profiles.ParseVariants(cfg.VideoVariants)
	if err != nil {
		zl.Fatal("❌ Invalid VIDEO_VARIANTS", zap.Error(err))
	}
	fit, err := profiles.ParseFitMode(cfg.ImageFit)
	if err != nil {
		zl.Fatal("❌ Invalid IMAGE_FIT", zap.Error(err))
	}
	table := &profiles.Table{
		Image: profiles.ClassRule{Class: profiles.ClassImage, Dir: "images", AllowedTypes: cfg.ImageAllowedTypes, MaxSize: cfg.ImageMaxSize},
		Video: profiles.ClassRule{Class: profiles.ClassVideo, Dir: "videos", AllowedTypes: cfg.VideoAllowedTypes, MaxSize: cfg.VideoMaxSize},
	}

	// Remote storage: pooled SFTP sessions
	dial, err := remote.NewDialer(remote.SSHConfig{
		Host:             cfg.RemoteHost,
		Port:             cfg.RemotePort,
		User:             cfg.RemoteUser,
		Password:         cfg.RemotePassword,
		PrivateKeyPath:   cfg.RemotePrivateKey,
		KnownHostsPath:   cfg.RemoteKnownHosts,
		HandshakeTimeout: cfg.RemoteHandshakeTimeout,
	}, zl.Named("remote"))
	if err != nil {
		zl.Fatal("❌ Invalid remote storage configuration", zap.Error(err))
	}
	connPool := pool.NewConnPool[remote.Conn](dial, cfg.RemotePoolSize, cfg.RemoteMaxOperations, zl.Named("pool"))
	m.RegisterPool(connPool.Stats)
	zl.Info("🔌 Remote pool configured",
		zap.String("host", cfg.RemoteHost),
		zap.Int("max_size", cfg.RemotePoolSize),
		zap.Int("max_ops", cfg.RemoteMaxOperations))

	uploader := remote.NewUploader(connPool, remote.UploaderOptions{
		Attempts: cfg.RemoteRetryAttempts,
		Delay:    cfg.RemoteRetryDelay,
		DirMode:  cfg.RemoteDirMode,
		FileMode: cfg.RemoteFileMode,
	}, zl.Named("uploader"), m)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RemoteHandshakeTimeout+30*time.Second)
		defer cancel()
		uploader.EnsureLayout(ctx,
			path.Join(cfg.ProjectRoot(), "images"),
			path.Join(cfg.ProjectRoot(), "videos", "converted"))
	}()

	// Converters
	ffmpeg := services.NewFFmpeg(cfg.FFmpegPath)
	if !ffmpeg.Available() {
		zl.Warn("⚠️  ffmpeg not found; video packaging and the ffmpeg image engine will fail", zap.String("path", cfg.FFmpegPath))
	}
	engine, err := services.NewImageEngine(cfg.ImageEngine, ffmpeg)
	if err != nil {
		zl.Fatal("❌ Invalid IMAGE_ENGINE", zap.Error(err))
	}
	images := services.NewImageNormalizer(engine, profiles.ImagePolicy{
		Mode:    fit,
		Width:   cfg.ImageWidth,
		Height:  cfg.ImageHeight,
		Quality: cfg.ImageQuality,
	}, zl.Named("image"))
	videos := services.NewVideoPackager(services.NewFFmpegHLSEncoder(ffmpeg), uploader, services.PackagerOptions{
		Variants:       variants,
		SegmentSeconds: cfg.SegmentSeconds,
		UploadBatch:    cfg.UploadBatchSize,
		CPUs:           runtime.NumCPU(),
	}, zl.Named("video"), m)

	// Delivery tokens
	var signer *access.Signer
	if cfg.TokenSecret != "" {
		signer, err = access.NewSigner(cfg.TokenSecret)
		if err != nil {
			zl.Fatal("❌ Invalid MEDIA_TOKEN_SECRET", zap.Error(err))
		}
	} else if cfg.RequireToken {
		zl.Warn("⚠️  MEDIA_REQUIRE_TOKEN is set without MEDIA_TOKEN_SECRET; every media request will be refused")
	}
	tokens := cache.NewTokenCache(cfg.TokenCacheSize, cfg.TokenTTL)

	intake := services.NewIntake(services.IntakeDeps{
		Table:    table,
		Images:   images,
		Videos:   videos,
		Uploader: uploader,
		Scratch:  scratchMgr,
		Signer:   signer,
		Logger:   zl.Named("intake"),
		Metrics:  m,
	}, services.IntakeOptions{
		StorageRoot:   cfg.StorageRoot,
		Project:       cfg.ProjectName,
		PublicBaseURL: cfg.PublicBaseURL,
		NamePrefix:    cfg.FileNamePrefix,
		TokenTTL:      cfg.TokenTTL,
	})

	gateway, err := access.NewGateway(access.GatewayOptions{
		Root:         cfg.StorageRoot,
		Signer:       signer,
		Tokens:       tokens,
		RequireToken: cfg.RequireToken,
		Logger:       zl.Named("gateway"),
	})
	if err != nil {
		zl.Fatal("❌ Invalid storage root", zap.Error(err))
	}

	// Initialize handlers
	uploadHandler := handlers.NewUploadHandler(intake, scratchMgr, bufferPool, cfg.RequestTimeout, zl.Named("upload"))
	mediaHandler := handlers.NewMediaHandler(gateway, m, zl.Named("media"))
	healthHandler := handlers.NewHealthHandler(ffmpeg, connPool.Stats, bufferPool, images, videos, tokens)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		ServerHeader: "MediaPipeline",
		AppName:      "Media Pipeline API",
		BodyLimit:    cfg.BodyLimit,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorHandler: handlers.ErrorHandler,
	})

	// Middleware
	app.Use(recover.New())

	if cfg.EnableCORS {
		app.Use(cors.New(cors.Config{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Range"},
		}))
	}

	if cfg.EnablePerformanceLogs {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}

	// Routes
	api := app.Group("/api")

	api.Post("/files/upload", uploadHandler.Upload)
	api.Post("/files/upload/:kind", uploadHandler.UploadKind)

	api.Get("/media/:project/videos/converted/:folder/:filename", mediaHandler.ServeConverted)
	api.Get("/media/:project/:type/:filename", mediaHandler.Serve)

	if cfg.EnableHealthCheck {
		api.Get("/health", healthHandler.Health)
	}
	if cfg.EnableMetrics {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	// Root endpoint
	app.Get("/", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "Media Pipeline API",
			"version": "1.0.0",
			"status":  "running",
			"endpoints": []string{
				"POST /api/files/upload",
				"POST /api/files/upload/:kind",
				"GET  /api/media/:project/:type/:filename",
				"GET  /api/media/:project/videos/converted/:folder/:filename",
				"GET  /api/health",
				"GET  /metrics",
			},
		})
	})

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		zl.Info("🛑 Shutting down gracefully...")
		if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
			zl.Warn("⚠️  Error during shutdown", zap.Error(err))
		}
	}()

	// Start server
	zl.Info("🌐 Server starting", zap.String("port", cfg.Port), zap.String("project", cfg.ProjectName))
	zl.Info("✅ Ready to process media!")

	if err := app.Listen(":" + cfg.Port); err != nil {
		zl.Error("❌ Server stopped", zap.Error(err))
	}

	// drain in-flight remote operations before closing sessions
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := connPool.CloseAll(ctx); err != nil {
		zl.Warn("⚠️  Remote pool did not drain cleanly", zap.Error(err))
	}
	scratchMgr.Stop()
	zl.Info("👋 Goodbye!")
}

// Package main runs the screen clip HTTP server with WebSocket status feed
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/screenclip/backend/config"
	"github.com/screenclip/backend/internal/auth"
	"github.com/screenclip/backend/internal/capture"
	"github.com/screenclip/backend/internal/clips"
	"github.com/screenclip/backend/internal/middleware"
	"github.com/screenclip/backend/internal/realtime"
	"github.com/screenclip/backend/internal/session"
	"github.com/screenclip/backend/internal/sessions"
	"github.com/screenclip/backend/internal/worker"
	"github.com/screenclip/backend/pkg/blob"
	"github.com/screenclip/backend/pkg/database"
	"github.com/screenclip/backend/pkg/queue"
	"github.com/screenclip/backend/pkg/redis"
	"github.com/screenclip/backend/pkg/response"
	"github.com/screenclip/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	blobs, err := blob.NewStore(cfg.Storage.DataDir)
	if err != nil {
		logger.Fatal("blob store", zap.Error(err))
	}

	// Archiving is best effort: missing Redis or S3 config disables it
	// without taking down upload/list/download.
	var jobQueue *queue.Queue
	if rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger); err != nil {
		logger.Warn("redis unavailable, clip archiving disabled", zap.Error(err))
	} else {
		defer rdb.Close()
		jobQueue = queue.NewQueue(rdb.Client, logger)
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" && cfg.AWS.ClipsBucket != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ClipsBucket:          cfg.AWS.ClipsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		if s3Client, err = storage.NewS3(ctx, s3Cfg, logger); err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	hub := realtime.NewHub(logger)

	// Capture provider: browser tracks over WebRTC by default, local
	// devices via ffmpeg when configured.
	var provider capture.Provider
	var signaler realtime.CaptureSignaler
	switch cfg.Capture.Provider {
	case "ffmpeg":
		ff := capture.NewFFmpegProvider(capture.FFmpegConfig{
			BinaryPath:   cfg.Capture.FFmpegPath,
			DisplayInput: cfg.Capture.DisplayInput,
			AudioInput:   cfg.Capture.AudioInput,
			FrameRate:    cfg.Capture.FrameRate,
		}, logger)
		if err := ff.CheckAvailable(); err != nil {
			logger.Warn("ffmpeg check", zap.Error(err))
		}
		provider = ff
	default:
		iceServers := make([]webrtc.ICEServer, 0, len(cfg.Capture.ICEUrls))
		for _, u := range cfg.Capture.ICEUrls {
			if u != "" {
				iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
			}
		}
		wp := capture.NewWebRTCProvider(capture.WebRTCConfig{
			ICEServers: iceServers,
			FFmpegPath: cfg.Capture.FFmpegPath,
		}, logger)
		defer wp.Close()
		provider = wp
		signaler = wp
	}

	handles := session.NewHandleRegistry()
	ctrl := session.NewController(provider, handles, hub, logger)

	clipRepo := clips.NewRepository(pool)
	var archiver clips.Archiver
	if jobQueue != nil && s3Client != nil {
		archiver = jobQueue
	}
	clipHandler := clips.NewHandler(clipRepo, blobs, s3Client, archiver, logger)
	sessionHandler := sessions.NewHandler(ctrl, clipRepo, blobs, archiver, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := auth.NewHandler(cfg.JWT.APIKeyHash, jwtService, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public). Token exchange only works when an API key is configured.
	router.POST("/auth/token", authHandler.Token)

	// API. Mutating endpoints require a bearer token when auth is enabled.
	api := router.Group("")
	if cfg.JWT.APIKeyHash != "" {
		api.Use(middleware.JWT(jwtService))
	}
	{
		sessionHandler.Register(api)

		api.POST("/clips", clipHandler.Upload)
		api.GET("/clips", clipHandler.List)
		api.GET("/clips/:id", clipHandler.Get)
		api.GET("/clips/:id/content", clipHandler.Content)
		api.GET("/clips/:id/download-url", clipHandler.DownloadURL)
		api.DELETE("/clips/:id", clipHandler.Delete)
	}

	// WebSocket status feed + capture signaling (no auth header on upgrade).
	router.GET("/ws", realtime.ServeWs(hub, logger, signaler))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (clip archive to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if jobQueue != nil && s3Client != nil {
		processor := worker.NewArchiveProcessor(clipRepo, blobs, s3Client, jobQueue, logger)
		go processor.Run(workerCtx)
		logger.Info("archive worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := ctrl.Close(shutdownCtx); err != nil {
		logger.Warn("controller shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

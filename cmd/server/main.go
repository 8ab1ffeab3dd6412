package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vachak/internal/app"
	"vachak/internal/auth"
	"vachak/internal/config"
	"vachak/internal/notify"
	"vachak/internal/server"
	"vachak/internal/util"
	"vachak/pkg/ocr"
	"vachak/pkg/queue"
	"vachak/pkg/storage"
	"vachak/pkg/store"
	"vachak/pkg/tts"
)

// queueDispatcher adapts the Redis job queue to the controller's dispatch
// surface.
type queueDispatcher struct {
	q *queue.RedisJobQueue
}

func (d *queueDispatcher) Dispatch(ctx context.Context, bookID string, chunkNumber int, kind string) error {
	_, err := d.q.Enqueue(ctx, bookID, chunkNumber, kind)
	return err
}

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.PublicBaseURL, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}
	jobs, err := queue.NewRedisJobQueue(queue.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.Config{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	hub := notify.NewHub(logger)
	controller := app.New(app.Config{
		Store:          st,
		Objects:        objects,
		OCR:            ocr.NewHTTPEngine(cfg.OCRURL, cfg.OCRAPIKey, nil),
		TTS:            tts.NewHTTPSynthesizer(cfg.TTSURL, cfg.TTSAPIKey, nil),
		Hub:            hub,
		Dispatcher:     &queueDispatcher{q: jobs},
		Logger:         logger,
		PagesPerChunk:  cfg.PagesPerChunk,
		Voice:          cfg.TTSVoice,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	httpServer := server.New(controller, verifier, logger)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: event streams stay open for the client's lifetime.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pipeline concurrency stays at 1 so one book never has two chunks in
	// flight at once.
	jobs.Start(ctx, 1, func(ctx context.Context, job queue.Job) error {
		return controller.HandleJob(ctx, job.BookID, job.ChunkNumber, job.Kind)
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/api/handlers/image"
	"github.com/aliskhannn/image-pipeline/internal/api/router"
	"github.com/aliskhannn/image-pipeline/internal/api/server"
	"github.com/aliskhannn/image-pipeline/internal/captioner"
	"github.com/aliskhannn/image-pipeline/internal/config"
	"github.com/aliskhannn/image-pipeline/internal/infra/kafka/consumer"
	"github.com/aliskhannn/image-pipeline/internal/infra/kafka/producer"
	imagemsg "github.com/aliskhannn/image-pipeline/internal/kafka/handlers/image"
	"github.com/aliskhannn/image-pipeline/internal/processor"
	imagerepo "github.com/aliskhannn/image-pipeline/internal/repository/image"
	imagesvc "github.com/aliskhannn/image-pipeline/internal/service/image"
	"github.com/aliskhannn/image-pipeline/internal/storage/file"
	"github.com/aliskhannn/image-pipeline/internal/worker"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Apply schema migrations against the master.
	if err := imagerepo.Migrate(db.Master); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Initialize file storage (MinIO).
	storage, err := file.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// Caption model handle: created once here and injected into the
	// pipeline; workers share it read-only for their lifetime.
	cpt := captioner.New(cfg.Captioner.URL, cfg.Captioner.Timeout)

	// Initialize repository, producer, pipeline, executor, and service layer.
	repo := imagerepo.NewRepository(db)
	p := producer.New(&cfg.Kafka, strategy)
	pipeline := processor.New(storage, cpt, processor.PreviewOptions{
		Enabled:  cfg.Preview.Enabled,
		FontPath: cfg.Preview.FontPath,
	})
	executor := worker.New(repo, pipeline, p, worker.Policy{
		MaxRetries: cfg.Pipeline.MaxRetries,
		BaseDelay:  cfg.Pipeline.BaseDelay,
		MaxDelay:   cfg.Pipeline.MaxDelay,
	})
	service := imagesvc.NewService(repo, storage, p)

	// Kafka message handler for queued image tasks.
	taskHandler := imagemsg.NewUploadedHandler(executor)

	// HTTP handler for image routes.
	imgHandler := image.NewHandler(service, cfg.Server.BaseURL)

	// Worker pool: independent consumers pulling from the shared queue.
	var wg sync.WaitGroup
	consumers := make([]*consumer.Consumer, 0, cfg.Worker.Count)
	for i := 0; i < cfg.Worker.Count; i++ {
		c := consumer.New(&cfg.Kafka, strategy, taskHandler)
		consumers = append(consumers, c)

		wg.Add(1)
		go c.Consume(ctx, &wg)
	}

	// Start HTTP server in a separate goroutine.
	r := router.Setup(imgHandler)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Wait for consumer goroutines to finish their in-flight jobs.
	wg.Wait()

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}
	for i, s := range db.Slaves {
		if err := s.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	// Close Kafka producer and consumer clients.
	if err = p.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
	}
	for _, c := range consumers {
		if err = c.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
		}
	}
}

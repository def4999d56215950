package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/swiftai/cv-pipeline/internal/async"
	"github.com/swiftai/cv-pipeline/internal/cache"
	"github.com/swiftai/cv-pipeline/internal/classify"
	"github.com/swiftai/cv-pipeline/internal/common"
	"github.com/swiftai/cv-pipeline/internal/export"
	"github.com/swiftai/cv-pipeline/internal/extract"
	"github.com/swiftai/cv-pipeline/internal/normalize"
	"github.com/swiftai/cv-pipeline/internal/pipeline"
	"github.com/swiftai/cv-pipeline/internal/render"
	"github.com/swiftai/cv-pipeline/internal/repository"
	"github.com/swiftai/cv-pipeline/internal/server"
	"github.com/swiftai/cv-pipeline/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		DialTimeout:     cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("opening job store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := buildStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("opening artifact store", "error", err)
		os.Exit(1)
	}

	registry, err := render.NewRegistry(cfg.Render.TemplateDir, logger)
	if err != nil {
		logger.Error("loading templates", "error", err)
		os.Exit(1)
	}

	jobs := repository.NewJobRepository(db, logger)
	docs := repository.NewDocumentRepository(db, logger)
	leases := repository.NewLeaseRepository(db, logger)
	index := cache.NewIndex(cfg.Pipeline.CacheTTL)

	orch := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Store:      store,
		Documents:  docs,
		Jobs:       jobs,
		Classifier: classify.NewClassifier(logger),
		Extractor: extract.NewExtractor(extract.Config{
			Pdftotext:           cfg.Extract.Pdftotext,
			Pdftoppm:            cfg.Extract.Pdftoppm,
			Tesseract:           cfg.Extract.Tesseract,
			TesseractLang:       cfg.Extract.TesseractLang,
			TessdataDir:         cfg.Extract.TessdataDir,
			DPI:                 cfg.Extract.DPI,
			MaxPages:            cfg.Extract.MaxPages,
			MinCharsPerPage:     cfg.Extract.MinCharsPerPage,
			ConfidenceThreshold: cfg.Extract.ConfidenceThreshold,
			EnableTSVConfidence: cfg.Extract.EnableTSVConfidence,
		}, logger),
		Normalizer: normalize.NewNormalizer(logger),
		Renderer: render.NewRenderer(render.Config{
			Weasyprint:  cfg.Render.Weasyprint,
			TemplateDir: cfg.Render.TemplateDir,
		}, registry, logger),
		Templates: registry,
		Index:     index,
	}, logger)

	pool := async.NewPool(orch.ProcessJob,
		async.WithWorkers(cfg.Pipeline.Workers),
		async.WithQueueSize(cfg.Pipeline.QueueSize),
		async.WithLogger(logger),
	)
	orch.OnEnqueue(func(id uuid.UUID) { pool.Submit(id) })

	sweeper := async.NewSweeper(cfg.Pipeline, jobs, leases, store, index, logger)
	sweeper.OnPromote(func(id uuid.UUID) { pool.Submit(id) })

	pool.Start(ctx)
	go sweeper.Run(ctx)

	srv := server.New(cfg.Server, orch, export.NewService(jobs, logger), db, logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown", "error", err)
	}
	logger.Info("stopped")
}

func buildStore(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (storage.ArtifactStore, error) {
	if cfg.Backend == "gcs" {
		return storage.NewGCSStore(ctx, cfg.GCSBucket, logger)
	}
	return storage.NewFSStore(cfg.Root, logger)
}

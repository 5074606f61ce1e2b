package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/courseloom/courseloom/config"
	"github.com/courseloom/courseloom/database"
	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/pkg/metrics"
	"github.com/courseloom/courseloom/queue"
	"github.com/courseloom/courseloom/repository"
	"github.com/courseloom/courseloom/service"
	"github.com/sirupsen/logrus"
)

// maxInlineWait is the longest a consumer goroutine will sleep on a
// not-yet-due message before republishing it instead, so a long deferral
// never stalls the partition.
const maxInlineWait = 5 * time.Second

func main() {
	cfg := config.LoadConfig()
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	db, err := database.InitDB(cfg)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}

	courseRepo := repository.NewCourseRepository(db)
	nodeRepo := repository.NewNodeRepository(db)
	entryRepo := repository.NewEntryRepository(db)
	mappingRepo := repository.NewMappingRepository(db)
	jobRepo := repository.NewJobRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)

	fingerprint := service.NewFingerprintService(nodeRepo, entryRepo)
	tree := service.NewTreeService(nodeRepo, entryRepo, mappingRepo, fingerprint, cfg)
	validator := service.NewMappingValidator(mappingRepo, entryRepo, logger)

	window, err := service.NewWorkWindow(cfg.Pipeline)
	if err != nil {
		log.Fatalf("work window config invalid: %v", err)
	}
	estimator := service.NewEstimator(jobRepo, window, cfg.Pipeline)
	producer := queue.NewProducer(&cfg.Kafka, logger)
	defer producer.Close()

	orchestrator := service.NewOrchestrator(jobRepo, producer, estimator, window, cfg, logger)

	storage, err := service.NewMinioStorageResolver(&cfg.MinIO)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	extractors := map[string]service.Extractor{
		models.SourceTypeText:         service.TextExtractor{},
		models.SourceTypeWeb:          service.WebExtractor{},
		models.SourceTypePresentation: service.PresentationExtractor{},
		models.SourceTypeVideo:        service.NewVideoExtractor(&cfg.OpenAI),
	}
	ingestion := service.NewIngestionService(entryRepo, tree, validator, storage, extractors, logger)

	structurer := service.NewOpenAIStructurer(&cfg.OpenAI, logger)
	generation := service.NewGenerationService(
		courseRepo, nodeRepo, entryRepo, mappingRepo, jobRepo, snapshotRepo,
		tree, fingerprint, orchestrator, structurer, logger,
	)

	orchestrator.Register(models.JobTypeIngestion, ingestion)
	orchestrator.Register(models.JobTypeGeneration, generation)
	orchestrator.SetIngestionHook(ingestion)

	metrics.StartMetricsServer("9091")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle := func(ctx context.Context, msg queue.JobMessage) error {
		if wait := time.Until(msg.NotBefore); wait > 0 {
			if wait > maxInlineWait {
				return producer.Publish(ctx, msg.JobID, msg.NotBefore)
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		outcome, err := orchestrator.Dispatch(ctx, msg.JobID)
		if err != nil {
			return err
		}
		if outcome.Requeue {
			return producer.Publish(ctx, msg.JobID, time.Now().UTC().Add(outcome.Delay))
		}
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Pipeline.WorkerConcurrency; i++ {
		consumer := queue.NewConsumer(&cfg.Kafka, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer consumer.Close()
			if err := consumer.Run(ctx, handle); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("consumer stopped")
			}
		}()
	}

	logger.WithField("concurrency", cfg.Pipeline.WorkerConcurrency).Info("worker started")
	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	sqlDB, err := db.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
}

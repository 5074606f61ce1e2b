package main

import (
	"log"

	"github.com/courseloom/courseloom/config"
	"github.com/courseloom/courseloom/database"
	"github.com/courseloom/courseloom/handler"
	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/pkg/metrics"
	"github.com/courseloom/courseloom/queue"
	"github.com/courseloom/courseloom/repository"
	"github.com/courseloom/courseloom/router"
	"github.com/courseloom/courseloom/service"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func autoMigrate(db *gorm.DB) {
	if err := db.AutoMigrate(
		&models.Course{},
		&models.MaterialNode{},
		&models.MaterialEntry{},
		&models.SlideVideoMapping{},
		&models.Job{},
		&models.CourseStructureSnapshot{},
	); err != nil {
		log.Fatalf("auto migrate failed: %v", err)
	}
}

func main() {
	cfg := config.LoadConfig()
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	db, err := database.InitDB(cfg)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}
	autoMigrate(db)

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
	structurer := service.NewOpenAIStructurer(&cfg.OpenAI, logger)
	generation := service.NewGenerationService(
		courseRepo, nodeRepo, entryRepo, mappingRepo, jobRepo, snapshotRepo,
		tree, fingerprint, orchestrator, structurer, logger,
	)

	r := router.Setup(
		handler.NewCourseHandler(courseRepo),
		handler.NewTreeHandler(tree, nodeRepo, entryRepo),
		handler.NewMappingHandler(validator, mappingRepo),
		handler.NewGenerationHandler(generation, snapshotRepo),
		handler.NewJobHandler(jobRepo),
	)

	metrics.StartMetricsServer("9090")

	port := "8080"
	logger.Infof("api listening on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("serve error: %v", err)
	}
}

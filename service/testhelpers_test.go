package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/courseloom/courseloom/config"
	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.Course{},
		&models.MaterialNode{},
		&models.MaterialEntry{},
		&models.SlideVideoMapping{},
		&models.Job{},
		&models.CourseStructureSnapshot{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			MaxTreeDepth:             4,
			MaxJobAttempts:           3,
			RetryBackoff:             30 * time.Second,
			IngestionTimeout:         time.Minute,
			GenerationTimeout:        time.Minute,
			WorkerConcurrency:        1,
			WorkWindowEnabled:        false,
			WorkWindowStart:          "22:00",
			WorkWindowEnd:            "06:00",
			WorkWindowTZ:             "UTC",
			DefaultIngestionSeconds:  120,
			DefaultGenerationSeconds: 90,
		},
	}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type testEnv struct {
	db           *gorm.DB
	cfg          *config.Config
	courseRepo   repository.CourseRepository
	nodeRepo     repository.NodeRepository
	entryRepo    repository.EntryRepository
	mappingRepo  repository.MappingRepository
	jobRepo      repository.JobRepository
	snapshotRepo repository.SnapshotRepository
	fingerprint  FingerprintService
	tree         TreeService
	validator    MappingValidator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	cfg := testConfig()
	nodeRepo := repository.NewNodeRepository(db)
	entryRepo := repository.NewEntryRepository(db)
	mappingRepo := repository.NewMappingRepository(db)
	fingerprint := NewFingerprintService(nodeRepo, entryRepo)
	return &testEnv{
		db:           db,
		cfg:          cfg,
		courseRepo:   repository.NewCourseRepository(db),
		nodeRepo:     nodeRepo,
		entryRepo:    entryRepo,
		mappingRepo:  mappingRepo,
		jobRepo:      repository.NewJobRepository(db),
		snapshotRepo: repository.NewSnapshotRepository(db),
		fingerprint:  fingerprint,
		tree:         NewTreeService(nodeRepo, entryRepo, mappingRepo, fingerprint, cfg),
		validator:    NewMappingValidator(mappingRepo, entryRepo, testLogger()),
	}
}

func (e *testEnv) mustCourse(t *testing.T) *models.Course {
	t.Helper()
	course := &models.Course{OwnerID: uuid.New(), Title: "Distributed Systems"}
	if err := e.courseRepo.Create(course); err != nil {
		t.Fatalf("create course: %v", err)
	}
	return course
}

func (e *testEnv) mustNode(t *testing.T, courseID uuid.UUID, parentID *uuid.UUID, title string) *models.MaterialNode {
	t.Helper()
	node, err := e.tree.CreateNode(courseID, parentID, title)
	if err != nil {
		t.Fatalf("create node %q: %v", title, err)
	}
	return node
}

func (e *testEnv) mustEntry(t *testing.T, nodeID uuid.UUID, sourceType, filename string) *models.MaterialEntry {
	t.Helper()
	entry, err := e.tree.CreateEntry(nodeID, sourceType, "minio://materials/"+filename, filename)
	if err != nil {
		t.Fatalf("create entry %q: %v", filename, err)
	}
	return entry
}

// mustProcess drives an entry straight to READY with the given processed
// content, the way a finished ingestion job would.
func (e *testEnv) mustProcess(t *testing.T, entryID uuid.UUID, content any) {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	if err := e.tree.CompleteProcessing(entryID, raw, fmt.Sprintf("hash-%s", entryID)); err != nil {
		t.Fatalf("complete processing: %v", err)
	}
}

func (e *testEnv) reloadEntry(t *testing.T, id uuid.UUID) *models.MaterialEntry {
	t.Helper()
	entry, err := e.entryRepo.GetByID(id)
	if err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	return entry
}

func (e *testEnv) reloadNode(t *testing.T, id uuid.UUID) *models.MaterialNode {
	t.Helper()
	node, err := e.nodeRepo.GetByID(id)
	if err != nil {
		t.Fatalf("reload node: %v", err)
	}
	return node
}

// fakePublisher records published job ids instead of talking to a broker.
type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	failWith error
}

type publishedMessage struct {
	JobID     uuid.UUID
	NotBefore time.Time
}

func (p *fakePublisher) Publish(_ context.Context, jobID uuid.UUID, notBefore time.Time) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{JobID: jobID, NotBefore: notBefore})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// fakeStructurer returns a canned payload and counts invocations.
type fakeStructurer struct {
	calls   int
	payload string
	err     error
}

func (s *fakeStructurer) Generate(_ context.Context, _ *GenerationContext, _ string) ([]byte, LLMUsage, error) {
	s.calls++
	if s.err != nil {
		return nil, LLMUsage{}, s.err
	}
	payload := s.payload
	if payload == "" {
		payload = `{"sections":[{"title":"Basics","summary":"intro"}]}`
	}
	return []byte(payload), LLMUsage{ModelID: "test-model", PromptTokens: 100, CompletionTokens: 50}, nil
}

// fakeStorage serves raw bytes keyed by source URL.
type fakeStorage struct {
	objects map[string][]byte
}

func (s *fakeStorage) Fetch(_ context.Context, sourceURL string) ([]byte, error) {
	data, ok := s.objects[sourceURL]
	if !ok {
		return nil, fmt.Errorf("object %q not found", sourceURL)
	}
	return data, nil
}

package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// IngestionService is the ingestion job runner plus the completion hook the
// orchestrator invokes when those jobs finish.
type IngestionService interface {
	JobRunner
	IngestionHook
}

type IngestionServiceImpl struct {
	entryRepo repository.EntryRepository
	tree      TreeService
	validator MappingValidator
	storage   StorageResolver
	extractor map[string]Extractor
	logger    *logrus.Logger
}

func NewIngestionService(
	entryRepo repository.EntryRepository,
	tree TreeService,
	validator MappingValidator,
	storage StorageResolver,
	extractors map[string]Extractor,
	logger *logrus.Logger,
) *IngestionServiceImpl {
	return &IngestionServiceImpl{
		entryRepo: entryRepo,
		tree:      tree,
		validator: validator,
		storage:   storage,
		extractor: extractors,
		logger:    logger,
	}
}

// Run fetches the raw source, hashes it and runs the source-type extractor.
// The entry itself is not touched here; all entry state transitions happen
// in the completion hook so they are tied to the job's final status.
func (s *IngestionServiceImpl) Run(ctx context.Context, job *models.Job) (*RunResult, error) {
	if job.EntryID == nil {
		return nil, Permanent(fmt.Errorf("ingestion job %s has no entry reference", job.ID))
	}
	entry, err := s.entryRepo.GetByID(*job.EntryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Permanent(fmt.Errorf("entry %s no longer exists", *job.EntryID))
		}
		return nil, err
	}

	extractor, ok := s.extractor[entry.SourceType]
	if !ok {
		return nil, Permanent(fmt.Errorf("no extractor for source type %q", entry.SourceType))
	}

	raw, err := s.storage.Fetch(ctx, entry.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	sum := sha256.Sum256(raw)
	rawHash := hex.EncodeToString(sum[:])

	content, err := extractor.Extract(ctx, entry, raw)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", entry.SourceType, err)
	}

	s.logger.WithFields(logrus.Fields{
		"entry_id":    entry.ID,
		"source_type": entry.SourceType,
		"raw_bytes":   len(raw),
	}).Info("material ingested")
	return &RunResult{ProcessedContent: content, RawHash: rawHash}, nil
}

// OnIngestionComplete commits the extraction result and propagates its
// consequences in order: entry update and receipt clear, upward fingerprint
// invalidation (inside CompleteProcessing), then revalidation of every
// mapping this entry was blocking.
func (s *IngestionServiceImpl) OnIngestionComplete(_ context.Context, entryID uuid.UUID, content []byte, rawHash string) error {
	if err := s.tree.CompleteProcessing(entryID, content, rawHash); err != nil {
		return err
	}
	return s.revalidateBlocked(entryID)
}

// OnIngestionFailed records the failure on the entry. Blocked mappings are
// revalidated too so their blocking factors flip to material_error instead
// of waiting on a job that will never complete.
func (s *IngestionServiceImpl) OnIngestionFailed(_ context.Context, entryID uuid.UUID, message string) error {
	if err := s.tree.FailProcessing(entryID, message); err != nil {
		return err
	}
	return s.revalidateBlocked(entryID)
}

func (s *IngestionServiceImpl) revalidateBlocked(entryID uuid.UUID) error {
	blocked, err := s.validator.FindBlockedBy(entryID)
	if err != nil {
		return fmt.Errorf("find blocked mappings: %w", err)
	}
	if len(blocked) == 0 {
		return nil
	}
	if err := s.validator.RevalidateBatch(blocked); err != nil {
		return fmt.Errorf("revalidate mappings: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"entry_id": entryID,
		"mappings": len(blocked),
	}).Info("blocked mappings revalidated")
	return nil
}

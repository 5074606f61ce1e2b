package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/pkg/apperr"
	"github.com/courseloom/courseloom/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CandidateMapping is a not-yet-persisted slide/video link submission.
type CandidateMapping struct {
	PresentationID uuid.UUID `json:"presentation_id"`
	VideoID        uuid.UUID `json:"video_id"`
	SlideNumber    int       `json:"slide_number"`
	StartTimecode  string    `json:"start_timecode"`
	EndTimecode    string    `json:"end_timecode"`
}

// ContentOutcome is the result of a level-2 content-range check.
type ContentOutcome int

const (
	ContentValidated ContentOutcome = iota
	ContentFailed
	// ContentSkipped means the processed content had an ambiguous shape and
	// the check could not run; the mapping keeps its prior state.
	ContentSkipped
)

// BatchResult is the per-item outcome of a bulk mapping submission.
type BatchResult struct {
	Mapping *models.SlideVideoMapping `json:"mapping,omitempty"`
	Err     error                     `json:"-"`
}

// MappingValidator runs the three escalating validation levels for
// slide/video mappings and keeps deferred validations current as their
// blocking materials resolve.
type MappingValidator interface {
	ValidateStructural(nodeID uuid.UUID, cand CandidateMapping) (*models.MaterialEntry, *models.MaterialEntry, error)
	ValidateContent(mapping *models.SlideVideoMapping, pres, video *models.MaterialEntry) (ContentOutcome, []models.RangeError)
	CreateWithDeferral(nodeID uuid.UUID, cand CandidateMapping) (*models.SlideVideoMapping, error)
	CreateBatch(nodeID uuid.UUID, cands []CandidateMapping) []BatchResult
	RevalidateBatch(mappings []*models.SlideVideoMapping) error
	FindBlockedBy(entryID uuid.UUID) ([]*models.SlideVideoMapping, error)
}

type MappingValidatorImpl struct {
	mappingRepo repository.MappingRepository
	entryRepo   repository.EntryRepository
	logger      *logrus.Logger
}

func NewMappingValidator(mappingRepo repository.MappingRepository, entryRepo repository.EntryRepository, logger *logrus.Logger) MappingValidator {
	return &MappingValidatorImpl{
		mappingRepo: mappingRepo,
		entryRepo:   entryRepo,
		logger:      logger,
	}
}

// ValidateStructural is level 1. It runs before anything is persisted and a
// failure rejects the submission outright: a malformed request is never
// stored as pending or failed. On success the two referenced entries are
// returned so callers don't reload them.
func (v *MappingValidatorImpl) ValidateStructural(nodeID uuid.UUID, cand CandidateMapping) (*models.MaterialEntry, *models.MaterialEntry, error) {
	var fields []models.RangeError

	pres, err := v.loadEntryForNode(cand.PresentationID, nodeID)
	if err != nil {
		fields = append(fields, models.RangeError{Field: "presentation_id", Message: err.Error()})
	} else if pres.SourceType != models.SourceTypePresentation {
		fields = append(fields, models.RangeError{
			Field:   "presentation_id",
			Message: fmt.Sprintf("entry %s has source type %q, want %q", pres.ID, pres.SourceType, models.SourceTypePresentation),
		})
	}

	video, err := v.loadEntryForNode(cand.VideoID, nodeID)
	if err != nil {
		fields = append(fields, models.RangeError{Field: "video_id", Message: err.Error()})
	} else if video.SourceType != models.SourceTypeVideo {
		fields = append(fields, models.RangeError{
			Field:   "video_id",
			Message: fmt.Sprintf("entry %s has source type %q, want %q", video.ID, video.SourceType, models.SourceTypeVideo),
		})
	}

	if cand.SlideNumber < 1 {
		fields = append(fields, models.RangeError{Field: "slide_number", Message: "slide number must be >= 1"})
	}

	start, err := ParseTimecode(cand.StartTimecode)
	if err != nil {
		fields = append(fields, models.RangeError{Field: "start_timecode", Message: err.Error()})
	}
	if cand.EndTimecode != "" {
		end, err := ParseTimecode(cand.EndTimecode)
		if err != nil {
			fields = append(fields, models.RangeError{Field: "end_timecode", Message: err.Error()})
		} else if cand.StartTimecode != "" && end < start {
			fields = append(fields, models.RangeError{
				Field:   "end_timecode",
				Message: fmt.Sprintf("end %s is before start %s", cand.EndTimecode, cand.StartTimecode),
			})
		}
	}

	if len(fields) > 0 {
		return nil, nil, apperr.Validation("mapping failed structural validation", fields)
	}
	return pres, video, nil
}

// ValidateContent is level 2 and only runs when both entries are READY.
// Content with an unexpected shape (array instead of object, missing or
// non-positive page_count) yields ContentSkipped rather than a failure so
// ambiguous data never flips a mapping to validation_failed.
func (v *MappingValidatorImpl) ValidateContent(mapping *models.SlideVideoMapping, pres, video *models.MaterialEntry) (ContentOutcome, []models.RangeError) {
	pc, ok := models.DecodePresentationContent(pres.ProcessedContent)
	if !ok {
		return ContentSkipped, nil
	}
	vc, ok := models.DecodeVideoContent(video.ProcessedContent)
	if !ok {
		return ContentSkipped, nil
	}

	var rangeErrs []models.RangeError
	if mapping.SlideNumber > pc.PageCount {
		rangeErrs = append(rangeErrs, models.RangeError{
			Field: "slide_number",
			Message: fmt.Sprintf("slide %d out of range, presentation has %d slides",
				mapping.SlideNumber, pc.PageCount),
		})
	}

	duration := vc.EffectiveDuration()
	start, err := ParseTimecode(mapping.StartTimecode)
	if err == nil && float64(start) > duration {
		rangeErrs = append(rangeErrs, models.RangeError{
			Field: "start_timecode",
			Message: fmt.Sprintf("start %s is past the end of the video (%.0fs)",
				mapping.StartTimecode, duration),
		})
	}
	if mapping.EndTimecode != "" {
		end, err := ParseTimecode(mapping.EndTimecode)
		if err == nil && float64(end) > duration {
			rangeErrs = append(rangeErrs, models.RangeError{
				Field: "end_timecode",
				Message: fmt.Sprintf("end %s is past the end of the video (%.0fs)",
					mapping.EndTimecode, duration),
			})
		}
	}

	if len(rangeErrs) > 0 {
		return ContentFailed, rangeErrs
	}
	return ContentValidated, nil
}

// CreateWithDeferral runs level 1, then either completes validation (both
// entries READY) or persists the mapping as pending_validation with the
// blocking factors spelled out. Deferral is an accepted, trackable state,
// not an error.
func (v *MappingValidatorImpl) CreateWithDeferral(nodeID uuid.UUID, cand CandidateMapping) (*models.SlideVideoMapping, error) {
	pres, video, err := v.ValidateStructural(nodeID, cand)
	if err != nil {
		return nil, err
	}

	mapping := &models.SlideVideoMapping{
		NodeID:         nodeID,
		PresentationID: cand.PresentationID,
		VideoID:        cand.VideoID,
		SlideNumber:    cand.SlideNumber,
		StartTimecode:  cand.StartTimecode,
		EndTimecode:    cand.EndTimecode,
	}

	factors := blockingFactors(pres, video)
	if len(factors) > 0 {
		mapping.ValidationState = models.ValidationStatePending
		mapping.BlockingFactors = factors
	} else {
		v.applyContentOutcome(mapping, pres, video)
	}

	if err := v.mappingRepo.Create(mapping); err != nil {
		return nil, fmt.Errorf("persist mapping: %w", err)
	}
	return mapping, nil
}

// CreateBatch validates and persists a batch, returning per-item results so
// one malformed item never blocks the rest of a bulk upload.
func (v *MappingValidatorImpl) CreateBatch(nodeID uuid.UUID, cands []CandidateMapping) []BatchResult {
	results := make([]BatchResult, 0, len(cands))
	for _, cand := range cands {
		mapping, err := v.CreateWithDeferral(nodeID, cand)
		results = append(results, BatchResult{Mapping: mapping, Err: err})
	}
	return results
}

// RevalidateBatch re-checks deferred mappings after their blockers change
// state. A blocker that resolved to ERROR stays on the mapping as a
// material_error blocking factor instead of being silently dropped.
func (v *MappingValidatorImpl) RevalidateBatch(mappings []*models.SlideVideoMapping) error {
	for _, mapping := range mappings {
		pres, err := v.entryRepo.GetByID(mapping.PresentationID)
		if err != nil {
			return fmt.Errorf("load presentation %s: %w", mapping.PresentationID, err)
		}
		video, err := v.entryRepo.GetByID(mapping.VideoID)
		if err != nil {
			return fmt.Errorf("load video %s: %w", mapping.VideoID, err)
		}

		factors := blockingFactors(pres, video)
		if len(factors) > 0 {
			mapping.ValidationState = models.ValidationStatePending
			mapping.BlockingFactors = factors
			mapping.ValidationErrors = nil
			mapping.ValidatedAt = nil
		} else {
			v.applyContentOutcome(mapping, pres, video)
		}
		if err := v.mappingRepo.Update(mapping); err != nil {
			return fmt.Errorf("update mapping %s: %w", mapping.ID, err)
		}
		v.logger.WithFields(logrus.Fields{
			"mapping_id": mapping.ID,
			"state":      mapping.ValidationState,
		}).Debug("mapping revalidated")
	}
	return nil
}

func (v *MappingValidatorImpl) FindBlockedBy(entryID uuid.UUID) ([]*models.SlideVideoMapping, error) {
	return v.mappingRepo.FindBlockedBy(entryID)
}

// applyContentOutcome runs level 2 and writes the resulting state onto the
// mapping. On ContentSkipped a mapping that was never validated before is
// kept pending with a shape-related factor; a previously validated one keeps
// its state.
func (v *MappingValidatorImpl) applyContentOutcome(mapping *models.SlideVideoMapping, pres, video *models.MaterialEntry) {
	outcome, rangeErrs := v.ValidateContent(mapping, pres, video)
	switch outcome {
	case ContentValidated:
		now := time.Now().UTC()
		mapping.ValidationState = models.ValidationStateValidated
		mapping.BlockingFactors = nil
		mapping.ValidationErrors = nil
		mapping.ValidatedAt = &now
	case ContentFailed:
		mapping.ValidationState = models.ValidationStateFailed
		mapping.BlockingFactors = nil
		mapping.ValidationErrors = rangeErrs
		mapping.ValidatedAt = nil
	case ContentSkipped:
		if mapping.ValidationState == models.ValidationStateValidated {
			return
		}
		mapping.ValidationState = models.ValidationStatePending
		mapping.BlockingFactors = []models.BlockingFactor{
			factorFor(pres, "processed content has an unexpected shape; waiting for re-extraction"),
		}
	}
}

func blockingFactors(entries ...*models.MaterialEntry) []models.BlockingFactor {
	var factors []models.BlockingFactor
	for _, e := range entries {
		switch e.State() {
		case models.EntryStateReady:
			continue
		case models.EntryStateError:
			f := factorFor(e, fmt.Sprintf("material processing failed: %s", derefOr(e.ErrorMessage, "unknown error")))
			f.Kind = models.BlockingKindMaterialError
			factors = append(factors, f)
		default:
			factors = append(factors, factorFor(e,
				fmt.Sprintf("material %q is %s and must finish processing", e.Filename, e.State())))
		}
	}
	return factors
}

func factorFor(e *models.MaterialEntry, reason string) models.BlockingFactor {
	return models.BlockingFactor{
		EntryID:  e.ID,
		Filename: e.Filename,
		State:    string(e.State()),
		Kind:     models.BlockingKindNotReady,
		Reason:   reason,
	}
}

func (v *MappingValidatorImpl) loadEntryForNode(entryID, nodeID uuid.UUID) (*models.MaterialEntry, error) {
	entry, err := v.entryRepo.GetByID(entryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("entry %s does not exist", entryID)
		}
		return nil, err
	}
	if entry.NodeID != nodeID {
		return nil, fmt.Errorf("entry %s does not belong to node %s", entryID, nodeID)
	}
	return entry, nil
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

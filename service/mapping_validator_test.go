package service

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/pkg/apperr"
	"github.com/google/uuid"
)

func presentationJSON(pages int) map[string]any {
	return map[string]any{"page_count": pages}
}

func videoJSON(durationSec float64) map[string]any {
	return map[string]any{"duration_sec": durationSec}
}

func TestStructuralValidationAccumulatesErrors(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "lecture 1")
	pres := env.mustEntry(t, node.ID, models.SourceTypePresentation, "deck.pdf")
	video := env.mustEntry(t, node.ID, models.SourceTypeVideo, "lecture.mp4")

	// Swapped references, bad slide number and a malformed timecode in one
	// submission: every field failure must be reported, and nothing stored.
	_, err := env.validator.CreateWithDeferral(node.ID, CandidateMapping{
		PresentationID: video.ID,
		VideoID:        pres.ID,
		SlideNumber:    0,
		StartTimecode:  "not-a-timecode",
	})
	if !apperr.IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("got %v, want validation error", err)
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatal("expected apperr.Error")
	}
	fields, ok := ae.Details.([]models.RangeError)
	if !ok {
		t.Fatalf("details type %T", ae.Details)
	}
	if len(fields) != 4 {
		t.Errorf("got %d field errors, want 4: %+v", len(fields), fields)
	}

	mappings, err := env.mappingRepo.GetByNode(node.ID)
	if err != nil {
		t.Fatalf("list mappings: %v", err)
	}
	if len(mappings) != 0 {
		t.Errorf("structurally invalid mapping was persisted")
	}
}

func TestMappingDeferralResolvesAsMaterialsLand(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "lecture 1")
	pres := env.mustEntry(t, node.ID, models.SourceTypePresentation, "deck.pdf")
	video := env.mustEntry(t, node.ID, models.SourceTypeVideo, "lecture.mp4")

	mapping, err := env.validator.CreateWithDeferral(node.ID, CandidateMapping{
		PresentationID: pres.ID,
		VideoID:        video.ID,
		SlideNumber:    3,
		StartTimecode:  "01:00",
		EndTimecode:    "02:30",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if mapping.ValidationState != models.ValidationStatePending {
		t.Fatalf("state = %q, want pending", mapping.ValidationState)
	}
	if len(mapping.BlockingFactors) != 2 {
		t.Fatalf("blocking factors = %d, want 2", len(mapping.BlockingFactors))
	}

	// One material lands: still pending, one factor left.
	env.mustProcess(t, pres.ID, presentationJSON(30))
	revalidate(t, env, pres.ID)
	mapping = reloadMapping(t, env, mapping.ID)
	if mapping.ValidationState != models.ValidationStatePending {
		t.Fatalf("state after first material = %q, want pending", mapping.ValidationState)
	}
	if len(mapping.BlockingFactors) != 1 {
		t.Fatalf("blocking factors = %d, want 1", len(mapping.BlockingFactors))
	}

	// Second material lands: content validation runs and passes.
	env.mustProcess(t, video.ID, videoJSON(600))
	revalidate(t, env, video.ID)
	mapping = reloadMapping(t, env, mapping.ID)
	if mapping.ValidationState != models.ValidationStateValidated {
		t.Fatalf("state after both materials = %q, want validated", mapping.ValidationState)
	}
	if len(mapping.BlockingFactors) != 0 {
		t.Errorf("validated mapping still has blocking factors")
	}
	if mapping.ValidatedAt == nil {
		t.Error("validated mapping has no validated_at")
	}
}

func TestContentValidationSlideOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "lecture 1")
	pres := env.mustEntry(t, node.ID, models.SourceTypePresentation, "deck.pdf")
	video := env.mustEntry(t, node.ID, models.SourceTypeVideo, "lecture.mp4")
	env.mustProcess(t, pres.ID, presentationJSON(30))
	env.mustProcess(t, video.ID, videoJSON(600))

	mapping, err := env.validator.CreateWithDeferral(node.ID, CandidateMapping{
		PresentationID: pres.ID,
		VideoID:        video.ID,
		SlideNumber:    45,
		StartTimecode:  "01:00",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if mapping.ValidationState != models.ValidationStateFailed {
		t.Fatalf("state = %q, want validation_failed", mapping.ValidationState)
	}
	if len(mapping.ValidationErrors) != 1 {
		t.Fatalf("validation errors = %d, want 1", len(mapping.ValidationErrors))
	}
	// The message must name the deck's actual page count.
	if msg := mapping.ValidationErrors[0].Message; !strings.Contains(msg, "30") {
		t.Errorf("error message %q does not mention the page count", msg)
	}
}

func TestContentValidationTimecodePastEnd(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "lecture 1")
	pres := env.mustEntry(t, node.ID, models.SourceTypePresentation, "deck.pdf")
	video := env.mustEntry(t, node.ID, models.SourceTypeVideo, "lecture.mp4")
	env.mustProcess(t, pres.ID, presentationJSON(30))
	// Declared 100s, but a transcript chunk runs to 130s: the mapping at
	// 02:00 (120s) is inside the effective duration and must validate.
	env.mustProcess(t, video.ID, map[string]any{
		"duration_sec": 100,
		"chunks":       []map[string]any{{"start_sec": 0, "end_sec": 130, "text": "intro"}},
	})

	mapping, err := env.validator.CreateWithDeferral(node.ID, CandidateMapping{
		PresentationID: pres.ID,
		VideoID:        video.ID,
		SlideNumber:    1,
		StartTimecode:  "02:00",
	})
	if err != nil {
		t.Fatalf("create within effective duration: %v", err)
	}
	if mapping.ValidationState != models.ValidationStateValidated {
		t.Errorf("state = %q, want validated (chunk end extends the bound)", mapping.ValidationState)
	}

	// Past even the effective duration fails.
	late, err := env.validator.CreateWithDeferral(node.ID, CandidateMapping{
		PresentationID: pres.ID,
		VideoID:        video.ID,
		SlideNumber:    1,
		StartTimecode:  "03:00",
	})
	if err != nil {
		t.Fatalf("create past end: %v", err)
	}
	if late.ValidationState != models.ValidationStateFailed {
		t.Errorf("state = %q, want validation_failed", late.ValidationState)
	}
}

func TestAmbiguousContentShapeSkipsValidation(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "lecture 1")
	pres := env.mustEntry(t, node.ID, models.SourceTypePresentation, "deck.pdf")
	video := env.mustEntry(t, node.ID, models.SourceTypeVideo, "lecture.mp4")
	// Processed content with no usable page_count.
	env.mustProcess(t, pres.ID, map[string]any{"slides": []any{}})
	env.mustProcess(t, video.ID, videoJSON(600))

	mapping, err := env.validator.CreateWithDeferral(node.ID, CandidateMapping{
		PresentationID: pres.ID,
		VideoID:        video.ID,
		SlideNumber:    45,
		StartTimecode:  "01:00",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Ambiguous shape must never flip the mapping to failed.
	if mapping.ValidationState != models.ValidationStatePending {
		t.Errorf("state = %q, want pending (content check skipped)", mapping.ValidationState)
	}
	if len(mapping.BlockingFactors) == 0 {
		t.Error("skipped validation should leave a blocking factor explaining why")
	}
}

func TestFailedMaterialSurfacesAsErrorFactor(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "lecture 1")
	pres := env.mustEntry(t, node.ID, models.SourceTypePresentation, "deck.pdf")
	video := env.mustEntry(t, node.ID, models.SourceTypeVideo, "lecture.mp4")
	env.mustProcess(t, pres.ID, presentationJSON(30))

	mapping, err := env.validator.CreateWithDeferral(node.ID, CandidateMapping{
		PresentationID: pres.ID,
		VideoID:        video.ID,
		SlideNumber:    1,
		StartTimecode:  "01:00",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := env.tree.FailProcessing(video.ID, "codec not supported"); err != nil {
		t.Fatalf("fail video: %v", err)
	}
	revalidate(t, env, video.ID)

	mapping = reloadMapping(t, env, mapping.ID)
	if mapping.ValidationState != models.ValidationStatePending {
		t.Fatalf("state = %q, want pending", mapping.ValidationState)
	}
	found := false
	for _, f := range mapping.BlockingFactors {
		if f.Kind == models.BlockingKindMaterialError {
			found = true
			if !strings.Contains(f.Reason, "codec not supported") {
				t.Errorf("factor reason %q does not carry the material error", f.Reason)
			}
		}
	}
	if !found {
		t.Error("no material_error blocking factor recorded")
	}
}

func revalidate(t *testing.T, env *testEnv, entryID uuid.UUID) {
	t.Helper()
	blocked, err := env.validator.FindBlockedBy(entryID)
	if err != nil {
		t.Fatalf("find blocked: %v", err)
	}
	if err := env.validator.RevalidateBatch(blocked); err != nil {
		t.Fatalf("revalidate: %v", err)
	}
}

func reloadMapping(t *testing.T, env *testEnv, id uuid.UUID) *models.SlideVideoMapping {
	t.Helper()
	mapping, err := env.mappingRepo.GetByID(id)
	if err != nil {
		t.Fatalf("reload mapping: %v", err)
	}
	return mapping
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/pkg/apperr"
	"github.com/courseloom/courseloom/pkg/metrics"
	"github.com/courseloom/courseloom/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GenerationContext is the merged input handed to the structuring
// collaborator. Node titles and nesting are preserved so guided mode can
// treat the tree as a structural constraint.
type GenerationContext struct {
	CourseTitle string           `json:"course_title"`
	Nodes       []*ContextNode   `json:"nodes"`
	Warnings    []MappingWarning `json:"warnings,omitempty"`
}

type ContextNode struct {
	Title     string             `json:"title"`
	Materials []*ContextMaterial `json:"materials,omitempty"`
	Children  []*ContextNode     `json:"children,omitempty"`
}

type ContextMaterial struct {
	SourceType string          `json:"source_type"`
	Filename   string          `json:"filename"`
	Content    json.RawMessage `json:"content"`
}

// MappingWarning is a non-blocking notice attached to the generation result
// for mappings that were not fully validated at generation time.
type MappingWarning struct {
	MappingID       uuid.UUID `json:"mapping_id"`
	ValidationState string    `json:"validation_state"`
	Detail          string    `json:"detail"`
}

// PlannedIngestion describes one material the cascade will (re)ingest.
type PlannedIngestion struct {
	EntryID  uuid.UUID `json:"entry_id"`
	Filename string    `json:"filename"`
	State    string    `json:"state"`
	JobID    uuid.UUID `json:"job_id"`
}

// GenerateResult is the pipeline's answer to a trigger. Exactly one of
// Snapshot (existing result, 200) or Job (accepted, 202) is set; Plan lists
// the cascade's ingestion work when any was needed.
type GenerateResult struct {
	Snapshot *models.CourseStructureSnapshot `json:"snapshot,omitempty"`
	Job      *models.Job                     `json:"job,omitempty"`
	Estimate *Estimate                       `json:"estimate,omitempty"`
	Plan     []PlannedIngestion              `json:"plan,omitempty"`
}

// GenerationService is the per-subtree trigger and the generation job
// runner.
type GenerationService interface {
	GenerateForSubtree(ctx context.Context, courseID uuid.UUID, scopeNodeID *uuid.UUID, mode string) (*GenerateResult, error)
	JobRunner
}

type GenerationServiceImpl struct {
	courseRepo   repository.CourseRepository
	nodeRepo     repository.NodeRepository
	entryRepo    repository.EntryRepository
	mappingRepo  repository.MappingRepository
	jobRepo      repository.JobRepository
	snapshotRepo repository.SnapshotRepository
	tree         TreeService
	fingerprint  FingerprintService
	orchestrator Orchestrator
	structurer   Structurer
	logger       *logrus.Logger
}

func NewGenerationService(
	courseRepo repository.CourseRepository,
	nodeRepo repository.NodeRepository,
	entryRepo repository.EntryRepository,
	mappingRepo repository.MappingRepository,
	jobRepo repository.JobRepository,
	snapshotRepo repository.SnapshotRepository,
	tree TreeService,
	fingerprint FingerprintService,
	orchestrator Orchestrator,
	structurer Structurer,
	logger *logrus.Logger,
) *GenerationServiceImpl {
	return &GenerationServiceImpl{
		courseRepo:   courseRepo,
		nodeRepo:     nodeRepo,
		entryRepo:    entryRepo,
		mappingRepo:  mappingRepo,
		jobRepo:      jobRepo,
		snapshotRepo: snapshotRepo,
		tree:         tree,
		fingerprint:  fingerprint,
		orchestrator: orchestrator,
		structurer:   structurer,
		logger:       logger,
	}
}

// GenerateForSubtree runs the trigger algorithm: conflict check, readiness
// check, cascade or idempotency lookup.
func (s *GenerationServiceImpl) GenerateForSubtree(ctx context.Context, courseID uuid.UUID, scopeNodeID *uuid.UUID, mode string) (*GenerateResult, error) {
	if mode != models.GenerationModeFree && mode != models.GenerationModeGuided {
		return nil, apperr.Validation(fmt.Sprintf("unknown generation mode %q", mode), nil)
	}
	if _, err := s.courseRepo.GetByID(courseID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("course %s not found", courseID)
		}
		return nil, err
	}
	if scopeNodeID != nil {
		node, err := s.nodeRepo.GetByID(*scopeNodeID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.NotFound("node %s not found", *scopeNodeID)
			}
			return nil, err
		}
		if node.CourseID != courseID {
			return nil, apperr.NotFound("node %s not found in course %s", *scopeNodeID, courseID)
		}
	}

	// Step 1: conflict check against queued/active generation jobs whose
	// scope overlaps ours. Sibling scopes proceed in parallel.
	if err := s.checkConflicts(courseID, scopeNodeID); err != nil {
		return nil, err
	}

	// Step 2: readiness scan over the target subtree.
	entries, err := s.collectScopeEntries(courseID, scopeNodeID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperr.Unprocessable("nothing to generate from: subtree has no materials")
	}
	var stale []*models.MaterialEntry
	ready := 0
	for _, e := range entries {
		switch e.State() {
		case models.EntryStateRaw, models.EntryStateIntegrityBroken:
			stale = append(stale, e)
		case models.EntryStateReady:
			ready++
		}
	}

	// Step 3: cascade — ingest everything stale, then generate.
	if len(stale) > 0 {
		return s.enqueueCascade(ctx, courseID, scopeNodeID, mode, stale)
	}

	// With nothing stale to re-ingest, generation needs at least one READY
	// material; a subtree of only failed or in-flight entries has no content
	// to build from.
	if ready == 0 {
		return nil, apperr.Unprocessable("nothing to generate from: subtree has no ready materials")
	}

	// Step 4: idempotency check against the scope fingerprint.
	fp, err := s.scopeFingerprint(courseID, scopeNodeID)
	if err != nil {
		return nil, err
	}
	existing, err := s.snapshotRepo.FindByIdentity(courseID, scopeKey(scopeNodeID), fp, mode)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		metrics.GenerationCacheHits.Inc()
		return &GenerateResult{Snapshot: existing}, nil
	}

	job, estimate, err := s.enqueueGeneration(ctx, courseID, scopeNodeID, mode, fp, nil)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Job: job, Estimate: estimate}, nil
}

func (s *GenerationServiceImpl) checkConflicts(courseID uuid.UUID, scopeNodeID *uuid.UUID) error {
	active, err := s.jobRepo.GetActiveGeneration(courseID)
	if err != nil {
		return err
	}
	for _, job := range active {
		overlap, err := s.scopesOverlap(scopeNodeID, job.NodeID)
		if err != nil {
			return err
		}
		if overlap {
			return apperr.Conflict("generation job %s already covers an overlapping subtree", job.ID)
		}
	}
	return nil
}

// scopesOverlap reports whether two generation scopes are in an
// ancestor-or-same relationship in either direction. A nil scope is the
// whole course and overlaps everything.
func (s *GenerationServiceImpl) scopesOverlap(a, b *uuid.UUID) (bool, error) {
	if a == nil || b == nil {
		return true, nil
	}
	if ok, err := s.isAncestorOrSame(*a, *b); err != nil || ok {
		return ok, err
	}
	return s.isAncestorOrSame(*b, *a)
}

// isAncestorOrSame walks candidate's parent chain looking for node. The
// visited-set guard exists for malformed data only; hitting it is an
// internal-consistency error, not a "no conflict" answer.
func (s *GenerationServiceImpl) isAncestorOrSame(nodeID, candidateID uuid.UUID) (bool, error) {
	visited := map[uuid.UUID]bool{}
	current := &candidateID
	for current != nil {
		if *current == nodeID {
			return true, nil
		}
		if visited[*current] {
			return false, fmt.Errorf("cycle detected in parent chain at node %s", *current)
		}
		visited[*current] = true
		n, err := s.nodeRepo.GetByID(*current)
		if err != nil {
			return false, err
		}
		current = n.ParentID
	}
	return false, nil
}

func (s *GenerationServiceImpl) collectScopeEntries(courseID uuid.UUID, scopeNodeID *uuid.UUID) ([]*models.MaterialEntry, error) {
	nodeIDs, err := s.scopeNodeIDs(courseID, scopeNodeID)
	if err != nil {
		return nil, err
	}
	return s.entryRepo.GetByNodeIDs(nodeIDs)
}

func (s *GenerationServiceImpl) scopeNodeIDs(courseID uuid.UUID, scopeNodeID *uuid.UUID) ([]uuid.UUID, error) {
	if scopeNodeID != nil {
		return s.tree.CollectSubtreeNodeIDs(*scopeNodeID)
	}
	nodes, err := s.nodeRepo.GetByCourse(courseID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids, nil
}

// enqueueCascade creates one ingestion job per stale entry plus a generation
// job depending on all of them, and reports the plan.
func (s *GenerationServiceImpl) enqueueCascade(ctx context.Context, courseID uuid.UUID, scopeNodeID *uuid.UUID, mode string, stale []*models.MaterialEntry) (*GenerateResult, error) {
	plan := make([]PlannedIngestion, 0, len(stale))
	depIDs := make([]uuid.UUID, 0, len(stale))
	for _, entry := range stale {
		entryID := entry.ID
		job, _, err := s.orchestrator.Enqueue(ctx, JobSpec{
			CourseID: courseID,
			NodeID:   &entry.NodeID,
			EntryID:  &entryID,
			JobType:  models.JobTypeIngestion,
			Priority: models.JobPriorityNormal,
		})
		if err != nil {
			return nil, err
		}
		if err := s.tree.SetPending(entryID, job.ID); err != nil {
			return nil, err
		}
		plan = append(plan, PlannedIngestion{
			EntryID:  entryID,
			Filename: entry.Filename,
			State:    string(entry.State()),
			JobID:    job.ID,
		})
		depIDs = append(depIDs, job.ID)
	}

	// The generation job runs against the fingerprint as it will be once
	// ingestion lands, so the fingerprint in params is resolved lazily by
	// the runner when no value was captured here.
	job, estimate, err := s.enqueueGeneration(ctx, courseID, scopeNodeID, mode, "", depIDs)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Job: job, Estimate: estimate, Plan: plan}, nil
}

func (s *GenerationServiceImpl) enqueueGeneration(ctx context.Context, courseID uuid.UUID, scopeNodeID *uuid.UUID, mode, fingerprint string, deps []uuid.UUID) (*models.Job, *Estimate, error) {
	params, err := json.Marshal(models.GenerationParams{Fingerprint: fingerprint, Mode: mode})
	if err != nil {
		return nil, nil, err
	}
	return s.orchestrator.Enqueue(ctx, JobSpec{
		CourseID:  courseID,
		NodeID:    scopeNodeID,
		JobType:   models.JobTypeGeneration,
		Priority:  models.JobPriorityNormal,
		Params:    params,
		DependsOn: deps,
	})
}

func (s *GenerationServiceImpl) scopeFingerprint(courseID uuid.UUID, scopeNodeID *uuid.UUID) (string, error) {
	if scopeNodeID == nil {
		return s.fingerprint.CourseFingerprint(courseID)
	}
	node, err := s.nodeRepo.GetByID(*scopeNodeID)
	if err != nil {
		return "", err
	}
	return s.fingerprint.EnsureNodeFingerprint(node)
}

// scopeKey maps a nullable scope to the snapshot identity column; uuid.Nil
// stands for whole-course scope.
func scopeKey(scopeNodeID *uuid.UUID) uuid.UUID {
	if scopeNodeID == nil {
		return uuid.Nil
	}
	return *scopeNodeID
}

// Run executes a dispatched generation job: collect READY materials in
// stable tree order, attach mapping warnings, call the structuring
// collaborator and persist the snapshot under the fingerprint captured for
// this job. If the subtree changed while the job was queued, a later
// idempotency check sees the new fingerprint and regenerates; this snapshot
// stays attached to the value it was computed against.
func (s *GenerationServiceImpl) Run(ctx context.Context, job *models.Job) (*RunResult, error) {
	var params models.GenerationParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, Permanent(fmt.Errorf("generation job %s has malformed params: %w", job.ID, err))
	}

	// Cascade-enqueued jobs resolve their fingerprint once dependencies
	// have landed; direct jobs carry the enqueue-time value.
	fingerprint := params.Fingerprint
	if fingerprint == "" {
		fp, err := s.scopeFingerprint(job.CourseID, job.NodeID)
		if err != nil {
			return nil, err
		}
		fingerprint = fp
	}

	// Idempotent against redelivery: the snapshot may already exist.
	existing, err := s.snapshotRepo.FindByIdentity(job.CourseID, scopeKey(job.NodeID), fingerprint, params.Mode)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		id := existing.ID
		return &RunResult{SnapshotID: &id}, nil
	}

	genCtx, err := s.buildContext(ctx, job.CourseID, job.NodeID)
	if err != nil {
		return nil, err
	}

	payload, usage, err := s.structurer.Generate(ctx, genCtx, params.Mode)
	if err != nil {
		if errors.Is(err, ErrGenerationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("structuring call: %w", err)
	}

	warnings, err := json.Marshal(genCtx.Warnings)
	if err != nil {
		return nil, err
	}
	snapshot := &models.CourseStructureSnapshot{
		CourseID:         job.CourseID,
		NodeID:           scopeKey(job.NodeID),
		NodeFingerprint:  fingerprint,
		Mode:             params.Mode,
		Payload:          payload,
		Warnings:         warnings,
		ModelID:          usage.ModelID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          usage.CostUSD,
	}
	if err := s.snapshotRepo.Create(snapshot); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	metrics.LLMTokensTotal.WithLabelValues(usage.ModelID, "prompt").Add(float64(usage.PromptTokens))
	metrics.LLMTokensTotal.WithLabelValues(usage.ModelID, "completion").Add(float64(usage.CompletionTokens))

	s.logger.WithFields(logrus.Fields{
		"snapshot_id": snapshot.ID,
		"course_id":   job.CourseID,
		"fingerprint": fingerprint,
		"mode":        params.Mode,
	}).Info("structure snapshot created")

	id := snapshot.ID
	return &RunResult{SnapshotID: &id}, nil
}

// buildContext merges all READY materials in scope into one nested context,
// in position order, and collects unresolved mapping warnings.
func (s *GenerationServiceImpl) buildContext(ctx context.Context, courseID uuid.UUID, scopeNodeID *uuid.UUID) (*GenerationContext, error) {
	course, err := s.courseRepo.GetByID(courseID)
	if err != nil {
		return nil, err
	}

	var topLevel []*models.MaterialNode
	if scopeNodeID != nil {
		node, err := s.nodeRepo.GetByID(*scopeNodeID)
		if err != nil {
			return nil, err
		}
		topLevel = []*models.MaterialNode{node}
	} else {
		topLevel, err = s.nodeRepo.GetRoots(courseID)
		if err != nil {
			return nil, err
		}
	}

	genCtx := &GenerationContext{CourseTitle: course.Title}
	for _, n := range topLevel {
		cn, err := s.buildContextNode(n)
		if err != nil {
			return nil, err
		}
		genCtx.Nodes = append(genCtx.Nodes, cn)
	}

	nodeIDs, err := s.scopeNodeIDs(courseID, scopeNodeID)
	if err != nil {
		return nil, err
	}
	unresolved, err := s.mappingRepo.GetUnresolvedByNodeIDs(nodeIDs)
	if err != nil {
		return nil, err
	}
	for _, m := range unresolved {
		genCtx.Warnings = append(genCtx.Warnings, MappingWarning{
			MappingID:       m.ID,
			ValidationState: m.ValidationState,
			Detail:          fmt.Sprintf("slide %d mapping is %s", m.SlideNumber, m.ValidationState),
		})
	}
	return genCtx, nil
}

func (s *GenerationServiceImpl) buildContextNode(node *models.MaterialNode) (*ContextNode, error) {
	cn := &ContextNode{Title: node.Title}
	entries, err := s.entryRepo.GetByNode(node.ID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.State() != models.EntryStateReady {
			continue
		}
		cn.Materials = append(cn.Materials, &ContextMaterial{
			SourceType: e.SourceType,
			Filename:   e.Filename,
			Content:    json.RawMessage(e.ProcessedContent),
		})
	}
	children, err := s.nodeRepo.GetChildren(node.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		child, err := s.buildContextNode(c)
		if err != nil {
			return nil, err
		}
		cn.Children = append(cn.Children, child)
	}
	return cn, nil
}

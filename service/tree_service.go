package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/courseloom/courseloom/config"
	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/pkg/apperr"
	"github.com/courseloom/courseloom/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TreeService owns CRUD and structural operations over the material tree.
// Every mutation that changes a node's membership or an entry's content
// calls InvalidateUpward as an explicit side effect; invalidation is never
// event-driven.
type TreeService interface {
	CreateNode(courseID uuid.UUID, parentID *uuid.UUID, title string) (*models.MaterialNode, error)
	MoveNode(nodeID uuid.UUID, newParentID *uuid.UUID) (*models.MaterialNode, error)
	DeleteNode(nodeID uuid.UUID) error
	CollectSubtreeNodeIDs(nodeID uuid.UUID) ([]uuid.UUID, error)

	CreateEntry(nodeID uuid.UUID, sourceType, sourceURL, filename string) (*models.MaterialEntry, error)
	UpdateSource(entryID uuid.UUID, newURL string) (*models.MaterialEntry, error)
	SetPending(entryID, jobID uuid.UUID) error
	ClearPending(entryID uuid.UUID) error
	CompleteProcessing(entryID uuid.UUID, processedContent []byte, processedHash string) error
	FailProcessing(entryID uuid.UUID, message string) error
}

type TreeServiceImpl struct {
	nodeRepo    repository.NodeRepository
	entryRepo   repository.EntryRepository
	mappingRepo repository.MappingRepository
	fingerprint FingerprintService
	maxDepth    int
}

func NewTreeService(
	nodeRepo repository.NodeRepository,
	entryRepo repository.EntryRepository,
	mappingRepo repository.MappingRepository,
	fingerprint FingerprintService,
	cfg *config.Config,
) TreeService {
	return &TreeServiceImpl{
		nodeRepo:    nodeRepo,
		entryRepo:   entryRepo,
		mappingRepo: mappingRepo,
		fingerprint: fingerprint,
		maxDepth:    cfg.Pipeline.MaxTreeDepth,
	}
}

func (s *TreeServiceImpl) CreateNode(courseID uuid.UUID, parentID *uuid.UUID, title string) (*models.MaterialNode, error) {
	if parentID != nil {
		parent, err := s.nodeRepo.GetByID(*parentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.NotFound("parent node %s not found", *parentID)
			}
			return nil, err
		}
		if parent.CourseID != courseID {
			return nil, apperr.NotFound("parent node %s not found in course %s", *parentID, courseID)
		}
		depth, err := s.depthOf(parent)
		if err != nil {
			return nil, err
		}
		if depth+1 >= s.maxDepth {
			return nil, apperr.Validation(
				fmt.Sprintf("tree depth limit %d exceeded", s.maxDepth), nil)
		}
	}

	maxPos, err := s.nodeRepo.MaxPosition(courseID, parentID)
	if err != nil {
		return nil, err
	}
	node := &models.MaterialNode{
		CourseID: courseID,
		ParentID: parentID,
		Title:    title,
		Position: maxPos + 1,
	}
	if err := s.nodeRepo.Create(node); err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	// The new (empty) node changes the parent's membership.
	if parentID != nil {
		if err := s.fingerprint.InvalidateUpward(*parentID); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// MoveNode re-parents a node. Re-parenting under the node itself or one of
// its descendants is rejected with a conflict; the cycle check walks the new
// parent's ancestor chain upward rather than scanning the subtree downward.
func (s *TreeServiceImpl) MoveNode(nodeID uuid.UUID, newParentID *uuid.UUID) (*models.MaterialNode, error) {
	node, err := s.nodeRepo.GetByID(nodeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("node %s not found", nodeID)
		}
		return nil, err
	}

	if newParentID != nil {
		newParent, err := s.nodeRepo.GetByID(*newParentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.NotFound("parent node %s not found", *newParentID)
			}
			return nil, err
		}
		if newParent.CourseID != node.CourseID {
			return nil, apperr.NotFound("parent node %s not found in course %s", *newParentID, node.CourseID)
		}
		onChain, err := s.isAncestorOrSame(nodeID, *newParentID)
		if err != nil {
			return nil, err
		}
		if onChain {
			return nil, apperr.Cycle("cannot move node %s under its own subtree", nodeID)
		}
	}

	oldParentID := node.ParentID

	maxPos, err := s.nodeRepo.MaxPosition(node.CourseID, newParentID)
	if err != nil {
		return nil, err
	}
	node.ParentID = newParentID
	node.Position = maxPos + 1
	if err := s.nodeRepo.Update(node); err != nil {
		return nil, fmt.Errorf("move node: %w", err)
	}

	// Both the old and the new ancestor chains see a membership change.
	if oldParentID != nil {
		if err := s.fingerprint.InvalidateUpward(*oldParentID); err != nil {
			return nil, err
		}
	}
	if err := s.fingerprint.InvalidateUpward(node.ID); err != nil {
		return nil, err
	}
	return node, nil
}

// DeleteNode cascades to all descendant nodes, their entries and mappings,
// then invalidates the former parent's chain.
func (s *TreeServiceImpl) DeleteNode(nodeID uuid.UUID) error {
	node, err := s.nodeRepo.GetByID(nodeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("node %s not found", nodeID)
		}
		return err
	}
	subtree, err := s.CollectSubtreeNodeIDs(nodeID)
	if err != nil {
		return err
	}
	if err := s.mappingRepo.DeleteByNodeIDs(subtree); err != nil {
		return fmt.Errorf("delete mappings: %w", err)
	}
	if err := s.entryRepo.DeleteByNodeIDs(subtree); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	if err := s.nodeRepo.DeleteByIDs(subtree); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	if node.ParentID != nil {
		return s.fingerprint.InvalidateUpward(*node.ParentID)
	}
	return nil
}

// CollectSubtreeNodeIDs returns the node and all its descendants,
// parent-before-child.
func (s *TreeServiceImpl) CollectSubtreeNodeIDs(nodeID uuid.UUID) ([]uuid.UUID, error) {
	ids := []uuid.UUID{nodeID}
	queue := []uuid.UUID{nodeID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := s.nodeRepo.GetChildren(current)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			ids = append(ids, c.ID)
			queue = append(queue, c.ID)
		}
	}
	return ids, nil
}

func (s *TreeServiceImpl) CreateEntry(nodeID uuid.UUID, sourceType, sourceURL, filename string) (*models.MaterialEntry, error) {
	if _, err := s.nodeRepo.GetByID(nodeID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("node %s not found", nodeID)
		}
		return nil, err
	}
	switch sourceType {
	case models.SourceTypeVideo, models.SourceTypePresentation, models.SourceTypeText, models.SourceTypeWeb:
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown source type %q", sourceType), nil)
	}
	entry := &models.MaterialEntry{
		NodeID:     nodeID,
		SourceType: sourceType,
		SourceURL:  sourceURL,
		Filename:   filename,
	}
	if err := s.entryRepo.Create(entry); err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}
	if err := s.fingerprint.InvalidateUpward(nodeID); err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateSource replaces the entry's source. Everything derived from the old
// bytes is stale, so raw hash, processed content/hash and the content
// fingerprint are all cleared; the entry drops back to RAW and a previous
// ERROR is recoverable from here.
func (s *TreeServiceImpl) UpdateSource(entryID uuid.UUID, newURL string) (*models.MaterialEntry, error) {
	entry, err := s.entryRepo.GetByID(entryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("entry %s not found", entryID)
		}
		return nil, err
	}
	updates := map[string]interface{}{
		"source_url":          newURL,
		"raw_hash":            nil,
		"processed_content":   nil,
		"processed_hash":      nil,
		"content_fingerprint": nil,
		"error_message":       nil,
	}
	if err := s.entryRepo.UpdateFields(entryID, updates); err != nil {
		return nil, fmt.Errorf("update source: %w", err)
	}
	if err := s.fingerprint.InvalidateUpward(entry.NodeID); err != nil {
		return nil, err
	}
	return s.entryRepo.GetByID(entryID)
}

// SetPending attaches the pending receipt. At most one in-flight job may
// hold an entry's receipt; a second claim is a conflict, not a queue.
func (s *TreeServiceImpl) SetPending(entryID, jobID uuid.UUID) error {
	entry, err := s.entryRepo.GetByID(entryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("entry %s not found", entryID)
		}
		return err
	}
	if entry.PendingJobID != nil {
		return apperr.Conflict("entry %s already claimed by job %s", entryID, *entry.PendingJobID)
	}
	now := time.Now().UTC()
	return s.entryRepo.UpdateFields(entryID, map[string]interface{}{
		"pending_job_id": jobID,
		"pending_since":  now,
	})
}

func (s *TreeServiceImpl) ClearPending(entryID uuid.UUID) error {
	return s.entryRepo.UpdateFields(entryID, map[string]interface{}{
		"pending_job_id": nil,
		"pending_since":  nil,
	})
}

// CompleteProcessing records an extraction result and clears the receipt.
// Re-running with the same inputs after completion is a safe no-op, which is
// what makes at-least-once job redelivery tolerable.
func (s *TreeServiceImpl) CompleteProcessing(entryID uuid.UUID, processedContent []byte, processedHash string) error {
	entry, err := s.entryRepo.GetByID(entryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("entry %s not found", entryID)
		}
		return err
	}
	if entry.PendingJobID == nil && entry.ProcessedHash != nil && *entry.ProcessedHash == processedHash {
		return nil
	}
	updates := map[string]interface{}{
		"raw_hash":            processedHash,
		"processed_content":   processedContent,
		"processed_hash":      processedHash,
		"content_fingerprint": nil,
		"pending_job_id":      nil,
		"pending_since":       nil,
		"error_message":       nil,
	}
	if err := s.entryRepo.UpdateFields(entryID, updates); err != nil {
		return fmt.Errorf("complete processing: %w", err)
	}
	return s.fingerprint.InvalidateUpward(entry.NodeID)
}

func (s *TreeServiceImpl) FailProcessing(entryID uuid.UUID, message string) error {
	_, err := s.entryRepo.GetByID(entryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("entry %s not found", entryID)
		}
		return err
	}
	return s.entryRepo.UpdateFields(entryID, map[string]interface{}{
		"pending_job_id": nil,
		"pending_since":  nil,
		"error_message":  message,
	})
}

// isAncestorOrSame reports whether candidate equals node or sits somewhere
// in node's subtree — detected by walking candidate's parent chain upward.
// A visited-set guards the walk; hitting a cycle is an internal consistency
// error, never a "no".
func (s *TreeServiceImpl) isAncestorOrSame(nodeID, candidateID uuid.UUID) (bool, error) {
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

func (s *TreeServiceImpl) depthOf(node *models.MaterialNode) (int, error) {
	depth := 1
	visited := map[uuid.UUID]bool{node.ID: true}
	current := node.ParentID
	for current != nil {
		if visited[*current] {
			return 0, fmt.Errorf("cycle detected in parent chain at node %s", *current)
		}
		visited[*current] = true
		n, err := s.nodeRepo.GetByID(*current)
		if err != nil {
			return 0, err
		}
		depth++
		current = n.ParentID
	}
	return depth, nil
}

package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/courseloom/courseloom/models"
	"github.com/courseloom/courseloom/pkg/metrics"
	"github.com/courseloom/courseloom/repository"
	"github.com/google/uuid"
)

// EmptyNodeFingerprint is the well-known hash of a node with no materials
// and no children (sha256 of the empty string).
const EmptyNodeFingerprint = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// FingerprintService computes and caches content-addressed subtree hashes.
// Fingerprints hash content, never identity: two nodes with identical
// children and materials produce the same value, which is what makes the
// generation pipeline's idempotency key work.
type FingerprintService interface {
	EnsureMaterialFingerprint(entry *models.MaterialEntry) (*string, error)
	EnsureNodeFingerprint(node *models.MaterialNode) (string, error)
	CourseFingerprint(courseID uuid.UUID) (string, error)
	InvalidateUpward(nodeID uuid.UUID) error
}

type FingerprintServiceImpl struct {
	nodeRepo  repository.NodeRepository
	entryRepo repository.EntryRepository
}

func NewFingerprintService(nodeRepo repository.NodeRepository, entryRepo repository.EntryRepository) FingerprintService {
	return &FingerprintServiceImpl{
		nodeRepo:  nodeRepo,
		entryRepo: entryRepo,
	}
}

// EnsureMaterialFingerprint returns the cached content fingerprint,
// computing and persisting it when missing. An entry with no processed
// content yields nil without error; callers check entry state first.
func (s *FingerprintServiceImpl) EnsureMaterialFingerprint(entry *models.MaterialEntry) (*string, error) {
	if entry.ContentFingerprint != nil {
		return entry.ContentFingerprint, nil
	}
	if len(entry.ProcessedContent) == 0 {
		return nil, nil
	}
	sum := sha256.Sum256(entry.ProcessedContent)
	fp := hex.EncodeToString(sum[:])
	if err := s.entryRepo.UpdateFields(entry.ID, map[string]interface{}{"content_fingerprint": fp}); err != nil {
		return nil, fmt.Errorf("persist content fingerprint: %w", err)
	}
	entry.ContentFingerprint = &fp
	return &fp, nil
}

// fingerprintPart is one tagged child hash, keyed by the owning entity's id
// so the sort order is stable under sibling reordering.
type fingerprintPart struct {
	key    string
	tagged string
}

// EnsureNodeFingerprint returns the cached subtree hash, recomputing it
// recursively when stale. Child hashes are tagged ("m:" for materials,
// "n:" for child nodes) and sorted by entity id, so reordering siblings
// never changes the parent hash while any membership or content change
// always does.
func (s *FingerprintServiceImpl) EnsureNodeFingerprint(node *models.MaterialNode) (string, error) {
	if node.NodeFingerprint != nil {
		return *node.NodeFingerprint, nil
	}
	metrics.FingerprintRecomputes.Inc()

	entries, err := s.entryRepo.GetByNode(node.ID)
	if err != nil {
		return "", fmt.Errorf("load entries for node %s: %w", node.ID, err)
	}
	children, err := s.nodeRepo.GetChildren(node.ID)
	if err != nil {
		return "", fmt.Errorf("load children for node %s: %w", node.ID, err)
	}

	parts := make([]fingerprintPart, 0, len(entries)+len(children))
	for _, e := range entries {
		fp, err := s.EnsureMaterialFingerprint(e)
		if err != nil {
			return "", err
		}
		if fp == nil {
			// Unprocessed material contributes nothing yet; its completion
			// invalidates this hash and forces a recompute.
			continue
		}
		parts = append(parts, fingerprintPart{key: e.ID.String(), tagged: "m:" + *fp})
	}
	for _, c := range children {
		fp, err := s.EnsureNodeFingerprint(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, fingerprintPart{key: c.ID.String(), tagged: "n:" + fp})
	}

	fp := hashParts(parts)
	if err := s.nodeRepo.SetFingerprint(node.ID, &fp); err != nil {
		return "", fmt.Errorf("persist node fingerprint: %w", err)
	}
	node.NodeFingerprint = &fp
	return fp, nil
}

// CourseFingerprint applies the node algorithm to the set of course roots.
// It is not cached on the course row; root fingerprints carry the caching.
func (s *FingerprintServiceImpl) CourseFingerprint(courseID uuid.UUID) (string, error) {
	roots, err := s.nodeRepo.GetRoots(courseID)
	if err != nil {
		return "", fmt.Errorf("load roots for course %s: %w", courseID, err)
	}
	parts := make([]fingerprintPart, 0, len(roots))
	for _, root := range roots {
		fp, err := s.EnsureNodeFingerprint(root)
		if err != nil {
			return "", err
		}
		parts = append(parts, fingerprintPart{key: root.ID.String(), tagged: "n:" + fp})
	}
	return hashParts(parts), nil
}

// InvalidateUpward clears fingerprints from the node up through its
// ancestors. Invalidation is one-directional, child to ancestor; sibling
// subtrees are never touched. Re-clearing an already-null fingerprint is a
// no-op, so concurrent invalidations from sibling changes commute.
func (s *FingerprintServiceImpl) InvalidateUpward(nodeID uuid.UUID) error {
	visited := map[uuid.UUID]bool{}
	current := &nodeID
	for current != nil {
		if visited[*current] {
			return fmt.Errorf("cycle detected in parent chain at node %s", *current)
		}
		visited[*current] = true
		node, err := s.nodeRepo.GetByID(*current)
		if err != nil {
			return fmt.Errorf("load node %s: %w", *current, err)
		}
		if node.NodeFingerprint != nil {
			if err := s.nodeRepo.SetFingerprint(node.ID, nil); err != nil {
				return fmt.Errorf("clear fingerprint on node %s: %w", node.ID, err)
			}
		}
		current = node.ParentID
	}
	return nil
}

func hashParts(parts []fingerprintPart) string {
	if len(parts) == 0 {
		return EmptyNodeFingerprint
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].key < parts[j].key })
	tagged := make([]string, len(parts))
	for i, p := range parts {
		tagged[i] = p.tagged
	}
	sum := sha256.Sum256([]byte(strings.Join(tagged, "\n")))
	return hex.EncodeToString(sum[:])
}

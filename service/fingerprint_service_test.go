package service

import (
	"testing"

	"github.com/courseloom/courseloom/models"
)

func TestEmptyNodeFingerprint(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "empty chapter")

	fp, err := env.fingerprint.EnsureNodeFingerprint(node)
	if err != nil {
		t.Fatalf("EnsureNodeFingerprint: %v", err)
	}
	if fp != EmptyNodeFingerprint {
		t.Errorf("empty node fingerprint = %s, want %s", fp, EmptyNodeFingerprint)
	}
}

func TestNodeFingerprintDeterministic(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "chapter")
	entry := env.mustEntry(t, node.ID, models.SourceTypeText, "notes.txt")
	env.mustProcess(t, entry.ID, map[string]any{"text": "consensus", "word_count": 1})

	first, err := env.fingerprint.EnsureNodeFingerprint(env.reloadNode(t, node.ID))
	if err != nil {
		t.Fatalf("first computation: %v", err)
	}

	// Clearing the cache and recomputing over unchanged content must
	// reproduce the identical value.
	if err := env.fingerprint.InvalidateUpward(node.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	second, err := env.fingerprint.EnsureNodeFingerprint(env.reloadNode(t, node.ID))
	if err != nil {
		t.Fatalf("second computation: %v", err)
	}
	if first != second {
		t.Errorf("fingerprint changed across recompute: %s != %s", first, second)
	}
}

func TestNodeFingerprintChangesWithContent(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "chapter")
	entry := env.mustEntry(t, node.ID, models.SourceTypeText, "notes.txt")

	env.mustProcess(t, entry.ID, map[string]any{"text": "raft", "word_count": 1})
	before, err := env.fingerprint.EnsureNodeFingerprint(env.reloadNode(t, node.ID))
	if err != nil {
		t.Fatalf("fingerprint before: %v", err)
	}

	// Re-ingesting different bytes must produce a different subtree hash.
	if err := env.tree.CompleteProcessing(entry.ID, []byte(`{"text":"paxos","word_count":1}`), "other-hash"); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	after, err := env.fingerprint.EnsureNodeFingerprint(env.reloadNode(t, node.ID))
	if err != nil {
		t.Fatalf("fingerprint after: %v", err)
	}
	if before == after {
		t.Error("fingerprint did not change after content change")
	}
}

func TestInvalidateUpwardSparesSiblings(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	root := env.mustNode(t, course.ID, nil, "root")
	left := env.mustNode(t, course.ID, &root.ID, "left")
	right := env.mustNode(t, course.ID, &root.ID, "right")
	leaf := env.mustNode(t, course.ID, &left.ID, "leaf")

	// Prime every cache.
	if _, err := env.fingerprint.CourseFingerprint(course.ID); err != nil {
		t.Fatalf("prime fingerprints: %v", err)
	}
	for _, id := range []struct {
		name string
		node *models.MaterialNode
	}{{"root", root}, {"left", left}, {"right", right}, {"leaf", leaf}} {
		if env.reloadNode(t, id.node.ID).NodeFingerprint == nil {
			t.Fatalf("node %s not primed", id.name)
		}
	}

	if err := env.fingerprint.InvalidateUpward(leaf.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if env.reloadNode(t, leaf.ID).NodeFingerprint != nil {
		t.Error("leaf fingerprint should be cleared")
	}
	if env.reloadNode(t, left.ID).NodeFingerprint != nil {
		t.Error("parent fingerprint should be cleared")
	}
	if env.reloadNode(t, root.ID).NodeFingerprint != nil {
		t.Error("root fingerprint should be cleared")
	}
	if env.reloadNode(t, right.ID).NodeFingerprint == nil {
		t.Error("sibling subtree must keep its fingerprint")
	}
}

func TestSiblingReorderKeepsParentFingerprint(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	root := env.mustNode(t, course.ID, nil, "root")
	a := env.mustNode(t, course.ID, &root.ID, "a")
	env.mustNode(t, course.ID, &root.ID, "b")

	before, err := env.fingerprint.EnsureNodeFingerprint(env.reloadNode(t, root.ID))
	if err != nil {
		t.Fatalf("fingerprint before: %v", err)
	}

	// Swap positions directly; the hash sorts by entity id, not position.
	if err := env.nodeRepo.UpdateFields(a.ID, map[string]interface{}{"position": 99}); err != nil {
		t.Fatalf("reposition: %v", err)
	}
	if err := env.fingerprint.InvalidateUpward(root.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	after, err := env.fingerprint.EnsureNodeFingerprint(env.reloadNode(t, root.ID))
	if err != nil {
		t.Fatalf("fingerprint after: %v", err)
	}
	if before != after {
		t.Errorf("sibling reorder changed parent fingerprint: %s != %s", before, after)
	}
}

func TestUnprocessedMaterialContributesNothing(t *testing.T) {
	env := newTestEnv(t)
	course := env.mustCourse(t)
	node := env.mustNode(t, course.ID, nil, "chapter")
	env.mustEntry(t, node.ID, models.SourceTypeText, "pending.txt")

	fp, err := env.fingerprint.EnsureNodeFingerprint(env.reloadNode(t, node.ID))
	if err != nil {
		t.Fatalf("EnsureNodeFingerprint: %v", err)
	}
	if fp != EmptyNodeFingerprint {
		t.Errorf("node with only raw materials = %s, want empty fingerprint", fp)
	}
}

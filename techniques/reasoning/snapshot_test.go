package reasoning

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSnapshotRestore(t *testing.T) {
	tree := NewReasoningTree("q")
	a, _ := tree.AttachChain(0, []string{"a1", "a2"})
	b, _ := tree.AttachChain(0, []string{"b1"})
	leaf := tree.GetLeaves(a)[0]
	tree.UpdateVisitCount(leaf.ID)
	tree.UpdateVisitCount(b)
	_ = tree.AddConsistencyScore(leaf.ID, 2)
	_ = tree.AddConsistencyScore(a, 2)

	data, err := json.Marshal(tree.Snapshot())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var snap TreeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	restored, err := RestoreTree(snap)
	if err != nil {
		t.Fatalf("RestoreTree failed: %v", err)
	}

	if diff := cmp.Diff(tree.Snapshot(), restored.Snapshot()); diff != "" {
		t.Errorf("Restored tree mismatch (-want +got):\n%s", diff)
	}
	if restored.MaxDepth != 2 {
		t.Errorf("Expected max depth 2, got %d", restored.MaxDepth)
	}

	best, err := restored.GetBestLeaf()
	if err != nil {
		t.Fatalf("GetBestLeaf failed: %v", err)
	}
	if best.Step != "a2" {
		t.Errorf("Expected best leaf a2, got %q", best.Step)
	}
}

func TestRestoreTreeRejectsInvalid(t *testing.T) {
	zero := 0
	five := 5

	tests := []struct {
		name string
		snap TreeSnapshot
	}{
		{name: "empty", snap: TreeSnapshot{}},
		{
			name: "root with parent",
			snap: TreeSnapshot{Nodes: []NodeSnapshot{{ID: 0, ParentID: &zero}}},
		},
		{
			name: "out of order ID",
			snap: TreeSnapshot{Nodes: []NodeSnapshot{{ID: 0, ChildrenIDs: []int{}}, {ID: 2, ParentID: &zero}}},
		},
		{
			name: "forward parent",
			snap: TreeSnapshot{Nodes: []NodeSnapshot{{ID: 0}, {ID: 1, ParentID: &five}}},
		},
		{
			name: "children disagree",
			snap: TreeSnapshot{Nodes: []NodeSnapshot{{ID: 0, ChildrenIDs: []int{}}, {ID: 1, ParentID: &zero}}},
		},
		{
			name: "negative visits",
			snap: TreeSnapshot{Nodes: []NodeSnapshot{{ID: 0, VisitCount: -1}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := RestoreTree(tt.snap); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

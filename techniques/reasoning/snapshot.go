package reasoning

import (
	"errors"
	"fmt"
)

// NodeSnapshot is the serializable form of a ReasoningNode.
type NodeSnapshot struct {
	ID               int     `json:"id"`
	Step             string  `json:"step"`
	ParentID         *int    `json:"parent_id,omitempty"`
	ChildrenIDs      []int   `json:"children_ids"`
	Depth            int     `json:"depth"`
	VisitCount       int     `json:"visit_count"`
	ConsistencyScore float64 `json:"consistency_score"`
}

// TreeSnapshot is the serializable form of a ReasoningTree.
type TreeSnapshot struct {
	Nodes    []NodeSnapshot `json:"nodes"`
	MaxDepth int            `json:"max_depth"`
}

// Snapshot returns a deep copy of the tree's structure and statistics.
func (t *ReasoningTree) Snapshot() TreeSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := TreeSnapshot{
		Nodes:    make([]NodeSnapshot, 0, len(t.nodes)),
		MaxDepth: t.MaxDepth,
	}
	for _, node := range t.nodes {
		var parentID *int
		if node.ParentID != nil {
			pid := *node.ParentID
			parentID = &pid
		}
		children := make([]int, len(node.ChildrenIDs))
		copy(children, node.ChildrenIDs)

		snap.Nodes = append(snap.Nodes, NodeSnapshot{
			ID:               node.ID,
			Step:             node.Step,
			ParentID:         parentID,
			ChildrenIDs:      children,
			Depth:            node.Depth,
			VisitCount:       node.VisitCount(),
			ConsistencyScore: node.ConsistencyScore(),
		})
	}
	return snap
}

// RestoreTree rebuilds a tree from a snapshot. The snapshot must describe a
// single tree rooted at node 0 with nodes listed in ID order.
func RestoreTree(snap TreeSnapshot) (*ReasoningTree, error) {
	if len(snap.Nodes) == 0 {
		return nil, errors.New("snapshot has no nodes")
	}

	t := &ReasoningTree{nodes: make([]*ReasoningNode, 0, len(snap.Nodes))}
	for i, ns := range snap.Nodes {
		if ns.ID != i {
			return nil, fmt.Errorf("snapshot node %d has ID %d", i, ns.ID)
		}
		if (i == 0) != (ns.ParentID == nil) {
			return nil, fmt.Errorf("snapshot node %d: only the root may lack a parent", i)
		}
		if ns.VisitCount < 0 {
			return nil, fmt.Errorf("snapshot node %d has negative visit count", i)
		}

		node := &ReasoningNode{
			ID:               ns.ID,
			Step:             ns.Step,
			ChildrenIDs:      []int{},
			Depth:            ns.Depth,
			visits:           ns.VisitCount,
			consistencyScore: ns.ConsistencyScore,
		}
		if ns.ParentID != nil {
			pid := *ns.ParentID
			if pid < 0 || pid >= i {
				return nil, fmt.Errorf("snapshot node %d has invalid parent %d", i, pid)
			}
			node.ParentID = &pid
			parent := t.nodes[pid]
			parent.ChildrenIDs = append(parent.ChildrenIDs, node.ID)
			node.Depth = parent.Depth + 1
		}
		if node.Depth > t.MaxDepth {
			t.MaxDepth = node.Depth
		}
		t.nodes = append(t.nodes, node)
	}

	// Children are rebuilt from parent links; the recorded lists must agree.
	for i, ns := range snap.Nodes {
		if len(ns.ChildrenIDs) != len(t.nodes[i].ChildrenIDs) {
			return nil, fmt.Errorf("snapshot node %d: children do not match parent links", i)
		}
		for j, id := range ns.ChildrenIDs {
			if t.nodes[i].ChildrenIDs[j] != id {
				return nil, fmt.Errorf("snapshot node %d: children do not match parent links", i)
			}
		}
	}
	return t, nil
}

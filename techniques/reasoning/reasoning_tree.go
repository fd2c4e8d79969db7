// Package reasoning provides reasoning techniques and supporting data structures.
package reasoning

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// ErrNoValidLeaf is returned by BestLeaf when no leaf has been visited.
var ErrNoValidLeaf = errors.New("no leaf with visits > 0")

// ReasoningNode represents a single node in a reasoning tree.
//
// Each node holds one reasoning step (the original query at the root) and
// the search statistics accumulated for it. Structure fields (ParentID,
// ChildrenIDs) are owned by the tree; statistics are guarded by the node's
// own lock so that concurrent backpropagation never loses an update.
type ReasoningNode struct {
	mu sync.RWMutex

	// ID is the arena index of the node.
	ID int
	// Step is the reasoning text for this node.
	Step string
	// ParentID is the ID of the parent node (nil for root).
	ParentID *int
	// ChildrenIDs contains the IDs of all child nodes in creation order.
	ChildrenIDs []int
	// Depth is the depth in the tree (0 for root).
	Depth int

	visits           int
	consistencyScore float64
}

// IsLeaf returns true if this node has no children.
func (n *ReasoningNode) IsLeaf() bool {
	return len(n.ChildrenIDs) == 0
}

// IsRoot returns true if this node has no parent.
func (n *ReasoningNode) IsRoot() bool {
	return n.ParentID == nil
}

// VisitCount returns the number of backpropagated visits.
func (n *ReasoningNode) VisitCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.visits
}

// ConsistencyScore returns the signed consistency accumulator.
func (n *ReasoningNode) ConsistencyScore() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.consistencyScore
}

// Ratio returns consistencyScore/visitCount, or -Inf for an unvisited node.
func (n *ReasoningNode) Ratio() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.visits == 0 {
		return math.Inf(-1)
	}
	return n.consistencyScore / float64(n.visits)
}

func (n *ReasoningNode) incrementVisits() {
	n.mu.Lock()
	n.visits++
	n.mu.Unlock()
}

func (n *ReasoningNode) addScore(delta float64) {
	n.mu.Lock()
	n.consistencyScore += delta
	n.mu.Unlock()
}

// ReasoningTree is an arena of reasoning nodes rooted at the original query.
//
// Nodes are addressed by ID. Children own nothing but their IDs; the parent
// link is a lookup, so the tree carries no reference cycles. The tree is
// append-only: nodes are created by expansion and never removed, except that
// a failed round discards the nodes it attached.
type ReasoningTree struct {
	mu sync.RWMutex
	// nodes is indexed by node ID.
	nodes []*ReasoningNode
	// MaxDepth is the maximum depth reached in the tree.
	MaxDepth int
}

// NewReasoningTree creates a tree whose root step is query.
func NewReasoningTree(query string) *ReasoningTree {
	t := &ReasoningTree{}
	t.nodes = append(t.nodes, &ReasoningNode{
		ID:          0,
		Step:        query,
		ChildrenIDs: []int{},
	})
	return t
}

// Root returns the root node.
func (t *ReasoningTree) Root() *ReasoningNode {
	return t.GetNode(0)
}

// Query returns the original query held by the root.
func (t *ReasoningTree) Query() string {
	return t.Root().Step
}

// GetNode returns the node with the given ID, or nil if not found.
func (t *ReasoningTree) GetNode(nodeID int) *ReasoningNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodeLocked(nodeID)
}

func (t *ReasoningTree) nodeLocked(nodeID int) *ReasoningNode {
	if nodeID < 0 || nodeID >= len(t.nodes) {
		return nil
	}
	return t.nodes[nodeID]
}

// Size returns the total number of nodes in the tree.
func (t *ReasoningTree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// AddChild adds a child node to a parent and returns the child ID.
func (t *ReasoningTree) AddChild(parentID int, step string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addChildLocked(parentID, step)
}

func (t *ReasoningTree) addChildLocked(parentID int, step string) (int, error) {
	parent := t.nodeLocked(parentID)
	if parent == nil {
		return 0, fmt.Errorf("parent node %d not found", parentID)
	}

	childID := len(t.nodes)
	pid := parentID
	child := &ReasoningNode{
		ID:          childID,
		Step:        step,
		ParentID:    &pid,
		ChildrenIDs: []int{},
		Depth:       parent.Depth + 1,
	}

	t.nodes = append(t.nodes, child)
	parent.ChildrenIDs = append(parent.ChildrenIDs, childID)

	if child.Depth > t.MaxDepth {
		t.MaxDepth = child.Depth
	}
	return childID, nil
}

// AttachChain attaches steps under parentID as a linear chain: the first step
// becomes a new child of parentID and every later step the sole child of the
// one before it. It returns the ID of the chain head.
func (t *ReasoningTree) AttachChain(parentID int, steps []string) (int, error) {
	if len(steps) == 0 {
		return 0, errors.New("cannot attach an empty chain")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	headID, err := t.addChildLocked(parentID, steps[0])
	if err != nil {
		return 0, err
	}
	prev := headID
	for _, step := range steps[1:] {
		id, err := t.addChildLocked(prev, step)
		if err != nil {
			return 0, err
		}
		prev = id
	}
	return headID, nil
}

// GetChildren returns all children of a node in creation order.
func (t *ReasoningTree) GetChildren(nodeID int) []*ReasoningNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node := t.nodeLocked(nodeID)
	if node == nil {
		return nil
	}
	children := make([]*ReasoningNode, 0, len(node.ChildrenIDs))
	for _, childID := range node.ChildrenIDs {
		children = append(children, t.nodes[childID])
	}
	return children
}

// GetPath returns the path from root to the given node.
func (t *ReasoningTree) GetPath(nodeID int) []*ReasoningNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var reversed []*ReasoningNode
	for node := t.nodeLocked(nodeID); node != nil; {
		reversed = append(reversed, node)
		if node.ParentID == nil {
			break
		}
		node = t.nodeLocked(*node.ParentID)
	}

	path := make([]*ReasoningNode, len(reversed))
	for i, node := range reversed {
		path[len(reversed)-1-i] = node
	}
	return path
}

// Trajectory returns the step texts from the root (exclusive) to the node
// (inclusive), oldest first. The root's trajectory is empty.
func (t *ReasoningTree) Trajectory(nodeID int) []string {
	path := t.GetPath(nodeID)
	if len(path) <= 1 {
		return []string{}
	}
	steps := make([]string, 0, len(path)-1)
	for _, node := range path[1:] {
		steps = append(steps, node.Step)
	}
	return steps
}

// GetPathText returns the trajectory of the node joined by delimiter.
func (t *ReasoningTree) GetPathText(nodeID int, delimiter string) string {
	return strings.Join(t.Trajectory(nodeID), delimiter)
}

// GetLeaves returns every descendant of nodeID (itself included) that has no
// children, depth-first with children visited in creation order.
func (t *ReasoningTree) GetLeaves(nodeID int) []*ReasoningNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	start := t.nodeLocked(nodeID)
	if start == nil {
		return nil
	}

	leaves := []*ReasoningNode{}
	stack := []*ReasoningNode{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if node.IsLeaf() {
			leaves = append(leaves, node)
			continue
		}
		// Push in reverse so the first child is visited first
		for i := len(node.ChildrenIDs) - 1; i >= 0; i-- {
			stack = append(stack, t.nodes[node.ChildrenIDs[i]])
		}
	}
	return leaves
}

// UCTScore returns the upper confidence bound of a node.
//
// Unvisited nodes score +Inf. Otherwise the score is
// consistencyScore/visits + c*sqrt(ln(parentVisits)/visits), where
// parentVisits is 1 for the root.
func (t *ReasoningTree) UCTScore(nodeID int, c float64) float64 {
	node := t.GetNode(nodeID)
	if node == nil {
		return math.Inf(-1)
	}

	visits := node.VisitCount()
	if visits == 0 {
		return math.Inf(1)
	}

	exploitation := node.ConsistencyScore() / float64(visits)

	parentVisits := 1
	if node.ParentID != nil {
		parentVisits = t.GetNode(*node.ParentID).VisitCount()
	}
	// A parent always has at least as many visits as its child, but a
	// restored or hand-built tree may not; clamp to keep the log defined.
	if parentVisits < 1 {
		parentVisits = 1
	}

	exploration := c * math.Sqrt(math.Log(float64(parentVisits))/float64(visits))
	return exploitation + exploration
}

// SelectBestChild returns the child of nodeID with the highest UCT score,
// ties going to the first child in creation order. A childless node selects
// itself.
func (t *ReasoningTree) SelectBestChild(nodeID int, c float64) int {
	children := t.GetChildren(nodeID)
	if len(children) == 0 {
		return nodeID
	}

	bestID := children[0].ID
	bestScore := t.UCTScore(bestID, c)
	for _, child := range children[1:] {
		if score := t.UCTScore(child.ID, c); score > bestScore {
			bestScore = score
			bestID = child.ID
		}
	}
	return bestID
}

// Select walks from the root by repeated best-child selection until it
// reaches a node without children.
func (t *ReasoningTree) Select(c float64) int {
	current := 0
	for {
		next := t.SelectBestChild(current, c)
		if next == current {
			return current
		}
		current = next
	}
}

// UpdateVisitCount increments the visit count of nodeID and of every
// ancestor up to and including the root.
func (t *ReasoningTree) UpdateVisitCount(nodeID int) {
	for _, node := range t.GetPath(nodeID) {
		node.incrementVisits()
	}
}

// AddConsistencyScore adds delta to the consistency score of nodeID.
func (t *ReasoningTree) AddConsistencyScore(nodeID int, delta float64) error {
	node := t.GetNode(nodeID)
	if node == nil {
		return fmt.Errorf("node %d not found", nodeID)
	}
	node.addScore(delta)
	return nil
}

// GetBestLeaf returns the leaf with the highest consistencyScore/visitCount
// among leaves with at least one visit. Ties go to the first leaf in
// depth-first order. ErrNoValidLeaf is returned when no leaf was visited.
func (t *ReasoningTree) GetBestLeaf() (*ReasoningNode, error) {
	var best *ReasoningNode
	bestRatio := math.Inf(-1)
	for _, leaf := range t.GetLeaves(0) {
		if leaf.VisitCount() == 0 {
			continue
		}
		if ratio := leaf.Ratio(); best == nil || ratio > bestRatio {
			best = leaf
			bestRatio = ratio
		}
	}
	if best == nil {
		return nil, ErrNoValidLeaf
	}
	return best, nil
}

// mark returns a token identifying the current end of the arena.
func (t *ReasoningTree) mark() int {
	return t.Size()
}

// rollback discards every node created after mark and unlinks them from
// their parents. Statistics of surviving nodes are untouched.
func (t *ReasoningTree) rollback(mark int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if mark >= len(t.nodes) {
		return
	}
	for _, node := range t.nodes[:mark] {
		kept := node.ChildrenIDs[:0]
		for _, id := range node.ChildrenIDs {
			if id < mark {
				kept = append(kept, id)
			}
		}
		node.ChildrenIDs = kept
	}
	t.nodes = t.nodes[:mark]

	t.MaxDepth = 0
	for _, node := range t.nodes {
		if node.Depth > t.MaxDepth {
			t.MaxDepth = node.Depth
		}
	}
}

// TreeStatistics contains statistics about the reasoning tree.
type TreeStatistics struct {
	TotalNodes    int     `json:"total_nodes"`
	MaxDepth      int     `json:"max_depth"`
	NumLeaves     int     `json:"num_leaves"`
	VisitedLeaves int     `json:"visited_leaves"`
	RootVisits    int     `json:"root_visits"`
	BestRatio     float64 `json:"best_ratio"`
	MeanRatio     float64 `json:"mean_ratio"`
	StdDevRatio   float64 `json:"stddev_ratio"`
}

// GetStatistics returns statistics about the tree. Ratio statistics cover
// visited leaves only.
func (t *ReasoningTree) GetStatistics() TreeStatistics {
	leaves := t.GetLeaves(0)

	ratios := make([]float64, 0, len(leaves))
	for _, leaf := range leaves {
		if leaf.VisitCount() > 0 {
			ratios = append(ratios, leaf.Ratio())
		}
	}

	stats := TreeStatistics{
		TotalNodes:    t.Size(),
		NumLeaves:     len(leaves),
		VisitedLeaves: len(ratios),
		RootVisits:    t.Root().VisitCount(),
	}

	t.mu.RLock()
	stats.MaxDepth = t.MaxDepth
	t.mu.RUnlock()

	switch len(ratios) {
	case 0:
	case 1:
		stats.BestRatio = ratios[0]
		stats.MeanRatio = ratios[0]
	default:
		stats.MeanRatio, stats.StdDevRatio = stat.MeanStdDev(ratios, nil)
		stats.BestRatio = ratios[0]
		for _, r := range ratios[1:] {
			if r > stats.BestRatio {
				stats.BestRatio = r
			}
		}
	}
	return stats
}

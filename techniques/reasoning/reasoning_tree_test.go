package reasoning

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustAddChild(t *testing.T, tree *ReasoningTree, parentID int, step string) int {
	t.Helper()
	id, err := tree.AddChild(parentID, step)
	if err != nil {
		t.Fatalf("AddChild(%d, %q) failed: %v", parentID, step, err)
	}
	return id
}

func TestReasoningTreeRoot(t *testing.T) {
	tree := NewReasoningTree("What is 2+2?")

	root := tree.Root()
	if !root.IsRoot() {
		t.Error("Expected root to have no parent")
	}
	if !root.IsLeaf() {
		t.Error("Expected new root to be a leaf")
	}
	if tree.Query() != "What is 2+2?" {
		t.Errorf("Expected query to be root step, got %q", tree.Query())
	}
	if tree.Size() != 1 {
		t.Errorf("Expected size 1, got %d", tree.Size())
	}
	if got := tree.Trajectory(0); len(got) != 0 {
		t.Errorf("Expected empty root trajectory, got %q", got)
	}
}

func TestReasoningTreeAttachChain(t *testing.T) {
	tree := NewReasoningTree("q")

	head, err := tree.AttachChain(0, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("AttachChain failed: %v", err)
	}
	second, err := tree.AttachChain(0, []string{"x"})
	if err != nil {
		t.Fatalf("AttachChain failed: %v", err)
	}

	if diff := cmp.Diff([]int{head, second}, tree.Root().ChildrenIDs); diff != "" {
		t.Errorf("Root children mismatch (-want +got):\n%s", diff)
	}
	if tree.MaxDepth != 3 {
		t.Errorf("Expected max depth 3, got %d", tree.MaxDepth)
	}

	leaves := tree.GetLeaves(head)
	if len(leaves) != 1 {
		t.Fatalf("Expected a linear chain with one leaf, got %d", len(leaves))
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, tree.Trajectory(leaves[0].ID)); diff != "" {
		t.Errorf("Trajectory mismatch (-want +got):\n%s", diff)
	}
	if got := tree.GetPathText(leaves[0].ID, " -> "); got != "a -> b -> c" {
		t.Errorf("Unexpected path text %q", got)
	}

	if _, err := tree.AttachChain(0, nil); err == nil {
		t.Error("Expected error attaching empty chain")
	}
	if _, err := tree.AttachChain(99, []string{"a"}); err == nil {
		t.Error("Expected error attaching under missing parent")
	}
}

func TestReasoningTreeGetLeavesOrder(t *testing.T) {
	tree := NewReasoningTree("q")
	a := mustAddChild(t, tree, 0, "a")
	b := mustAddChild(t, tree, 0, "b")
	a1 := mustAddChild(t, tree, a, "a1")
	a2 := mustAddChild(t, tree, a, "a2")
	b1 := mustAddChild(t, tree, b, "b1")

	var got []int
	for _, leaf := range tree.GetLeaves(0) {
		got = append(got, leaf.ID)
	}
	if diff := cmp.Diff([]int{a1, a2, b1}, got); diff != "" {
		t.Errorf("Leaf order mismatch (-want +got):\n%s", diff)
	}

	// A leaf enumerates itself.
	if leaves := tree.GetLeaves(b1); len(leaves) != 1 || leaves[0].ID != b1 {
		t.Errorf("Expected leaf to enumerate itself")
	}
}

func TestUCTScoreUnvisitedIsInfinite(t *testing.T) {
	tree := NewReasoningTree("q")
	child := mustAddChild(t, tree, 0, "a")

	for _, id := range []int{0, child} {
		if score := tree.UCTScore(id, DefaultExplorationConstant); !math.IsInf(score, 1) {
			t.Errorf("Expected +Inf for unvisited node %d, got %v", id, score)
		}
	}
}

func TestUCTScoreFormula(t *testing.T) {
	tree := NewReasoningTree("q")
	a := mustAddChild(t, tree, 0, "a")
	b := mustAddChild(t, tree, 0, "b")

	// Root visited 4 times, a 3 times, b once.
	for i := 0; i < 3; i++ {
		tree.UpdateVisitCount(a)
	}
	tree.UpdateVisitCount(b)
	if err := tree.AddConsistencyScore(a, 2); err != nil {
		t.Fatal(err)
	}

	c := DefaultExplorationConstant
	want := 2.0/3.0 + c*math.Sqrt(math.Log(4)/3)
	if got := tree.UCTScore(a, c); math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected UCT %v, got %v", want, got)
	}

	// The root uses parentVisits = 1, so exploration vanishes.
	if err := tree.AddConsistencyScore(0, 2); err != nil {
		t.Fatal(err)
	}
	if got := tree.UCTScore(0, c); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Expected pure exploitation 0.5 at root, got %v", got)
	}
}

func TestSelectPrefersUnvisitedThenFirst(t *testing.T) {
	tree := NewReasoningTree("q")
	a := mustAddChild(t, tree, 0, "a")
	b := mustAddChild(t, tree, 0, "b")

	// Both unvisited: tie goes to the first child.
	if got := tree.SelectBestChild(0, DefaultExplorationConstant); got != a {
		t.Errorf("Expected first child %d, got %d", a, got)
	}

	// a visited with a high score still loses to unvisited b.
	tree.UpdateVisitCount(a)
	if err := tree.AddConsistencyScore(a, 100); err != nil {
		t.Fatal(err)
	}
	if got := tree.Select(DefaultExplorationConstant); got != b {
		t.Errorf("Expected unvisited child %d, got %d", b, got)
	}

	// A childless node selects itself.
	if got := tree.SelectBestChild(b, DefaultExplorationConstant); got != b {
		t.Errorf("Expected leaf to select itself, got %d", got)
	}
}

func TestUpdateVisitCountTouchesOnlyPath(t *testing.T) {
	tree := NewReasoningTree("q")
	a := mustAddChild(t, tree, 0, "a")
	b := mustAddChild(t, tree, 0, "b")
	a1 := mustAddChild(t, tree, a, "a1")
	b1 := mustAddChild(t, tree, b, "b1")

	tree.UpdateVisitCount(a1)

	want := map[int]int{0: 1, a: 1, a1: 1, b: 0, b1: 0}
	for id, visits := range want {
		if got := tree.GetNode(id).VisitCount(); got != visits {
			t.Errorf("Node %d: expected %d visits, got %d", id, visits, got)
		}
	}
}

func TestUpdateVisitCountConcurrent(t *testing.T) {
	tree := NewReasoningTree("q")
	a := mustAddChild(t, tree, 0, "a")
	leaf := mustAddChild(t, tree, a, "a1")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tree.UpdateVisitCount(leaf)
			_ = tree.AddConsistencyScore(a, 1)
		}()
	}
	wg.Wait()

	if got := tree.Root().VisitCount(); got != 100 {
		t.Errorf("Expected 100 root visits, got %d", got)
	}
	if got := tree.GetNode(a).ConsistencyScore(); got != 100 {
		t.Errorf("Expected score 100, got %v", got)
	}
}

func TestGetBestLeafHighestRatio(t *testing.T) {
	tree := NewReasoningTree("q")
	first := mustAddChild(t, tree, 0, "first")
	second := mustAddChild(t, tree, 0, "second")
	unvisited := mustAddChild(t, tree, 0, "unvisited")
	_ = unvisited

	for i := 0; i < 2; i++ {
		tree.UpdateVisitCount(first)
	}
	for i := 0; i < 3; i++ {
		tree.UpdateVisitCount(second)
	}
	_ = tree.AddConsistencyScore(first, 4)
	_ = tree.AddConsistencyScore(second, 9)

	best, err := tree.GetBestLeaf()
	if err != nil {
		t.Fatalf("GetBestLeaf failed: %v", err)
	}
	if best.ID != second {
		t.Errorf("Expected leaf %d (ratio 3.0), got %d (ratio %v)", second, best.ID, best.Ratio())
	}
}

func TestGetBestLeafNegativeScores(t *testing.T) {
	tree := NewReasoningTree("q")
	a := mustAddChild(t, tree, 0, "a")
	b := mustAddChild(t, tree, 0, "b")
	tree.UpdateVisitCount(a)
	tree.UpdateVisitCount(b)
	_ = tree.AddConsistencyScore(a, -3)
	_ = tree.AddConsistencyScore(b, -1)

	best, err := tree.GetBestLeaf()
	if err != nil {
		t.Fatalf("GetBestLeaf failed: %v", err)
	}
	if best.ID != b {
		t.Errorf("Expected least negative leaf %d, got %d", b, best.ID)
	}
}

func TestGetBestLeafNoVisits(t *testing.T) {
	tree := NewReasoningTree("q")
	mustAddChild(t, tree, 0, "a")

	if _, err := tree.GetBestLeaf(); !errors.Is(err, ErrNoValidLeaf) {
		t.Errorf("Expected ErrNoValidLeaf, got %v", err)
	}
}

func TestReasoningTreeRollback(t *testing.T) {
	tree := NewReasoningTree("q")
	a := mustAddChild(t, tree, 0, "a")
	tree.UpdateVisitCount(a)

	mark := tree.mark()
	if _, err := tree.AttachChain(a, []string{"x", "y"}); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.AttachChain(0, []string{"z"}); err != nil {
		t.Fatal(err)
	}
	tree.rollback(mark)

	if tree.Size() != 2 {
		t.Errorf("Expected size 2 after rollback, got %d", tree.Size())
	}
	if !tree.GetNode(a).IsLeaf() {
		t.Error("Expected rolled back children to be unlinked")
	}
	if diff := cmp.Diff([]int{a}, tree.Root().ChildrenIDs); diff != "" {
		t.Errorf("Root children mismatch (-want +got):\n%s", diff)
	}
	if tree.MaxDepth != 1 {
		t.Errorf("Expected max depth 1, got %d", tree.MaxDepth)
	}
	if tree.GetNode(a).VisitCount() != 1 {
		t.Error("Rollback must not touch surviving statistics")
	}
}

func TestReasoningTreeStatistics(t *testing.T) {
	tree := NewReasoningTree("q")
	a := mustAddChild(t, tree, 0, "a")
	b := mustAddChild(t, tree, 0, "b")
	mustAddChild(t, tree, 0, "c")

	tree.UpdateVisitCount(a)
	tree.UpdateVisitCount(b)
	_ = tree.AddConsistencyScore(a, 1)
	_ = tree.AddConsistencyScore(b, -1)

	stats := tree.GetStatistics()
	want := TreeStatistics{
		TotalNodes:    4,
		MaxDepth:      1,
		NumLeaves:     3,
		VisitedLeaves: 2,
		RootVisits:    2,
		BestRatio:     1,
		MeanRatio:     0,
		StdDevRatio:   math.Sqrt2,
	}
	if diff := cmp.Diff(want, stats, cmp.Comparer(func(x, y float64) bool {
		return math.Abs(x-y) < 1e-9
	})); diff != "" {
		t.Errorf("Statistics mismatch (-want +got):\n%s", diff)
	}
}

package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// DefaultExplorationConstant is the UCT exploration constant C = sqrt(2).
const DefaultExplorationConstant = math.Sqrt2

// MetricsRecorder receives search measurements.
type MetricsRecorder interface {
	RecordRound(ctx context.Context, duration time.Duration, err error)
	RecordConsistency(ctx context.Context, consistent bool)
	RecordTreeSize(ctx context.Context, nodes int)
}

// Checkpointer persists the tree after each completed round.
type Checkpointer interface {
	SaveRound(ctx context.Context, sessionID string, round int, tree *ReasoningTree) error
}

// UsageSource reports the model usage accumulated by a session.
type UsageSource interface {
	SessionUsage(ctx context.Context, sessionID string) (thought.Usage, error)
}

// RoundEvent describes one completed (or failed) round.
type RoundEvent struct {
	SessionID    string          `json:"session_id"`
	Round        int             `json:"round"`
	SelectedID   int             `json:"selected_id"`
	SelectedStep string          `json:"selected_step"`
	NewBranches  []int           `json:"new_branches"`
	LeafDeltas   map[int]float64 `json:"leaf_deltas"`
	BranchScores map[int]float64 `json:"branch_scores"`
	TreeSize     int             `json:"tree_size"`
	Duration     time.Duration   `json:"duration"`
	Err          error           `json:"-"`
	Error        string          `json:"error,omitempty"`
}

// RoundObserver is called after every round.
type RoundObserver func(event RoundEvent)

// MCTS implements Monte-Carlo tree search over reasoning steps.
//
// Each round selects a leaf by UCT, expands it with independent rollouts
// from the step generator, simulates every new leaf with masked-context
// consistency checks and backpropagates visits and scores.
//
// Example:
//
//	search := reasoning.NewMCTS(
//	    stepGen,
//	    structuredGen,
//	    reasoning.WithExpansionRollouts(3),
//	    reasoning.WithSimulationRounds(3),
//	)
//	result, err := search.Search(ctx, "When I was 6 my sister was 3. Now I'm 56, how old is she?", 3)
type MCTS struct {
	stepGenerator       thought.StepGenerator
	structuredGenerator thought.StructuredGenerator
	expansionRollouts   int
	simulationRounds    int
	searchRounds        int
	explorationConstant float64
	concurrency         int
	logger              *slog.Logger
	tracer              trace.Tracer
	metrics             MetricsRecorder
	checkpointer        Checkpointer
	observer            RoundObserver
	usage               UsageSource
}

// MCTSOption is a functional option for configuring MCTS.
type MCTSOption func(*MCTS)

// WithExpansionRollouts sets how many rollouts each expansion generates.
func WithExpansionRollouts(n int) MCTSOption {
	return func(m *MCTS) {
		if n > 0 {
			m.expansionRollouts = n
		}
	}
}

// WithSimulationRounds sets how many consistency checks each leaf simulation runs.
func WithSimulationRounds(n int) MCTSOption {
	return func(m *MCTS) {
		if n > 0 {
			m.simulationRounds = n
		}
	}
}

// WithSearchRounds sets the number of rounds Process runs when the message
// does not specify one.
func WithSearchRounds(n int) MCTSOption {
	return func(m *MCTS) {
		if n > 0 {
			m.searchRounds = n
		}
	}
}

// WithExplorationConstant sets the UCT exploration constant.
func WithExplorationConstant(c float64) MCTSOption {
	return func(m *MCTS) {
		if c >= 0 {
			m.explorationConstant = c
		}
	}
}

// WithConcurrency bounds the number of generation calls in flight.
// Zero or less means unbounded.
func WithConcurrency(n int) MCTSOption {
	return func(m *MCTS) {
		m.concurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MCTSOption {
	return func(m *MCTS) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTracer sets the tracer used for round and phase spans.
func WithTracer(tracer trace.Tracer) MCTSOption {
	return func(m *MCTS) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics MetricsRecorder) MCTSOption {
	return func(m *MCTS) {
		m.metrics = metrics
	}
}

// WithCheckpointer sets where the tree is saved after each round.
func WithCheckpointer(c Checkpointer) MCTSOption {
	return func(m *MCTS) {
		m.checkpointer = c
	}
}

// WithRoundObserver sets a callback invoked after each round.
func WithRoundObserver(observer RoundObserver) MCTSOption {
	return func(m *MCTS) {
		m.observer = observer
	}
}

// WithUsage sets where the token usage reported in SearchResult comes
// from.
func WithUsage(source UsageSource) MCTSOption {
	return func(m *MCTS) {
		m.usage = source
	}
}

// NewMCTS creates a new MCTS search over the given generators.
func NewMCTS(stepGenerator thought.StepGenerator, structuredGenerator thought.StructuredGenerator, options ...MCTSOption) *MCTS {
	m := &MCTS{
		stepGenerator:       stepGenerator,
		structuredGenerator: structuredGenerator,
		expansionRollouts:   3,
		simulationRounds:    3,
		searchRounds:        3,
		explorationConstant: DefaultExplorationConstant,
		logger:              slog.Default(),
		tracer:              otel.Tracer("thoughtsearch.reasoning"),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// Name returns the technique name.
func (m *MCTS) Name() string {
	return "mcts_tree_of_thought"
}

// Capabilities returns the technique capabilities.
func (m *MCTS) Capabilities() []string {
	return []string{
		"reasoning",
		"tree_search",
		"monte_carlo_tree_search",
		"self_consistency",
		"tree_of_thought",
	}
}

// Expand generates the configured number of rollouts from nodeID and
// attaches each as a linear chain under it. It returns the IDs of the new
// chain heads in rollout order. Nothing is attached unless every rollout
// succeeds.
func (m *MCTS) Expand(ctx context.Context, tree *ReasoningTree, nodeID int) ([]int, error) {
	ctx, span := m.tracer.Start(ctx, "mcts.expand")
	defer span.End()

	rollouts, err := m.generateRollouts(ctx, tree, nodeID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	childIDs := make([]int, 0, len(rollouts))
	for _, steps := range rollouts {
		headID, err := tree.AttachChain(nodeID, steps)
		if err != nil {
			return nil, fmt.Errorf("failed to attach rollout: %w", err)
		}
		childIDs = append(childIDs, headID)
	}

	span.SetAttributes(
		attribute.Int("mcts.node_id", nodeID),
		attribute.Int("mcts.rollouts", len(childIDs)),
	)
	return childIDs, nil
}

// generateRollouts runs every rollout for nodeID concurrently.
func (m *MCTS) generateRollouts(ctx context.Context, tree *ReasoningTree, nodeID int) ([][]string, error) {
	node := tree.GetNode(nodeID)
	if node == nil {
		return nil, fmt.Errorf("node %d not found", nodeID)
	}

	// The node's own step is the question; the trajectory is its ancestors.
	trajectory := tree.Trajectory(nodeID)
	if len(trajectory) > 0 {
		trajectory = trajectory[:len(trajectory)-1]
	}
	prompt := buildProposePrompt(node.Step, trajectory)

	rollouts := make([][]string, m.expansionRollouts)
	g, gctx := errgroup.WithContext(ctx)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}

	for i := 0; i < m.expansionRollouts; i++ {
		g.Go(func() error {
			text, err := m.stepGenerator.Generate(gctx, prompt)
			if err != nil {
				return fmt.Errorf("rollout %d: %w", i+1, err)
			}
			steps := ExtractSteps(text)
			if len(steps) == 0 {
				return fmt.Errorf("rollout %d: %w", i+1, ErrEmptyRollout)
			}
			rollouts[i] = steps
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rollouts, nil
}

// CompleteSteps answers the root query from the masked trajectory of nodeID.
// Empty steps are left out before masking.
func (m *MCTS) CompleteSteps(ctx context.Context, tree *ReasoningTree, nodeID int) (string, error) {
	var trajectory []string
	for _, step := range tree.Trajectory(nodeID) {
		if step != "" {
			trajectory = append(trajectory, step)
		}
	}
	masked := MaskTrajectory(trajectory)
	prompt := buildSubAnswerPrompt(tree.Query(), masked)

	result, err := m.structuredGenerator.GenerateStructured(ctx, prompt, subAnswerSchema)
	if err != nil {
		return "", fmt.Errorf("masked completion failed: %w", err)
	}
	answer, ok := result.String("response")
	if !ok {
		return "", fmt.Errorf("masked completion: %w: response", ErrMalformedResult)
	}
	return answer, nil
}

// CheckConsistency reports whether candidate reaches the same result as the
// step held by nodeID.
func (m *MCTS) CheckConsistency(ctx context.Context, tree *ReasoningTree, nodeID int, candidate string) (bool, error) {
	node := tree.GetNode(nodeID)
	if node == nil {
		return false, fmt.Errorf("node %d not found", nodeID)
	}

	prompt := buildConsistencyPrompt(tree.Query(), node.Step, candidate)
	result, err := m.structuredGenerator.GenerateStructured(ctx, prompt, consistencySchema)
	if err != nil {
		return false, fmt.Errorf("consistency check failed: %w", err)
	}
	consistent, ok := result.Bool("result")
	if !ok {
		return false, fmt.Errorf("consistency check: %w: result", ErrMalformedResult)
	}
	return consistent, nil
}

// Simulate runs a simulation burst on nodeID and adds the outcome to its
// consistency score: +1 for every consistent check, -1 otherwise. The score
// is only changed when the whole burst succeeds. It returns the delta.
func (m *MCTS) Simulate(ctx context.Context, tree *ReasoningTree, nodeID int) (float64, error) {
	delta, err := m.simulateBurst(ctx, tree, nodeID)
	if err != nil {
		return 0, err
	}
	if err := tree.AddConsistencyScore(nodeID, delta); err != nil {
		return 0, err
	}
	return delta, nil
}

func (m *MCTS) simulateBurst(ctx context.Context, tree *ReasoningTree, nodeID int) (float64, error) {
	ctx, span := m.tracer.Start(ctx, "mcts.simulate", trace.WithAttributes(attribute.Int("mcts.node_id", nodeID)))
	defer span.End()

	delta := 0.0
	for round := 0; round < m.simulationRounds; round++ {
		candidate, err := m.CompleteSteps(ctx, tree, nodeID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, err
		}

		consistent, err := m.CheckConsistency(ctx, tree, nodeID, candidate)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, err
		}

		if m.metrics != nil {
			m.metrics.RecordConsistency(ctx, consistent)
		}
		m.logger.DebugContext(ctx, "consistency check",
			"node_id", nodeID,
			"round", round,
			"consistent", consistent,
		)

		if consistent {
			delta++
		} else {
			delta--
		}
	}

	span.SetAttributes(attribute.Float64("mcts.delta", delta))
	return delta, nil
}

// leafTask pairs a new leaf with the branch head it descends from.
type leafTask struct {
	branchID int
	leafID   int
}

// Round runs one selection, expansion, simulation and backpropagation pass.
// round is used for reporting only. On error the tree is unchanged.
func (m *MCTS) Round(ctx context.Context, tree *ReasoningTree, round int) (RoundEvent, error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "mcts.round", trace.WithAttributes(attribute.Int("mcts.round", round)))
	defer span.End()

	event, err := m.round(ctx, tree, round)
	event.Duration = time.Since(start)
	event.TreeSize = tree.Size()

	if m.metrics != nil {
		m.metrics.RecordRound(ctx, event.Duration, err)
		m.metrics.RecordTreeSize(ctx, event.TreeSize)
	}

	if err != nil {
		event.Err = err
		event.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.ErrorContext(ctx, "mcts round failed", "round", round, "error", err)
		return event, err
	}

	span.SetStatus(codes.Ok, "")
	m.logger.InfoContext(ctx, "mcts round complete",
		"round", round,
		"selected_id", event.SelectedID,
		"new_branches", len(event.NewBranches),
		"tree_size", event.TreeSize,
		"duration_ms", event.Duration.Milliseconds(),
	)
	return event, nil
}

func (m *MCTS) round(ctx context.Context, tree *ReasoningTree, round int) (RoundEvent, error) {
	mark := tree.mark()

	// Selection
	selectedID := tree.Select(m.explorationConstant)
	selected := tree.GetNode(selectedID)
	event := RoundEvent{
		Round:        round,
		SelectedID:   selectedID,
		SelectedStep: selected.Step,
		LeafDeltas:   map[int]float64{},
		BranchScores: map[int]float64{},
	}
	m.logger.DebugContext(ctx, "selected node", "round", round, "node_id", selectedID, "step", selected.Step)

	// Expansion
	branchIDs, err := m.Expand(ctx, tree, selectedID)
	if err != nil {
		tree.rollback(mark)
		return event, &SearchError{Phase: PhaseExpansion, Round: round, Err: err}
	}
	event.NewBranches = branchIDs

	// Simulation
	var tasks []leafTask
	for _, branchID := range branchIDs {
		for _, leaf := range tree.GetLeaves(branchID) {
			tasks = append(tasks, leafTask{branchID: branchID, leafID: leaf.ID})
		}
	}

	deltas := make([]float64, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}
	for i, task := range tasks {
		g.Go(func() error {
			delta, err := m.simulateBurst(gctx, tree, task.leafID)
			if err != nil {
				return fmt.Errorf("leaf %d: %w", task.leafID, err)
			}
			deltas[i] = delta
			return nil
		})
	}
	// Barrier: no score moves until every leaf has been simulated.
	if err := g.Wait(); err != nil {
		tree.rollback(mark)
		event.NewBranches = nil
		return event, &SearchError{Phase: PhaseSimulation, Round: round, Err: err}
	}

	for i, task := range tasks {
		_ = tree.AddConsistencyScore(task.leafID, deltas[i])
		event.LeafDeltas[task.leafID] = deltas[i]
	}

	// Backpropagation
	for _, task := range tasks {
		tree.UpdateVisitCount(task.leafID)
		if task.leafID != task.branchID {
			leafScore := tree.GetNode(task.leafID).ConsistencyScore()
			_ = tree.AddConsistencyScore(task.branchID, leafScore)
		}
	}
	for _, branchID := range branchIDs {
		branch := tree.GetNode(branchID)
		event.BranchScores[branchID] = branch.ConsistencyScore()
		m.logger.DebugContext(ctx, "branch backpropagated",
			"round", round,
			"branch_id", branchID,
			"step", branch.Step,
			"uct", tree.UCTScore(branchID, m.explorationConstant),
		)
	}

	return event, nil
}

// SearchResult is the outcome of a completed search.
type SearchResult struct {
	SessionID        string         `json:"session_id"`
	Query            string         `json:"query"`
	BestAnswer       string         `json:"best_answer"`
	Score            float64        `json:"score"`
	UCT              float64        `json:"uct"`
	VisitCount       int            `json:"visit_count"`
	ConsistencyScore float64        `json:"consistency_score"`
	LeafID           int            `json:"leaf_id"`
	Trajectory       []string       `json:"trajectory"`
	Rounds           int            `json:"rounds"`
	Statistics       TreeStatistics `json:"statistics"`
	Usage            *thought.Usage `json:"usage,omitempty"`
}

// Search runs rounds MCTS rounds over a fresh tree for query and returns the
// best leaf.
func (m *MCTS) Search(ctx context.Context, query string, rounds int) (*SearchResult, error) {
	tree := NewReasoningTree(query)
	return m.Continue(ctx, uuid.NewString(), tree, 0, rounds)
}

// Continue runs rounds more rounds on an existing tree. completed is the
// number of rounds already run on it and only affects round numbering.
func (m *MCTS) Continue(ctx context.Context, sessionID string, tree *ReasoningTree, completed, rounds int) (*SearchResult, error) {
	if rounds < 0 {
		return nil, fmt.Errorf("rounds must be non-negative, got %d", rounds)
	}

	ctx = thought.ContextWithSession(ctx, sessionID)
	ctx, span := m.tracer.Start(ctx, "mcts.search", trace.WithAttributes(
		attribute.String("mcts.session_id", sessionID),
		attribute.Int("mcts.rounds", rounds),
	))
	defer span.End()

	m.logger.InfoContext(ctx, "mcts search started",
		"session_id", sessionID,
		"rounds", rounds,
		"completed", completed,
	)

	last := completed
	for i := 1; i <= rounds; i++ {
		round := completed + i
		event, err := m.Round(ctx, tree, round)
		event.SessionID = sessionID
		if m.observer != nil {
			m.observer(event)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		last = round

		if m.checkpointer != nil {
			if err := m.checkpointer.SaveRound(ctx, sessionID, round, tree); err != nil {
				m.logger.WarnContext(ctx, "checkpoint failed", "session_id", sessionID, "round", round, "error", err)
			}
		}
	}

	result, err := m.result(tree, sessionID, last)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if m.usage != nil {
		usage, err := m.usage.SessionUsage(ctx, sessionID)
		if err != nil {
			m.logger.WarnContext(ctx, "usage lookup failed", "session_id", sessionID, "error", err)
		} else {
			result.Usage = &usage
			span.SetAttributes(attribute.Int("mcts.total_tokens", usage.TotalTokens))
		}
	}

	span.SetAttributes(attribute.Float64("mcts.best_score", result.Score))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (m *MCTS) result(tree *ReasoningTree, sessionID string, rounds int) (*SearchResult, error) {
	best, err := tree.GetBestLeaf()
	if err != nil {
		if errors.Is(err, ErrNoValidLeaf) {
			err = ErrNoAnswer
		}
		return nil, &SearchError{Phase: PhaseSelection, Round: rounds, Err: err}
	}

	return &SearchResult{
		SessionID:        sessionID,
		Query:            tree.Query(),
		BestAnswer:       best.Step,
		Score:            best.Ratio(),
		UCT:              tree.UCTScore(best.ID, m.explorationConstant),
		VisitCount:       best.VisitCount(),
		ConsistencyScore: best.ConsistencyScore(),
		LeafID:           best.ID,
		Trajectory:       tree.Trajectory(best.ID),
		Rounds:           rounds,
		Statistics:       tree.GetStatistics(),
	}, nil
}

// Process runs a search for the message content. The message must pass
// Validate and carry a non-blank query, or ErrInvalidMessage is returned.
//
// Metadata["rounds"] (int) overrides the configured number of rounds. The
// response metadata includes:
//   - technique: "mcts_tree_of_thought"
//   - session_id: string
//   - reasoning_path: []string
//   - best_score: float64
//   - visit_count: int
//   - reasoning_tree_stats: TreeStatistics
//   - usage: thought.Usage, when a usage source is configured
func (m *MCTS) Process(ctx context.Context, message *thought.Message) (*thought.Message, error) {
	if message == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if err := message.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(message.Content) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidMessage)
	}

	rounds := m.searchRounds
	if message.Metadata != nil {
		if r, ok := message.Metadata["rounds"].(int); ok && r > 0 {
			rounds = r
		}
	}

	result, err := m.Search(ctx, message.Content, rounds)
	if err != nil {
		return nil, err
	}

	response := &thought.Message{
		Role:    "assistant",
		Content: result.BestAnswer,
		Metadata: map[string]interface{}{
			"technique":            m.Name(),
			"session_id":           result.SessionID,
			"reasoning_path":       result.Trajectory,
			"best_score":           result.Score,
			"visit_count":          result.VisitCount,
			"reasoning_tree_stats": result.Statistics,
		},
		Timestamp: time.Now().UTC(),
	}
	if result.Usage != nil {
		response.Metadata["usage"] = *result.Usage
	}
	return response, nil
}

// RunSearch runs a search for query with a fresh MCTS built from the given
// generators and options.
func RunSearch(ctx context.Context, stepGenerator thought.StepGenerator, structuredGenerator thought.StructuredGenerator, query string, rounds int, options ...MCTSOption) (*SearchResult, error) {
	return NewMCTS(stepGenerator, structuredGenerator, options...).Search(ctx, query, rounds)
}

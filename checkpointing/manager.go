package checkpointing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scttfrdmn/thoughtsearch/techniques/reasoning"
)

// ErrNoCheckpoint is returned when a session or checkpoint id has nothing
// stored.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// CheckpointManager saves the search tree after every round and restores
// it for resumption. It implements reasoning.Checkpointer.
//
// Example:
//
//	manager := checkpointing.NewCheckpointManager(storage, 5)
//	engine := reasoning.NewMCTS(step, structured, reasoning.WithCheckpointer(manager))
//	result, err := engine.Search(ctx, query, 3)
//	...
//	result, err = manager.Resume(ctx, engine, result.SessionID, 2)
type CheckpointManager struct {
	storage  CheckpointStorage
	keepLast int
	logger   *slog.Logger

	mu                    sync.Mutex
	sessionLastCheckpoint map[string]string
}

var _ reasoning.Checkpointer = (*CheckpointManager)(nil)

// NewCheckpointManager creates a checkpoint manager. A nil storage is
// in-memory. keepLast > 0 prunes each session to its keepLast most recent
// checkpoints after every save.
func NewCheckpointManager(storage CheckpointStorage, keepLast int) *CheckpointManager {
	if storage == nil {
		storage = NewInMemoryStorage()
	}

	return &CheckpointManager{
		storage:               storage,
		keepLast:              keepLast,
		logger:                slog.Default(),
		sessionLastCheckpoint: make(map[string]string),
	}
}

// WithLogger sets the logger and returns the manager.
func (m *CheckpointManager) WithLogger(logger *slog.Logger) *CheckpointManager {
	m.logger = logger
	return m
}

// Storage returns the storage backend.
func (m *CheckpointManager) Storage() CheckpointStorage {
	return m.storage
}

// SaveRound snapshots tree after round and stores it, linked to the
// session's previous checkpoint.
func (m *CheckpointManager) SaveRound(ctx context.Context, sessionID string, round int, tree *reasoning.ReasoningTree) error {
	_, err := m.CreateCheckpoint(ctx, sessionID, round, tree, nil)
	return err
}

// CreateCheckpoint stores a checkpoint of tree and returns its id.
func (m *CheckpointManager) CreateCheckpoint(
	ctx context.Context,
	sessionID string,
	round int,
	tree *reasoning.ReasoningTree,
	metadata map[string]interface{},
) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoint := &Checkpoint{
		CheckpointID: uuid.NewString(),
		SessionID:    sessionID,
		Query:        tree.Query(),
		Round:        round,
		Timestamp:    time.Now().UTC(),
		Tree:         tree.Snapshot(),
		Metadata:     metadata,
	}
	if lastID, ok := m.sessionLastCheckpoint[sessionID]; ok {
		checkpoint.ParentCheckpointID = &lastID
	}

	if err := m.storage.Save(ctx, checkpoint); err != nil {
		return "", fmt.Errorf("failed to save checkpoint for round %d: %w", round, err)
	}
	m.sessionLastCheckpoint[sessionID] = checkpoint.CheckpointID

	m.logger.DebugContext(ctx, "checkpoint created",
		"checkpoint_id", checkpoint.CheckpointID,
		"session_id", sessionID,
		"round", round,
		"nodes", len(checkpoint.Tree.Nodes),
	)

	if m.keepLast > 0 {
		if _, err := m.pruneLocked(ctx, sessionID, m.keepLast); err != nil {
			m.logger.WarnContext(ctx, "checkpoint pruning failed", "session_id", sessionID, "error", err)
		}
	}
	return checkpoint.CheckpointID, nil
}

// GetLatest gets the latest checkpoint for session, or ErrNoCheckpoint.
func (m *CheckpointManager) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	checkpoint, err := m.storage.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNoCheckpoint)
	}
	return checkpoint, nil
}

// LoadCheckpoint loads a specific checkpoint, or returns ErrNoCheckpoint.
func (m *CheckpointManager) LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	checkpoint, err := m.storage.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, ErrNoCheckpoint)
	}
	return checkpoint, nil
}

// ListCheckpoints lists checkpoints for session, most recent first.
func (m *CheckpointManager) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]*Checkpoint, error) {
	return m.storage.ListCheckpoints(ctx, sessionID, limit)
}

// RestoreTree rebuilds the search tree stored in checkpoint.
func (m *CheckpointManager) RestoreTree(checkpoint *Checkpoint) (*reasoning.ReasoningTree, error) {
	tree, err := reasoning.RestoreTree(checkpoint.Tree)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpoint.CheckpointID, err)
	}
	return tree, nil
}

// Resume restores the session's latest tree and runs rounds more rounds on
// it with engine. New rounds are numbered after the checkpointed one.
func (m *CheckpointManager) Resume(ctx context.Context, engine *reasoning.MCTS, sessionID string, rounds int) (*reasoning.SearchResult, error) {
	checkpoint, err := m.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.ResumeFrom(ctx, engine, checkpoint, rounds)
}

// ResumeFrom runs rounds more rounds on the tree stored in checkpoint.
func (m *CheckpointManager) ResumeFrom(ctx context.Context, engine *reasoning.MCTS, checkpoint *Checkpoint, rounds int) (*reasoning.SearchResult, error) {
	tree, err := m.RestoreTree(checkpoint)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessionLastCheckpoint[checkpoint.SessionID] = checkpoint.CheckpointID
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "resuming search",
		"session_id", checkpoint.SessionID,
		"checkpoint_id", checkpoint.CheckpointID,
		"round", checkpoint.Round,
		"rounds", rounds,
	)
	return engine.Continue(ctx, checkpoint.SessionID, tree, checkpoint.Round, rounds)
}

// GetCheckpointHistory follows parent links from checkpointID, most recent
// first, for at most maxDepth checkpoints.
func (m *CheckpointManager) GetCheckpointHistory(ctx context.Context, checkpointID string, maxDepth int) ([]*Checkpoint, error) {
	history := make([]*Checkpoint, 0)
	currentID := checkpointID

	for i := 0; i < maxDepth; i++ {
		checkpoint, err := m.storage.Load(ctx, currentID)
		if err != nil {
			return nil, err
		}
		if checkpoint == nil {
			break
		}
		history = append(history, checkpoint)

		if checkpoint.ParentCheckpointID == nil {
			break
		}
		currentID = *checkpoint.ParentCheckpointID
	}

	return history, nil
}

// DeleteSession deletes all checkpoints for session.
func (m *CheckpointManager) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	count, err := m.storage.DeleteSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	delete(m.sessionLastCheckpoint, sessionID)
	m.mu.Unlock()
	return count, nil
}

// SessionStats summarizes a session's checkpoints.
type SessionStats struct {
	TotalCheckpoints int           `json:"total_checkpoints"`
	FirstCheckpoint  string        `json:"first_checkpoint,omitempty"`
	LatestCheckpoint string        `json:"latest_checkpoint,omitempty"`
	FirstRound       int           `json:"first_round"`
	LatestRound      int           `json:"latest_round"`
	LatestTreeSize   int           `json:"latest_tree_size"`
	TimeSpan         time.Duration `json:"time_span"`
}

// GetSessionStats gets statistics for session checkpoints.
func (m *CheckpointManager) GetSessionStats(ctx context.Context, sessionID string) (SessionStats, error) {
	checkpoints, err := m.ListCheckpoints(ctx, sessionID, 0)
	if err != nil {
		return SessionStats{}, err
	}
	if len(checkpoints) == 0 {
		return SessionStats{}, nil
	}

	first := checkpoints[len(checkpoints)-1]
	latest := checkpoints[0]
	return SessionStats{
		TotalCheckpoints: len(checkpoints),
		FirstCheckpoint:  first.CheckpointID,
		LatestCheckpoint: latest.CheckpointID,
		FirstRound:       first.Round,
		LatestRound:      latest.Round,
		LatestTreeSize:   len(latest.Tree.Nodes),
		TimeSpan:         latest.Timestamp.Sub(first.Timestamp),
	}, nil
}

// PruneOldCheckpoints keeps only the keepLast most recent checkpoints of
// session and returns how many were deleted.
func (m *CheckpointManager) PruneOldCheckpoints(ctx context.Context, sessionID string, keepLast int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(ctx, sessionID, keepLast)
}

func (m *CheckpointManager) pruneLocked(ctx context.Context, sessionID string, keepLast int) (int, error) {
	checkpoints, err := m.storage.ListCheckpoints(ctx, sessionID, 0)
	if err != nil {
		return 0, err
	}
	if len(checkpoints) <= keepLast {
		return 0, nil
	}

	deletedCount := 0
	for _, checkpoint := range checkpoints[keepLast:] {
		deleted, err := m.storage.Delete(ctx, checkpoint.CheckpointID)
		if err != nil {
			continue
		}
		if deleted {
			deletedCount++
		}
	}

	m.logger.DebugContext(ctx, "pruned checkpoints",
		"session_id", sessionID,
		"deleted", deletedCount,
		"kept", keepLast,
	)
	return deletedCount, nil
}

// Package checkpointing persists search trees between rounds so that an
// interrupted search can be resumed.
//
// Checkpoints capture the whole tree after a round:
//   - Resume after crashes/restarts
//   - Inspect how the tree grew round by round
//   - Continue a finished search with more rounds
//
// Components:
//   - Checkpoint: one tree snapshot for one session and round
//   - CheckpointStorage: interface for storage backends
//   - InMemoryStorage, FileStorage, RedisStorage: storage backends
//   - CheckpointManager: saves rounds, restores trees and resumes searches
package checkpointing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scttfrdmn/thoughtsearch/techniques/reasoning"
)

// Checkpoint captures a search tree after a completed round.
type Checkpoint struct {
	CheckpointID       string                 `json:"checkpoint_id"`
	SessionID          string                 `json:"session_id"`
	Query              string                 `json:"query"`
	Round              int                    `json:"round"`
	Timestamp          time.Time              `json:"timestamp"`
	Tree               reasoning.TreeSnapshot `json:"tree"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	ParentCheckpointID *string                `json:"parent_checkpoint_id,omitempty"`
}

// ToJSON serializes the checkpoint.
func (c *Checkpoint) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// FromJSON deserializes a checkpoint.
func FromJSON(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if checkpoint.CheckpointID == "" || checkpoint.SessionID == "" {
		return nil, fmt.Errorf("checkpoint is missing its id or session id")
	}
	return &checkpoint, nil
}

// newer orders checkpoints most recent first: by round, then by time.
func newer(a, b *Checkpoint) bool {
	if a.Round != b.Round {
		return a.Round > b.Round
	}
	return a.Timestamp.After(b.Timestamp)
}

// CheckpointStorage is the interface for checkpoint storage backends.
//
// Load and GetLatest return (nil, nil) when nothing is found.
type CheckpointStorage interface {
	// Save saves checkpoint to storage.
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Load loads checkpoint by ID.
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// ListCheckpoints lists checkpoints for session, most recent first.
	// A limit of 0 means no limit.
	ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]*Checkpoint, error)

	// GetLatest gets the latest checkpoint for session.
	GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error)

	// Delete deletes a checkpoint. It reports false if it did not exist.
	Delete(ctx context.Context, checkpointID string) (bool, error)

	// DeleteSession deletes all checkpoints for session and returns how
	// many were removed.
	DeleteSession(ctx context.Context, sessionID string) (int, error)
}

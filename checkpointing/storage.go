package checkpointing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// InMemoryStorage provides in-memory checkpoint storage.
//
// Good for tests and single-process runs; checkpoints are lost on exit.
type InMemoryStorage struct {
	mu                 sync.RWMutex
	checkpoints        map[string]*Checkpoint // checkpoint_id -> Checkpoint
	sessionCheckpoints map[string][]string    // session_id -> checkpoint_ids, most recent first
}

// NewInMemoryStorage creates a new in-memory checkpoint storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		checkpoints:        make(map[string]*Checkpoint),
		sessionCheckpoints: make(map[string][]string),
	}
}

// Save saves checkpoint to memory.
func (s *InMemoryStorage) Save(ctx context.Context, checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.checkpoints[checkpoint.CheckpointID]
	s.checkpoints[checkpoint.CheckpointID] = checkpoint
	if exists {
		return nil
	}

	sessionID := checkpoint.SessionID
	ids := append(s.sessionCheckpoints[sessionID], checkpoint.CheckpointID)
	sort.SliceStable(ids, func(i, j int) bool {
		return newer(s.checkpoints[ids[i]], s.checkpoints[ids[j]])
	})
	s.sessionCheckpoints[sessionID] = ids
	return nil
}

// Load loads checkpoint from memory.
func (s *InMemoryStorage) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.checkpoints[checkpointID], nil
}

// ListCheckpoints lists checkpoints for session.
func (s *InMemoryStorage) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpointIDs := s.sessionCheckpoints[sessionID]
	if limit > 0 && len(checkpointIDs) > limit {
		checkpointIDs = checkpointIDs[:limit]
	}

	checkpoints := make([]*Checkpoint, 0, len(checkpointIDs))
	for _, cid := range checkpointIDs {
		checkpoints = append(checkpoints, s.checkpoints[cid])
	}
	return checkpoints, nil
}

// GetLatest gets latest checkpoint for session.
func (s *InMemoryStorage) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	return latest(s.ListCheckpoints(ctx, sessionID, 1))
}

// Delete deletes checkpoint.
func (s *InMemoryStorage) Delete(ctx context.Context, checkpointID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoint, ok := s.checkpoints[checkpointID]
	if !ok {
		return false, nil
	}
	delete(s.checkpoints, checkpointID)

	sessionID := checkpoint.SessionID
	ids := s.sessionCheckpoints[sessionID]
	for i, cid := range ids {
		if cid == checkpointID {
			s.sessionCheckpoints[sessionID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.sessionCheckpoints[sessionID]) == 0 {
		delete(s.sessionCheckpoints, sessionID)
	}
	return true, nil
}

// DeleteSession deletes all checkpoints for session.
func (s *InMemoryStorage) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpointIDs := s.sessionCheckpoints[sessionID]
	for _, checkpointID := range checkpointIDs {
		delete(s.checkpoints, checkpointID)
	}
	delete(s.sessionCheckpoints, sessionID)
	return len(checkpointIDs), nil
}

func latest(checkpoints []*Checkpoint, err error) (*Checkpoint, error) {
	if err != nil || len(checkpoints) == 0 {
		return nil, err
	}
	return checkpoints[0], nil
}

// FileStorage stores each checkpoint as a JSON file.
//
// Directory structure:
//
//	checkpoint_dir/
//	  {session_id}/
//	    {checkpoint_id}.json
type FileStorage struct {
	checkpointDir string
}

// NewFileStorage creates a file-based checkpoint storage rooted at
// checkpointDir, creating the directory if needed.
func NewFileStorage(checkpointDir string) (*FileStorage, error) {
	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &FileStorage{
		checkpointDir: checkpointDir,
	}, nil
}

func (s *FileStorage) sessionDir(sessionID string) string {
	return filepath.Join(s.checkpointDir, sessionID)
}

func (s *FileStorage) checkpointPath(sessionID, checkpointID string) string {
	return filepath.Join(s.sessionDir(sessionID), checkpointID+".json")
}

// Save writes checkpoint to a temporary file and renames it into place.
func (s *FileStorage) Save(ctx context.Context, checkpoint *Checkpoint) error {
	sessionDir := s.sessionDir(checkpoint.SessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := checkpoint.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(sessionDir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.checkpointPath(checkpoint.SessionID, checkpoint.CheckpointID)); err != nil {
		return fmt.Errorf("failed to move checkpoint file: %w", err)
	}
	return nil
}

// findPath locates a checkpoint file across session directories.
func (s *FileStorage) findPath(checkpointID string) (string, error) {
	entries, err := os.ReadDir(s.checkpointDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := s.checkpointPath(entry.Name(), checkpointID)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return FromJSON(data)
}

// Load loads checkpoint from file.
func (s *FileStorage) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	path, err := s.findPath(checkpointID)
	if err != nil || path == "" {
		return nil, err
	}
	return readCheckpoint(path)
}

// ListCheckpoints lists checkpoints for session. Unreadable files are skipped.
func (s *FileStorage) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]*Checkpoint, error) {
	sessionDir := s.sessionDir(sessionID)

	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Checkpoint{}, nil
		}
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	checkpoints := make([]*Checkpoint, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		checkpoint, err := readCheckpoint(filepath.Join(sessionDir, entry.Name()))
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, checkpoint)
	}

	sort.SliceStable(checkpoints, func(i, j int) bool {
		return newer(checkpoints[i], checkpoints[j])
	})
	if limit > 0 && len(checkpoints) > limit {
		checkpoints = checkpoints[:limit]
	}
	return checkpoints, nil
}

// GetLatest gets latest checkpoint for session.
func (s *FileStorage) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	return latest(s.ListCheckpoints(ctx, sessionID, 1))
}

// Delete deletes checkpoint file.
func (s *FileStorage) Delete(ctx context.Context, checkpointID string) (bool, error) {
	path, err := s.findPath(checkpointID)
	if err != nil || path == "" {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return true, nil
}

// DeleteSession deletes all checkpoints for session.
func (s *FileStorage) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	sessionDir := s.sessionDir(sessionID)

	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read session directory: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(sessionDir, entry.Name())); err != nil {
			continue
		}
		count++
	}

	// Only succeeds once the directory is empty.
	_ = os.Remove(sessionDir)
	return count, nil
}

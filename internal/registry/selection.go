package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// SelectionStore persists the set of explicitly disabled repositories.
type SelectionStore interface {
	Load(ctx context.Context) (map[string]bool, bool, error)
	Save(ctx context.Context, disabled map[string]bool) error
}

// FileSelectionStore keeps the selection as a JSON file next to the job
// state file.
type FileSelectionStore struct {
	path   string
	logger *zap.Logger
}

// NewFileSelectionStore creates a file-backed selection store.
func NewFileSelectionStore(path string, logger *zap.Logger) *FileSelectionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSelectionStore{path: path, logger: logger}
}

// Load reads the persisted selection. Missing or corrupted files are
// treated as no selection.
func (s *FileSelectionStore) Load(_ context.Context) (map[string]bool, bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read selection file: %w", err)
	}

	var disabled map[string]bool
	if err := json.Unmarshal(raw, &disabled); err != nil {
		s.logger.Warn("discarding corrupted selection file", zap.String("path", s.path), zap.Error(err))
		_ = os.Remove(s.path)
		return nil, false, nil
	}
	return disabled, true, nil
}

// Save writes the selection atomically via a temp file rename.
func (s *FileSelectionStore) Save(_ context.Context, disabled map[string]bool) error {
	raw, err := json.Marshal(disabled)
	if err != nil {
		return fmt.Errorf("marshal selection: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create selection directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".selection-*")
	if err != nil {
		return fmt.Errorf("create selection temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write selection: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close selection temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace selection file: %w", err)
	}
	return nil
}

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opentiger/tiger/internal/domain"
)

// FSArchiver writes cycle snapshots as JSON files under a base directory.
type FSArchiver struct {
	baseDir string
	mu      sync.Mutex
}

// NewFSArchiver creates a filesystem archiver rooted at baseDir.
func NewFSArchiver(baseDir string) (*FSArchiver, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "cycles"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FSArchiver{baseDir: baseDir}, nil
}

// Archive writes the cycle snapshot, overwriting any previous snapshot of
// the same cycle.
func (a *FSArchiver) Archive(ctx context.Context, c *domain.Cycle, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.MarshalIndent(newDocument(c, at), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cycle snapshot: %w", err)
	}

	path := filepath.Join(a.baseDir, filepath.FromSlash(objectName(c)))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

// List returns the relative names of every stored snapshot, oldest cycle
// first.
func (a *FSArchiver) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.baseDir, "cycles"))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, "cycles/"+entry.Name())
	}
	return names, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jguan/gametrans/pkg/offline"
)

// FileRegistry keeps offline model descriptors in a models.json file. It
// serves installs that run without the SQLite translation log.
type FileRegistry struct {
	dataDir string
	models  map[string]offline.Descriptor
	mu      sync.RWMutex
}

var _ offline.Registry = (*FileRegistry)(nil)

// NewFileRegistry loads dataDir/models.json when present.
func NewFileRegistry(dataDir string) (*FileRegistry, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	r := &FileRegistry{
		dataDir: dataDir,
		models:  make(map[string]offline.Descriptor),
	}
	if err := r.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return r, nil
}

func (r *FileRegistry) filePath() string {
	return filepath.Join(r.dataDir, "models.json")
}

func (r *FileRegistry) load() error {
	data, err := os.ReadFile(r.filePath())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := json.Unmarshal(data, &r.models); err != nil {
		return fmt.Errorf("decode %s: %w", r.filePath(), err)
	}
	return nil
}

// save persists the registry. Caller must hold r.mu.
func (r *FileRegistry) save() error {
	data, err := json.MarshalIndent(r.models, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}
	tmp := r.filePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write models: %w", err)
	}
	return os.Rename(tmp, r.filePath())
}

func (r *FileRegistry) LoadModels(_ context.Context) ([]offline.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]offline.Descriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair() < out[j].Pair() })
	return out, nil
}

func (r *FileRegistry) SaveModel(_ context.Context, d offline.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.models[d.Pair()] = d
	return r.save()
}

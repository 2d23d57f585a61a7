package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/songzhibin97/chatflow-engine/types"
	"gopkg.in/yaml.v3"
)

// FileFlowStore reads flow documents (YAML or JSON, one flow per file) from a
// directory. Files are re-read on every call so edits are picked up by the
// next run.
type FileFlowStore struct {
	dir string
}

var _ FlowStore = (*FileFlowStore)(nil)

// NewFileFlowStore creates a store rooted at dir.
func NewFileFlowStore(dir string) *FileFlowStore {
	return &FileFlowStore{dir: dir}
}

// LoadFlowFile parses a single flow document. A missing ID defaults to the
// file name without extension.
func LoadFlowFile(path string) (types.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Flow{}, fmt.Errorf("error reading flow file: %w", err)
	}
	var flow types.Flow
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return types.Flow{}, fmt.Errorf("error parsing flow file %s: %w", path, err)
	}
	if flow.ID == "" {
		flow.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return flow, nil
}

// Flows parses every flow document in file name order.
func (s *FileFlowStore) Flows(ctx context.Context) ([]types.Flow, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("error reading flow directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	flows := make([]types.Flow, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		flow, err := LoadFlowFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

// GetFlow retrieves a flow by ID.
func (s *FileFlowStore) GetFlow(ctx context.Context, flowID string) (types.Flow, error) {
	flows, err := s.Flows(ctx)
	if err != nil {
		return types.Flow{}, err
	}
	for _, f := range flows {
		if f.ID == flowID {
			return f, nil
		}
	}
	return types.Flow{}, fmt.Errorf("%w: id=%s", ErrFlowNotFound, flowID)
}

// GetActiveFlow retrieves the first active flow of the bot, by file name.
func (s *FileFlowStore) GetActiveFlow(ctx context.Context, botID int64) (types.Flow, error) {
	flows, err := s.Flows(ctx)
	if err != nil {
		return types.Flow{}, err
	}
	if flow, ok := findActive(flows, botID); ok {
		return flow, nil
	}
	return types.Flow{}, fmt.Errorf("%w: bot=%d", ErrNoActiveFlow, botID)
}

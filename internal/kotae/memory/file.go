package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/bdobrica/Kotae/common/fsutil"
)

// FilePersister stores the mapping as one JSON object keyed by conversation
// ID.
type FilePersister struct {
	Path string
}

// NewFilePersister returns a FilePersister writing to path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{Path: path}
}

// Load reads the file. A missing file is an empty mapping.
func (p *FilePersister) Load(ctx context.Context) (map[string][]Entry, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}
	var convos map[string][]Entry
	if err := json.Unmarshal(data, &convos); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.Path, err)
	}
	if convos == nil {
		convos = map[string][]Entry{}
	}
	return convos, nil
}

// Save rewrites the file atomically.
func (p *FilePersister) Save(ctx context.Context, convos map[string][]Entry) error {
	data, err := json.MarshalIndent(convos, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	return fsutil.WriteFileAtomic(p.Path, data, 0o600)
}

package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/tinytelemetry/mtd/internal/model"
	"gopkg.in/yaml.v3"
)

// FileBackend stores the snapshot as one JSON or YAML document.
type FileBackend struct {
	mu     sync.Mutex
	path   string
	format string
}

// NewFileBackend returns a backend writing path in the given format.
func NewFileBackend(path, format string) (*FileBackend, error) {
	switch format {
	case FormatJSON, FormatYAML:
	default:
		return nil, fmt.Errorf("state: unknown format %q", format)
	}
	return &FileBackend{path: path, format: format}, nil
}

func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Load() (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", b.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorruptSnapshot, b.path)
	}

	var raw map[string]any
	switch b.format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, b.path, err)
	}

	out := make(map[string]any, len(raw))
	for k, v := range raw {
		nv, err := model.NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: key %q: %v", ErrCorruptSnapshot, b.path, k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func (b *FileBackend) Save(values map[string]any) error {
	var (
		data []byte
		err  error
	)
	switch b.format {
	case FormatYAML:
		data, err = yaml.Marshal(values)
	default:
		data, err = json.MarshalIndent(values, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return writeFileAtomic(b.path, data)
}

func (b *FileBackend) SnapshotTo(dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := copyFile(b.path, dst); err != nil {
		return fmt.Errorf("state: copy snapshot: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }

// Package state persists the metric store between runs.
package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrCorruptSnapshot is returned by Load when the snapshot exists but cannot be decoded.
var ErrCorruptSnapshot = errors.New("state: corrupt snapshot")

// Backend loads and saves flat key/value snapshots.
type Backend interface {
	// Load returns the last committed snapshot, or an empty map when none exists.
	Load() (map[string]any, error)
	// Save atomically replaces the committed snapshot.
	Save(values map[string]any) error
	// Path is the canonical location of the committed snapshot.
	Path() string
	// SnapshotTo copies the committed snapshot to dst.
	SnapshotTo(dst string) error
	Close() error
}

// Backend kinds.
const (
	KindFile   = "file"
	KindDuckDB = "duckdb"
)

// Snapshot file formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Options selects and configures a backend.
type Options struct {
	Location string
	Kind     string
	Format   string
}

// Open builds the backend described by opts.
func Open(opts Options) (Backend, error) {
	if strings.TrimSpace(opts.Location) == "" {
		return nil, errors.New("state: location is required")
	}
	switch opts.Kind {
	case "", KindFile:
		format := opts.Format
		if format == "" {
			format = FormatFromPath(opts.Location)
		}
		return NewFileBackend(opts.Location, format)
	case KindDuckDB:
		return OpenDuckDB(opts.Location)
	default:
		return nil, fmt.Errorf("state: unknown backend %q", opts.Kind)
	}
}

// FormatFromPath picks the snapshot format from the file extension.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

package raster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/qclimate/climate-tiles/internal/observation"
)

var (
	// ErrNotFound is returned when no layer has been persisted for a variable.
	ErrNotFound = errors.New("no raster layer stored for variable")
)

// Store persists the latest layer per variable on disk. Writes go to a
// temporary file followed by a rename, so a concurrent reader sees either
// the previous complete layer or the new one.
type Store struct {
	dir string
}

// NewStore creates the backing directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("raster store: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(v observation.Variable) string {
	return filepath.Join(s.dir, string(v)+"_latest.json")
}

// Save atomically replaces the stored layer for the layer's variable.
func (s *Store) Save(layer *Layer) error {
	data, err := json.Marshal(layer)
	if err != nil {
		return fmt.Errorf("raster store: encode %s: %w", layer.Variable, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-raster-*")
	if err != nil {
		return fmt.Errorf("raster store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("raster store: write %s: %w", layer.Variable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("raster store: sync %s: %w", layer.Variable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("raster store: close %s: %w", layer.Variable, err)
	}

	if err := os.Rename(tmp.Name(), s.pathFor(layer.Variable)); err != nil {
		return fmt.Errorf("raster store: publish %s: %w", layer.Variable, err)
	}
	return nil
}

// Load returns the stored layer for a variable.
func (s *Store) Load(v observation.Variable) (*Layer, error) {
	data, err := os.ReadFile(s.pathFor(v))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, v)
	}
	if err != nil {
		return nil, fmt.Errorf("raster store: read %s: %w", v, err)
	}
	var layer Layer
	if err := json.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("raster store: decode %s: %w", v, err)
	}
	return &layer, nil
}

// StoredHash returns the content hash of the stored layer, or the empty
// string when none exists. Used to skip tile regeneration for unchanged
// cycles.
func (s *Store) StoredHash(v observation.Variable) string {
	layer, err := s.Load(v)
	if err != nil {
		return ""
	}
	return layer.Hash
}

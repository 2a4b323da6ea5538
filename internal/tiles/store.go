package tiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("tile not found")

	// ErrStorageWrite wraps failures on the artifact publish path. The
	// pipeline aborts only the affected variable's cycle when it sees this.
	ErrStorageWrite = errors.New("tile storage write failed")
)

const (
	currentPointer = "CURRENT"
	metadataFile   = "metadata.json"
	keepVersions   = 2
)

// Metadata describes one published tile set. It is written once per publish
// next to the tiles and served verbatim to legend/UI consumers.
type Metadata struct {
	Variable    string    `json:"variable"`
	Level       string    `json:"level"`
	Unit        string    `json:"unit"`
	CycleID     string    `json:"cycle_id"`
	GeneratedAt time.Time `json:"generated_at"`
	RasterHash  string    `json:"raster_hash"`
	MinZoom     int       `json:"min_zoom"`
	MaxZoom     int       `json:"max_zoom"`
	Thresholds  []float64 `json:"thresholds"`
	Colors      []string  `json:"colors"`
	DataMin     float64   `json:"data_min"`
	DataMax     float64   `json:"data_max"`
	TileCount   int       `json:"tile_count"`
}

// TileStats summarizes a published tile set for health reporting.
type TileStats struct {
	TileCount  int       `json:"tile_count"`
	TotalBytes int64     `json:"total_bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store keeps tile pyramids on the local filesystem.
//
// Layout:
//
//	<root>/<variable>/<level>/<version>/<z>/<x>/<y>.png   published sets
//	<root>/<variable>/<level>/CURRENT                     active version name
//	<root>/<variable>/<z>/<x>/<y>.png                     legacy level-less sets
//
// Readers follow the CURRENT pointer, so a publish is a stage-then-rename:
// the new version is written fully before the pointer moves, and a crashed
// publish leaves the previous set intact.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating tile root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// Reachable reports whether the backing directory can be listed. Used by the
// health endpoint to distinguish a degraded store from an empty one.
func (s *Store) Reachable() error {
	_, err := os.ReadDir(s.root)
	return err
}

func (s *Store) setDir(variable, level string) string {
	return filepath.Join(s.root, variable, level)
}

func (s *Store) currentVersion(variable, level string) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.setDir(variable, level), currentPointer))
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", fmt.Errorf("empty version pointer for %s/%s", variable, level)
	}
	return v, nil
}

// Publish stages a new tile set version, lets stage fill it and report its
// metadata, then atomically repoints CURRENT. Old versions beyond a small
// retention window are pruned after the swap.
func (s *Store) Publish(variable, level, version string, stage func(dir string) (Metadata, error)) error {
	setDir := s.setDir(variable, level)
	versionDir := filepath.Join(setDir, version)
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return fmt.Errorf("%w: staging version: %v", ErrStorageWrite, err)
	}
	meta, err := stage(versionDir)
	if err != nil {
		os.RemoveAll(versionDir)
		return err
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tile metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(versionDir, metadataFile), metaBytes, 0o644); err != nil {
		os.RemoveAll(versionDir)
		return fmt.Errorf("%w: writing metadata: %v", ErrStorageWrite, err)
	}

	tmp, err := os.CreateTemp(setDir, currentPointer+".*")
	if err != nil {
		return fmt.Errorf("%w: staging version pointer: %v", ErrStorageWrite, err)
	}
	if _, err := tmp.WriteString(version + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: writing version pointer: %v", ErrStorageWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: syncing version pointer: %v", ErrStorageWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: closing version pointer: %v", ErrStorageWrite, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(setDir, currentPointer)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: publishing version pointer: %v", ErrStorageWrite, err)
	}

	s.pruneVersions(setDir, version)
	return nil
}

// pruneVersions deletes stale version directories, keeping the active one
// plus a small tail for readers that resolved the pointer moments before
// the swap. Errors are swallowed; pruning is best effort.
func (s *Store) pruneVersions(setDir, active string) {
	entries, err := os.ReadDir(setDir)
	if err != nil {
		return
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != active {
			versions = append(versions, e.Name())
		}
	}
	sort.Strings(versions)
	for len(versions) >= keepVersions {
		os.RemoveAll(filepath.Join(setDir, versions[0]))
		versions = versions[1:]
	}
}

// ReadTile returns the current version's tile bytes for an exact key, or
// ErrNotFound when no set is published or the tile is absent from it.
func (s *Store) ReadTile(variable, level string, z, x, y int, format string) ([]byte, error) {
	version, err := s.currentVersion(variable, level)
	if err != nil {
		return nil, ErrNotFound
	}
	p := filepath.Join(s.setDir(variable, level), version,
		fmt.Sprintf("%d", z), fmt.Sprintf("%d", x), fmt.Sprintf("%d.%s", y, format))
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// ReadLegacyTile looks up the older level-less layout written before tile
// sets carried a resolution level.
func (s *Store) ReadLegacyTile(variable string, z, x, y int) ([]byte, error) {
	p := filepath.Join(s.root, variable,
		fmt.Sprintf("%d", z), fmt.Sprintf("%d", x), fmt.Sprintf("%d.png", y))
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Metadata returns the current version's metadata for a tile set.
func (s *Store) Metadata(variable, level string) (Metadata, error) {
	var meta Metadata
	version, err := s.currentVersion(variable, level)
	if err != nil {
		return meta, ErrNotFound
	}
	b, err := os.ReadFile(filepath.Join(s.setDir(variable, level), version, metadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return meta, ErrNotFound
	}
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("decoding tile metadata: %w", err)
	}
	return meta, nil
}

// Stats walks the current version and totals its tiles. Missing sets report
// ErrNotFound so callers can render "no data yet" instead of zeros.
func (s *Store) Stats(variable, level string) (TileStats, error) {
	var stats TileStats
	version, err := s.currentVersion(variable, level)
	if err != nil {
		return stats, ErrNotFound
	}
	versionDir := filepath.Join(s.setDir(variable, level), version)
	err = filepath.WalkDir(versionDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".png") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.TileCount++
		stats.TotalBytes += info.Size()
		if info.ModTime().After(stats.UpdatedAt) {
			stats.UpdatedAt = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	return stats, nil
}

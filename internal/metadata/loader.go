// Package metadata loads metadata snapshots from YAML files.
package metadata

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/rpattn/recon/internal/domain"
)

// ParseYAML decodes one metadata document.
func ParseYAML(data []byte) (domain.MetadataSpec, error) {
	var spec domain.MetadataSpec
	if len(bytes.TrimSpace(data)) == 0 {
		return spec, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return spec, fmt.Errorf("metadata: decode: %w", err)
	}
	return spec, nil
}

// LoadFile reads a single metadata file.
func LoadFile(path string) (domain.MetadataSpec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return domain.MetadataSpec{}, fmt.Errorf("metadata: read %s: %w", path, err)
	}
	spec, err := ParseYAML(content)
	if err != nil {
		return domain.MetadataSpec{}, fmt.Errorf("metadata: %s: %w", path, err)
	}
	return spec, nil
}

// LoadDir reads every *.yaml and *.yml file of a directory in name order and
// merges their sections.
func LoadDir(dir string) (domain.MetadataSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return domain.MetadataSpec{}, fmt.Errorf("metadata: read dir %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var merged domain.MetadataSpec
	for _, name := range names {
		spec, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return domain.MetadataSpec{}, err
		}
		merged = Merge(merged, spec)
	}
	return merged, nil
}

// Merge appends every section of next onto base.
func Merge(base, next domain.MetadataSpec) domain.MetadataSpec {
	base.Entities = append(base.Entities, next.Entities...)
	base.Tables = append(base.Tables, next.Tables...)
	base.Rules = append(base.Rules, next.Rules...)
	base.Metrics = append(base.Metrics, next.Metrics...)
	base.Lineage = append(base.Lineage, next.Lineage...)
	base.CanonicalKeys = append(base.CanonicalKeys, next.CanonicalKeys...)
	base.KeyMappings = append(base.KeyMappings, next.KeyMappings...)
	return base
}

// Load reads a file or a directory of files and builds an indexed snapshot.
func Load(path string) (*domain.Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	var spec domain.MetadataSpec
	if info.IsDir() {
		spec, err = LoadDir(path)
	} else {
		spec, err = LoadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return domain.NewMetadata(spec)
}

// Store holds the current snapshot. Reload swaps in a new snapshot; readers
// that already hold the previous one keep using it unchanged.
type Store struct {
	path    string
	current atomic.Pointer[domain.Metadata]
}

// NewStore loads the initial snapshot from path.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps an already built snapshot.
func NewStaticStore(md *domain.Metadata) *Store {
	s := &Store{}
	s.current.Store(md)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *domain.Metadata {
	return s.current.Load()
}

// Reload rebuilds the snapshot from disk. The previous snapshot stays active on error.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("metadata: store has no source path")
	}
	md, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(md)
	return nil
}

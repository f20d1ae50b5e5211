package swarm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Seeded is one folder this node serves to the swarm.
type Seeded struct {
	Category string
	Dir      string
	Manifest *Manifest
}

// Seeder tracks the folders this node seeds, keyed by manifest ID.
// Folders are added only once fully present on disk, so every lookup
// can be answered with a complete bitfield.
type Seeder struct {
	mu         sync.RWMutex
	byID       map[string]*Seeded
	byCategory map[string]string
}

// NewSeeder returns an empty seeder.
func NewSeeder() *Seeder {
	return &Seeder{
		byID:       make(map[string]*Seeded),
		byCategory: make(map[string]string),
	}
}

// Add registers a fully present folder for seeding. Re-adding a
// category replaces its previous manifest.
func (s *Seeder) Add(category, dir string, m *Manifest) {
	id := m.ID()
	s.mu.Lock()
	if old, ok := s.byCategory[category]; ok && old != id {
		delete(s.byID, old)
	}
	s.byID[id] = &Seeded{Category: category, Dir: dir, Manifest: m}
	s.byCategory[category] = id
	s.mu.Unlock()
	log.Infof("Seeding %s (%s, %d pieces, %d bytes)", category, shortID(id), m.NumPieces(), m.TotalLength)
}

// Lookup returns the seeded folder for a manifest ID.
func (s *Seeder) Lookup(id string) (*Seeded, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.byID[id]
	return sd, ok
}

// LookupCategory returns the seeded folder for a category name.
func (s *Seeder) LookupCategory(category string) (*Seeded, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCategory[category]
	if !ok {
		return nil, false
	}
	sd, ok := s.byID[id]
	return sd, ok
}

// ReadPiece serves piece index of the seeded manifest id from disk.
func (s *Seeder) ReadPiece(id string, index int) ([]byte, error) {
	sd, ok := s.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("manifest %s is not seeded", shortID(id))
	}
	return sd.Manifest.ReadPiece(sd.Dir, index)
}

// Bitfield returns the piece possession map for id. Seeded folders are
// always complete.
func (s *Seeder) Bitfield(id string) (Bitfield, bool) {
	sd, ok := s.Lookup(id)
	if !ok {
		return nil, false
	}
	return FullBitfield(sd.Manifest.NumPieces()), true
}

// All returns the seeded folders sorted by category.
func (s *Seeder) All() []*Seeded {
	s.mu.RLock()
	out := make([]*Seeded, 0, len(s.byID))
	for _, sd := range s.byID {
		out = append(out, sd)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// LoadShareRoot re-seeds folders whose saved manifests still match the
// files on disk. Folders without a manifest or with drifted content are
// skipped; the latter need a fresh publish. Returns the number of
// folders seeded.
func (s *Seeder) LoadShareRoot(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("failed to read share root %s: %w", root, err)
	}
	loaded := 0
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		m, err := Load(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warnf("Ignoring unreadable manifest in %s: %v", e.Name(), err)
			}
			continue
		}
		if err := layoutMatches(dir, m); err != nil {
			log.Warnf("Manifest in %s no longer matches its files, republish to seed it: %v", e.Name(), err)
			continue
		}
		s.Add(e.Name(), dir, m)
		loaded++
	}
	return loaded, nil
}

// layoutMatches checks that every file the manifest records exists with
// the recorded size.
func layoutMatches(dir string, m *Manifest) error {
	for _, f := range m.Files {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s is not a regular file", f.Path)
		}
		if info.Size() != f.Length {
			return fmt.Errorf("%s is %d bytes, manifest records %d", f.Path, info.Size(), f.Length)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

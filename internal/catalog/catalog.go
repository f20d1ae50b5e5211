// Package catalog lists shareable setup content. Listings are always
// derived live from the filesystem, never cached, so deletions and
// quarantines are reflected immediately.
package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("catalog")

// ErrNotFound is returned for items that do not exist or are not
// eligible for sharing. Traversal attempts get the same answer as
// genuinely missing items.
var ErrNotFound = errors.New("catalog: item not found")

// Service exposes the content of a share root: immediate subdirectories
// are categories, and regular files with the recognized extension under
// each are the items.
type Service struct {
	root string
	ext  string
}

// New returns a service over root, recognizing files with the given
// extension (".sto" by convention).
func New(root, extension string) *Service {
	return &Service{root: filepath.Clean(root), ext: extension}
}

// Root returns the share root path.
func (s *Service) Root() string {
	return s.root
}

// Extension returns the recognized item extension.
func (s *Service) Extension() string {
	return s.ext
}

// ListLocal returns the current catalog as category -> item names.
// Unreadable directories contribute nothing; an unreadable root yields
// an empty catalog.
func (s *Service) ListLocal() map[string][]string {
	out := make(map[string][]string)
	entries, err := os.ReadDir(s.root)
	if err != nil {
		log.Debugf("share root %s unreadable: %v", s.root, err)
		return out
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !validName(name) {
			continue
		}
		out[name] = s.listCategory(name)
	}
	return out
}

// ItemCount returns the total number of items across all categories.
func (s *Service) ItemCount() int {
	n := 0
	for _, items := range s.ListLocal() {
		n += len(items)
	}
	return n
}

// ResolveItem maps a category/item pair to an absolute path under the
// share root, ensuring the request cannot escape it. Only regular files
// with the recognized extension resolve.
func (s *Service) ResolveItem(category, item string) (string, error) {
	if !validName(category) || !validName(item) || !strings.HasSuffix(item, s.ext) {
		return "", ErrNotFound
	}

	path := filepath.Join(s.root, category, item)
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", ErrNotFound
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}

func (s *Service) listCategory(category string) []string {
	entries, err := os.ReadDir(filepath.Join(s.root, category))
	if err != nil {
		return []string{}
	}
	items := []string{}
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !validName(name) || !strings.HasSuffix(name, s.ext) {
			continue
		}
		items = append(items, name)
	}
	sort.Strings(items)
	return items
}

// validName accepts plain path components: no separators, no leading
// dot, and nothing that filepath.Clean would rewrite.
func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	if filepath.Clean(name) != name {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// Package scanner lists candidate case directories in the watched data
// directory. It is deliberately dumb: no recursion, no content checks, no
// state. The orchestrator decides which entries are new.
package scanner

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Case is one immediate subdirectory of the watched root.
type Case struct {
	ID   string // directory name, the case identity everywhere else
	Path string // absolute path to the directory
}

// Scanner lists case directories under a fixed root.
type Scanner struct {
	root string
}

func New(root string) *Scanner {
	return &Scanner{root: root}
}

// Scan returns every immediate subdirectory of the root, sorted by name.
// Files and dot-directories are skipped. A missing or unreadable root is
// an error; the orchestrator logs it and tries again next tick.
func (s *Scanner) Scan() ([]Case, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", s.root)
	}
	var cases []Case
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		cases = append(cases, Case{
			ID:   e.Name(),
			Path: filepath.Join(s.root, e.Name()),
		})
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].ID < cases[j].ID })
	return cases, nil
}

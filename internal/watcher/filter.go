package watcher

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// DefaultExcludes are directory names never watched or checkpointed.
var DefaultExcludes = []string{".git", "node_modules"}

// Filter decides which parts of a project tree are tracked. It is shared
// by the watcher and the checkpoint scanner so that a change the watcher
// reports is always one a checkpoint would record.
type Filter struct {
	excluded map[string]bool
	// SkipHidden drops dot-files and dot-directories, except .claude.
	SkipHidden bool
}

// NewFilter builds a filter excluding the given directory names. A nil
// list selects DefaultExcludes.
func NewFilter(excludes []string, skipHidden bool) Filter {
	if excludes == nil {
		excludes = DefaultExcludes
	}
	f := Filter{excluded: make(map[string]bool, len(excludes)), SkipHidden: skipHidden}
	for _, name := range excludes {
		f.excluded[name] = true
	}
	return f
}

// Skip reports whether rel, a slash-separated path relative to the
// project root, is outside the tracked set.
func (f Filter) Skip(rel string, isDir bool) bool {
	for _, part := range strings.Split(rel, "/") {
		if part == "" || part == "." {
			continue
		}
		if f.excluded[part] {
			return true
		}
		if f.SkipHidden && isHidden(part) && part != ".claude" {
			return true
		}
	}
	return false
}

// Walk visits every tracked entry below root. fn receives slash-separated
// paths relative to root; the root itself is not visited. Unreadable
// entries are skipped.
func (f Filter) Walk(root string, fn func(rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if f.Skip(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(rel, d)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"claude-relay/internal/errkind"

	"golang.org/x/sys/unix"
)

type fileWrite struct {
	rel  string
	data []byte
	mode fs.FileMode
}

// restorePlan is the validated set of operations turning the project
// tree into a checkpoint's state. Building it touches nothing on disk.
type restorePlan struct {
	root    string
	writes  []fileWrite
	removes []string
}

// plan loads every object the restore needs and checks that each write
// and removal can be carried out. Any problem is an ErrRestoreConflict.
func (m *Manager) plan(root string, have, want state) (*restorePlan, error) {
	p := &restorePlan{root: root}
	conflict := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", errkind.ErrRestoreConflict, fmt.Sprintf(format, args...))
	}

	removing := make(map[string]bool)
	for rel := range have {
		if _, ok := want[rel]; !ok {
			removing[rel] = true
			p.removes = append(p.removes, rel)
		}
	}
	sort.Strings(p.removes)

	for _, rel := range p.removes {
		dir := filepath.Dir(p.abs(rel))
		if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
			return nil, conflict("cannot remove %s: %v", rel, err)
		}
	}

	paths := make([]string, 0, len(want))
	for rel := range want {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		we := want[rel]
		if he, ok := have[rel]; ok && he.Hash == we.Hash && he.Mode == we.Mode {
			continue
		}

		data, err := m.objects.get(we.Hash)
		if err != nil {
			return nil, conflict("content of %s unavailable: %v", rel, err)
		}
		if err := p.checkWritable(rel, removing); err != nil {
			return nil, conflict("%v", err)
		}
		p.writes = append(p.writes, fileWrite{rel: rel, data: data, mode: we.Mode})
	}
	return p, nil
}

func (p *restorePlan) abs(rel string) string {
	return filepath.Join(p.root, filepath.FromSlash(rel))
}

// checkWritable verifies that rel can be created or overwritten once the
// planned removals have run.
func (p *restorePlan) checkWritable(rel string, removing map[string]bool) error {
	target := p.abs(rel)
	info, err := os.Lstat(target)
	switch {
	case err == nil && info.IsDir():
		if !p.onlyRemovals(rel, removing) {
			return fmt.Errorf("%s is a directory with untracked content", rel)
		}
	case err == nil:
		if info.Mode().IsRegular() {
			if err := unix.Access(target, unix.W_OK); err != nil {
				return fmt.Errorf("cannot overwrite %s: %v", rel, err)
			}
			return nil
		}
		// Symlinks and special files are replaced; the directory must
		// allow it.
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("stat %s: %v", rel, err)
	}

	// Walk up to the nearest existing ancestor, which must be a
	// writable directory or a file that is about to be removed.
	parts := strings.Split(rel, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		dirRel := strings.Join(parts[:i], "/")
		dir := p.root
		if dirRel != "" {
			dir = p.abs(dirRel)
		}
		info, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			if removing[dirRel] {
				continue
			}
			return fmt.Errorf("%s is not a directory", dirRel)
		}
		if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
			return fmt.Errorf("cannot write into %s: %v", dir, err)
		}
		return nil
	}
	return fmt.Errorf("no existing parent for %s", rel)
}

// onlyRemovals reports whether every entry below the directory rel is a
// planned removal, so that the directory will be empty and can be pruned.
func (p *restorePlan) onlyRemovals(rel string, removing map[string]bool) bool {
	ok := true
	_ = filepath.WalkDir(p.abs(rel), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			ok = false
			return filepath.SkipAll
		}
		if d.IsDir() {
			return nil
		}
		sub, _ := filepath.Rel(p.root, path)
		if !removing[filepath.ToSlash(sub)] {
			ok = false
			return filepath.SkipAll
		}
		return nil
	})
	return ok
}

// apply runs the plan: removals first, then empty directories left
// behind are pruned, then the writes. This order lets a path change
// between file and directory. An error here may leave the tree partially
// rewritten.
func (p *restorePlan) apply() error {
	dirs := make(map[string]bool)
	for _, rel := range p.removes {
		if err := os.Remove(p.abs(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", rel, err)
		}
		for d := filepath.Dir(p.abs(rel)); d != p.root && strings.HasPrefix(d, p.root); d = filepath.Dir(d) {
			dirs[d] = true
		}
	}
	pruneEmpty(p.root, dirs)

	for _, w := range p.writes {
		target := p.abs(w.rel)
		if info, err := os.Lstat(target); err == nil && !info.Mode().IsRegular() {
			if err := os.Remove(target); err != nil {
				return fmt.Errorf("replacing %s: %w", w.rel, err)
			}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", w.rel, err)
		}
		mode := w.mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, w.data, mode); err != nil {
			return fmt.Errorf("writing %s: %w", w.rel, err)
		}
		// WriteFile keeps the mode of an existing file.
		if err := os.Chmod(target, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", w.rel, err)
		}
	}
	return nil
}

// pruneEmpty removes the given directories deepest first when they are
// empty.
func pruneEmpty(root string, dirs map[string]bool) {
	list := make([]string, 0, len(dirs))
	for d := range dirs {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return len(list[i]) > len(list[j]) })
	for _, d := range list {
		if d == root {
			continue
		}
		// Remove fails on non-empty directories, which is what we want.
		_ = os.Remove(d)
	}
}

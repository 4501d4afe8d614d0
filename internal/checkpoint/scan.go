package checkpoint

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Filter selects the tracked part of a project tree. watcher.Filter
// implements it.
type Filter interface {
	Walk(root string, fn func(rel string, d fs.DirEntry) error) error
}

// scan hashes every tracked regular file below root. Symlinks and files
// larger than maxSize (when positive) are not tracked.
func scan(root string, filter Filter, maxSize int64) (state, error) {
	st := make(state)
	err := filter.Walk(root, func(rel string, d fs.DirEntry) error {
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if maxSize > 0 && info.Size() > maxSize {
			return nil
		}

		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("opening %s: %w", rel, err)
		}
		hash, size, err := hashReader(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("hashing %s: %w", rel, err)
		}
		st[rel] = entry{Hash: hash, Mode: info.Mode().Perm(), Size: size}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

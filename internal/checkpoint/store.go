package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"claude-relay/internal/errkind"
)

const (
	sessionsDir    = "sessions"
	objectsDir     = "objects"
	checkpointsDir = "checkpoints"
	metaFile       = "meta.cbor"
	recordExt      = ".cbor"
)

// meta is the persisted per-session header.
type meta struct {
	SessionID   string `cbor:"session"`
	ProjectPath string `cbor:"project"`
	Head        string `cbor:"head,omitempty"`
}

// sessionStore holds one session's records. op serializes create,
// restore and delete; mu guards the in-memory view for readers.
type sessionStore struct {
	op sync.Mutex

	mu          sync.RWMutex
	dir         string
	meta        meta
	checkpoints map[string]*Checkpoint

	// changes counts MarkDirty calls; clean is the count the current
	// head was taken at.
	changes atomic.Uint64
	clean   atomic.Uint64
}

func (s *sessionStore) dirty() bool {
	return s.changes.Load() > s.clean.Load()
}

func (s *sessionStore) metaPath() string { return filepath.Join(s.dir, metaFile) }

func (s *sessionStore) recordPath(id string) string {
	return filepath.Join(s.dir, checkpointsDir, id+recordExt)
}

func (s *sessionStore) saveMeta(m meta) error {
	return writeRecord(s.metaPath(), m)
}

// chain returns the path from the root to id. s.mu must be held.
func (s *sessionStore) chain(id string) ([]*Checkpoint, error) {
	var chain []*Checkpoint
	seen := make(map[string]bool)
	for cur := id; cur != ""; {
		cp, ok := s.checkpoints[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errkind.ErrCheckpointNotFound, cur)
		}
		if seen[cur] {
			return nil, fmt.Errorf("checkpoint %s: parent cycle", cur)
		}
		seen[cur] = true
		chain = append(chain, cp)
		cur = cp.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// stateOf composes the file state at id; the empty id is the empty state.
func (s *sessionStore) stateOf(id string) (state, error) {
	if id == "" {
		return make(state), nil
	}
	chain, err := s.chain(id)
	if err != nil {
		return nil, err
	}
	return compose(chain), nil
}

func (s *sessionStore) hasChildren(id string) bool {
	for _, cp := range s.checkpoints {
		if cp.ParentID == id {
			return true
		}
	}
	return false
}

func validSessionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: bad session id %q", errkind.ErrInvalidRequest, id)
	}
	return nil
}

// loadSession reads a session directory written by an earlier run.
func loadSession(dir string) (*sessionStore, error) {
	s := &sessionStore{dir: dir, checkpoints: make(map[string]*Checkpoint)}
	if err := readRecord(s.metaPath(), &s.meta); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(dir, checkpointsDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		var cp Checkpoint
		if err := readRecord(filepath.Join(dir, checkpointsDir, name), &cp); err != nil {
			return nil, err
		}
		s.checkpoints[cp.ID] = &cp
	}
	if s.meta.Head != "" {
		if _, ok := s.checkpoints[s.meta.Head]; !ok {
			return nil, fmt.Errorf("head %s: %w", s.meta.Head, errkind.ErrCheckpointNotFound)
		}
	}
	return s, nil
}

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"claude-relay/internal/errkind"
	"claude-relay/internal/stream"

	"github.com/google/uuid"
)

// ErrNoChanges is returned by Create with SkipEmpty when nothing changed
// since the current checkpoint.
var ErrNoChanges = errors.New("nothing to checkpoint")

// Gate stops and fences a session's process while its tree is restored.
// session.Manager implements it.
type Gate interface {
	Quiesce(ctx context.Context, sessionID string, stop bool) (release func(), err error)
}

// History gives access to a session's event log. stream.Broker
// implements it.
type History interface {
	LastSequence(sessionID string) (uint64, error)
	Since(sessionID string, after uint64) ([]stream.Event, error)
	Truncate(sessionID string, boundary uint64) error
}

// Options configures a Manager.
type Options struct {
	// DataDir holds the sessions/ and objects/ trees.
	DataDir string
	Filter  Filter
	// MaxFileSize excludes larger files from checkpoints. Zero tracks
	// every file.
	MaxFileSize int64
	Logger      *slog.Logger
}

// Manager owns the persisted checkpoints of all sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionStore
	owner    map[string]string // checkpoint ID → session ID

	objects *objectStore
	gate    Gate
	history History
	opts    Options
	log     *slog.Logger
}

// NewManager opens the store under opts.DataDir, loading checkpoints
// written by earlier runs.
func NewManager(gate Gate, history History, opts Options) (*Manager, error) {
	if opts.DataDir == "" {
		return nil, errors.New("checkpoint: data dir is required")
	}
	if opts.Filter == nil {
		return nil, errors.New("checkpoint: filter is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		sessions: make(map[string]*sessionStore),
		owner:    make(map[string]string),
		objects:  &objectStore{dir: filepath.Join(opts.DataDir, objectsDir)},
		gate:     gate,
		history:  history,
		opts:     opts,
		log:      opts.Logger,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	root := filepath.Join(m.opts.DataDir, sessionsDir)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := loadSession(filepath.Join(root, e.Name()))
		if err != nil {
			m.log.Warn("skipping unreadable checkpoint session", "session", e.Name(), "error", err)
			continue
		}
		m.sessions[s.meta.SessionID] = s
		for id := range s.checkpoints {
			m.owner[id] = s.meta.SessionID
		}
	}
	m.log.Info("checkpoint store loaded", "dir", m.opts.DataDir, "sessions", len(m.sessions), "checkpoints", len(m.owner))
	return nil
}

// Track associates a session with its project directory. It must be
// called before the first checkpoint of a session. A tracked session
// keeps its directory; naming a different one is ErrInvalidRequest.
func (m *Manager) Track(sessionID, projectPath string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionStore{
			dir:         filepath.Join(m.opts.DataDir, sessionsDir, sessionID),
			checkpoints: make(map[string]*Checkpoint),
		}
		m.sessions[sessionID] = s
	}
	m.mu.Unlock()

	s.op.Lock()
	defer s.op.Unlock()

	s.mu.RLock()
	next := s.meta
	s.mu.RUnlock()
	if next.ProjectPath == projectPath {
		return nil
	}
	if next.ProjectPath != "" {
		return fmt.Errorf("%w: session %s belongs to %s, not %s",
			errkind.ErrInvalidRequest, sessionID, next.ProjectPath, projectPath)
	}
	next.SessionID = sessionID
	next.ProjectPath = projectPath
	if err := s.saveMeta(next); err != nil {
		if !ok {
			m.mu.Lock()
			delete(m.sessions, sessionID)
			m.mu.Unlock()
		}
		return err
	}
	s.mu.Lock()
	s.meta = next
	s.mu.Unlock()
	return nil
}

// HeadSequence returns the event sequence number covered by the
// session's current checkpoint.
func (m *Manager) HeadSequence(sessionID string) (uint64, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[s.meta.Head]
	if !ok {
		return 0, false
	}
	return cp.Sequence, true
}

func (m *Manager) session(sessionID string) (*sessionStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: no checkpoints tracked for %s", errkind.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (m *Manager) find(checkpointID string) (*sessionStore, *Checkpoint, error) {
	m.mu.RLock()
	sid, ok := m.owner[checkpointID]
	s := m.sessions[sid]
	m.mu.RUnlock()
	if !ok || s == nil {
		return nil, nil, fmt.Errorf("%w: %s", errkind.ErrCheckpointNotFound, checkpointID)
	}
	s.mu.RLock()
	cp, ok := s.checkpoints[checkpointID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", errkind.ErrCheckpointNotFound, checkpointID)
	}
	return s, cp, nil
}

// Create snapshots the session's project tree and the events published
// since the current checkpoint. The new checkpoint becomes the head.
// Creation is serialized per session.
func (m *Manager) Create(ctx context.Context, sessionID string, opts CreateOptions) (*Checkpoint, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}

	s.op.Lock()
	defer s.op.Unlock()

	gen := s.changes.Load()

	s.mu.RLock()
	md := s.meta
	base, err := s.stateOf(md.Head)
	var parent *Checkpoint
	if md.Head != "" {
		parent = s.checkpoints[md.Head]
	}
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	current, err := scan(md.ProjectPath, m.opts.Filter, m.opts.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", md.ProjectPath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var parentSeq uint64
	var parentMessages int
	if parent != nil {
		parentSeq = parent.Sequence
		parentMessages = parent.MessageCount
	}
	seq, events := m.conversationDelta(sessionID, parentSeq)

	changes := diffStates(base, current)
	if opts.SkipEmpty && len(changes) == 0 && len(events) == 0 {
		return nil, ErrNoChanges
	}
	if opts.FilesOnly && len(changes) == 0 {
		return nil, ErrNoChanges
	}

	// Objects first; the record that references them is written last.
	for i := range changes {
		if changes[i].Op == OpDelete {
			continue
		}
		hash, err := m.storeFile(md.ProjectPath, changes[i].Path)
		if err != nil {
			return nil, err
		}
		// The file may have changed since the scan; record what was stored.
		changes[i].Hash = hash
	}

	cp := &Checkpoint{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		ParentID:     md.Head,
		Sequence:     seq,
		MessageCount: parentMessages + countMessages(events),
		Changes:      changes,
		Label:        opts.Label,
		Trigger:      opts.Trigger,
		CreatedAt:    time.Now().UTC(),
	}
	if len(events) > 0 {
		data, err := marshal(events)
		if err != nil {
			return nil, fmt.Errorf("encoding conversation: %w", err)
		}
		if cp.Conversation, err = m.objects.put(data); err != nil {
			return nil, err
		}
	}

	if err := writeRecord(s.recordPath(cp.ID), cp); err != nil {
		return nil, fmt.Errorf("committing checkpoint: %w", err)
	}

	next := md
	next.Head = cp.ID
	if err := s.saveMeta(next); err != nil {
		// A record the head does not reach must not survive a restart.
		if rmErr := os.Remove(s.recordPath(cp.ID)); rmErr != nil {
			m.log.Error("removing uncommitted checkpoint", "session", sessionID, "checkpoint", cp.ID, "error", rmErr)
		}
		return nil, fmt.Errorf("saving head: %w", err)
	}

	s.mu.Lock()
	s.checkpoints[cp.ID] = cp
	s.meta = next
	s.mu.Unlock()
	s.clean.Store(gen)

	m.mu.Lock()
	m.owner[cp.ID] = sessionID
	m.mu.Unlock()

	m.log.Info("checkpoint created",
		"session", sessionID, "checkpoint", cp.ID, "parent", cp.ParentID,
		"trigger", cp.Trigger, "changes", len(changes), "seq", seq)
	return cp, nil
}

func (m *Manager) storeFile(root, rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}
	return m.objects.put(data)
}

// conversationDelta returns the current sequence boundary and the
// buffered events after parentSeq up to it. Sessions unknown to the
// history keep the parent's boundary.
func (m *Manager) conversationDelta(sessionID string, parentSeq uint64) (uint64, []stream.Event) {
	if m.history == nil {
		return parentSeq, nil
	}
	seq, err := m.history.LastSequence(sessionID)
	if err != nil || seq < parentSeq {
		return parentSeq, nil
	}
	events, err := m.history.Since(sessionID, parentSeq)
	if err != nil {
		return parentSeq, nil
	}
	out := events[:0:0]
	for _, ev := range events {
		if ev.Seq <= seq {
			out = append(out, ev)
		}
	}
	return seq, out
}

func countMessages(events []stream.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Origin == stream.OriginStdout {
			n++
		}
	}
	return n
}

// Restore rewrites the session's project directory to match the
// checkpoint, moves the head to it and truncates the event history to
// its sequence boundary. The session's process must not be running: it
// is stopped when opts.StopRunning is set and ErrSessionBusy is returned
// otherwise. Everything is validated before the first file is touched; a
// failure while applying leaves the store's metadata unchanged.
func (m *Manager) Restore(ctx context.Context, checkpointID string, opts RestoreOptions) (*Checkpoint, error) {
	s, target, err := m.find(checkpointID)
	if err != nil {
		return nil, err
	}
	sessionID := target.SessionID

	if m.gate != nil {
		release, err := m.gate.Quiesce(ctx, sessionID, opts.StopRunning)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	s.op.Lock()
	defer s.op.Unlock()

	s.mu.RLock()
	md := s.meta
	want, err := s.stateOf(checkpointID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	have, err := scan(md.ProjectPath, m.opts.Filter, m.opts.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("%w: scanning %s: %v", errkind.ErrRestoreConflict, md.ProjectPath, err)
	}

	p, err := m.plan(md.ProjectPath, have, want)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen := s.changes.Load()
	if err := p.apply(); err != nil {
		m.log.Error("restore failed while applying", "session", sessionID, "checkpoint", checkpointID, "error", err)
		return nil, fmt.Errorf("applying restore: %w", err)
	}

	next := md
	next.Head = checkpointID
	if err := s.saveMeta(next); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.meta = next
	s.mu.Unlock()
	s.clean.Store(gen)

	if m.history != nil {
		if err := m.history.Truncate(sessionID, target.Sequence); err != nil && !errors.Is(err, errkind.ErrSessionNotFound) {
			m.log.Warn("truncate history", "session", sessionID, "error", err)
		}
	}

	m.log.Info("checkpoint restored",
		"session", sessionID, "checkpoint", checkpointID,
		"written", len(p.writes), "removed", len(p.removes))
	return target, nil
}

// Diff returns the delta that turns checkpoint a into checkpoint b and
// their nearest common ancestor. Diff(b, a) is the inverse of Diff(a, b).
func (m *Manager) Diff(a, b string) (*DiffResult, error) {
	sa, _, err := m.find(a)
	if err != nil {
		return nil, err
	}
	sb, _, err := m.find(b)
	if err != nil {
		return nil, err
	}

	sa.mu.RLock()
	chainA, errA := sa.chain(a)
	sa.mu.RUnlock()
	if errA != nil {
		return nil, errA
	}
	sb.mu.RLock()
	chainB, errB := sb.chain(b)
	sb.mu.RUnlock()
	if errB != nil {
		return nil, errB
	}

	return &DiffResult{
		From:     a,
		To:       b,
		Ancestor: commonAncestor(chainA, chainB),
		Changes:  diffStates(compose(chainA), compose(chainB)),
	}, nil
}

func commonAncestor(a, b []*Checkpoint) string {
	ancestor := ""
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].ID != b[i].ID {
			break
		}
		ancestor = a[i].ID
	}
	return ancestor
}

// Timeline returns the session's checkpoint tree.
func (m *Manager) Timeline(sessionID string) (*Timeline, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make(map[string]*Node, len(s.checkpoints))
	for id, cp := range s.checkpoints {
		nodes[id] = &Node{
			ID:           cp.ID,
			ParentID:     cp.ParentID,
			Label:        cp.Label,
			Trigger:      cp.Trigger,
			Sequence:     cp.Sequence,
			MessageCount: cp.MessageCount,
			FileChanges:  len(cp.Changes),
			CreatedAt:    cp.CreatedAt,
			Current:      id == s.meta.Head,
		}
	}

	tl := &Timeline{
		SessionID:   sessionID,
		ProjectPath: s.meta.ProjectPath,
		CurrentID:   s.meta.Head,
		Roots:       []*Node{},
		Total:       len(nodes),
		Dirty:       s.dirty(),
	}
	for _, n := range nodes {
		if parent, ok := nodes[n.ParentID]; ok {
			parent.Children = append(parent.Children, n)
		} else {
			tl.Roots = append(tl.Roots, n)
		}
	}
	sortNodes(tl.Roots)
	return tl, nil
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

// Get returns a checkpoint record.
func (m *Manager) Get(checkpointID string) (*Checkpoint, error) {
	_, cp, err := m.find(checkpointID)
	return cp, err
}

// Delete removes a leaf checkpoint. Checkpoints with children are
// rejected with ErrHasDescendants. Deleting the head moves the head to
// the parent. Objects are left in place; other checkpoints may share
// them.
func (m *Manager) Delete(checkpointID string) error {
	s, cp, err := m.find(checkpointID)
	if err != nil {
		return err
	}

	s.op.Lock()
	defer s.op.Unlock()

	s.mu.RLock()
	children := s.hasChildren(checkpointID)
	md := s.meta
	s.mu.RUnlock()
	if children {
		return fmt.Errorf("%w: %s", errkind.ErrHasDescendants, checkpointID)
	}

	if md.Head == checkpointID {
		md.Head = cp.ParentID
		if err := s.saveMeta(md); err != nil {
			return err
		}
	}
	if err := os.Remove(s.recordPath(checkpointID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing checkpoint %s: %w", checkpointID, err)
	}

	s.mu.Lock()
	delete(s.checkpoints, checkpointID)
	s.meta = md
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.owner, checkpointID)
	m.mu.Unlock()

	m.log.Info("checkpoint deleted", "session", cp.SessionID, "checkpoint", checkpointID)
	return nil
}

// Conversation returns the events recorded from the root down to the
// checkpoint, in order.
func (m *Manager) Conversation(checkpointID string) ([]stream.Event, error) {
	s, _, err := m.find(checkpointID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	chain, err := s.chain(checkpointID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	events := []stream.Event{}
	for _, cp := range chain {
		if cp.Conversation == "" {
			continue
		}
		data, err := m.objects.get(cp.Conversation)
		if err != nil {
			return nil, err
		}
		var delta []stream.Event
		if err := unmarshal(data, &delta); err != nil {
			return nil, fmt.Errorf("decoding conversation of %s: %w", cp.ID, err)
		}
		events = append(events, delta...)
	}
	return events, nil
}

// MarkDirty records that the session's project changed on disk.
func (m *Manager) MarkDirty(sessionID string) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		s.changes.Add(1)
	}
}

// Dirty reports whether the session's project changed since its current
// checkpoint was created or restored.
func (m *Manager) Dirty(sessionID string) bool {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	return ok && s.dirty()
}

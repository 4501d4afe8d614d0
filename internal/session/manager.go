package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"claude-relay/internal/errkind"
	"claude-relay/internal/stream"

	"github.com/google/uuid"
)

const (
	defaultScannerBufSize  = 1024 * 1024 // 1 MB
	defaultGracefulTimeout = 5 * time.Second
	defaultMaxSessions     = 10
)

// Publisher receives the events of supervised processes. stream.Broker
// implements it.
type Publisher interface {
	Open(sessionID string)
	Publish(sessionID string, ev stream.Event) (stream.Event, error)
}

// Options configures a Manager.
type Options struct {
	MaxSessions     int
	GracePeriod     time.Duration
	DefaultModel    string
	SkipPermissions bool
	ScannerBufSize  int
	Locator         Locator
	Resolver        Resolver
	Logger          *slog.Logger
}

// Manager supervises claude CLI processes, at most one per session.
// The registry lock guards only the maps; each session's state is
// guarded by its own lock, so unrelated sessions never contend.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession
	quiesced map[string]bool
	active   int

	publisher Publisher
	opts      Options
	log       *slog.Logger
}

type managedSession struct {
	mu   sync.Mutex
	sess Session
	cmd  *exec.Cmd
	// done is closed once the process has been reaped and its terminal
	// event published. It is nil when no process was ever started.
	done chan struct{}
}

func (ms *managedSession) snapshot() *Session {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := ms.sess
	return &cp
}

// finished reports whether a new attempt may reuse the session ID.
func (ms *managedSession) finished() bool {
	ms.mu.Lock()
	state, done := ms.sess.State, ms.done
	ms.mu.Unlock()
	if !state.Terminal() {
		return false
	}
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// NewManager creates a new session manager.
func NewManager(publisher Publisher, opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracefulTimeout
	}
	if opts.ScannerBufSize <= 0 {
		opts.ScannerBufSize = defaultScannerBufSize
	}
	if opts.Locator == nil {
		opts.Locator = BinaryLocator{}
	}
	if opts.Resolver == nil {
		opts.Resolver = DirResolver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		sessions:  make(map[string]*managedSession),
		quiesced:  make(map[string]bool),
		publisher: publisher,
		opts:      opts,
		log:       opts.Logger,
	}
}

// prepare validates spec and fills in defaults. It returns the resolved
// project directory and the claude binary to run.
func (m *Manager) prepare(spec Spec) (Spec, string, string, error) {
	projectPath, err := m.opts.Resolver.Resolve(spec.ProjectPath)
	if err != nil {
		return spec, "", "", err
	}
	if strings.TrimSpace(spec.Prompt) == "" {
		return spec, "", "", fmt.Errorf("%w: prompt is required", errkind.ErrInvalidRequest)
	}
	if spec.Mode == "" {
		spec.Mode = ModeNew
	}
	switch spec.Mode {
	case ModeNew, ModeContinue, ModeResume:
	default:
		return spec, "", "", fmt.Errorf("%w: unknown mode %q", errkind.ErrInvalidRequest, spec.Mode)
	}
	if spec.Model == "" {
		spec.Model = m.opts.DefaultModel
	}

	binaryPath, err := m.opts.Locator.Locate()
	if err != nil {
		return spec, "", "", err
	}
	return spec, projectPath, binaryPath, nil
}

// Check reports the error Start would return for spec without starting
// anything. A session that is running, being restored or at the
// concurrency limit fails with the same errors register reports.
func (m *Manager) Check(spec Spec) error {
	spec, _, _, err := m.prepare(spec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev, known := m.sessions[spec.SessionID]
	quiesced := m.quiesced[spec.SessionID]
	full := m.active >= m.opts.MaxSessions
	m.mu.Unlock()

	if quiesced {
		return fmt.Errorf("%w: session %s is being restored", errkind.ErrSessionBusy, spec.SessionID)
	}
	agentID := spec.AgentSessionID
	if known {
		if !prev.finished() {
			return fmt.Errorf("%w: session %s already has a running process", errkind.ErrSessionBusy, spec.SessionID)
		}
		if agentID == "" {
			agentID = prev.snapshot().AgentSessionID
		}
	}
	if spec.Mode == ModeResume && agentID == "" {
		return fmt.Errorf("%w: resume requires an agent session id", errkind.ErrInvalidRequest)
	}
	if full {
		return fmt.Errorf("%w (%d)", errkind.ErrTooManySessions, m.opts.MaxSessions)
	}
	return nil
}

// Start validates spec, spawns the claude CLI and returns as soon as the
// process is running. Completion is observed asynchronously and reported
// as a terminal event through the publisher.
func (m *Manager) Start(ctx context.Context, spec Spec) (*Session, error) {
	spec, projectPath, binaryPath, err := m.prepare(spec)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms, err := m.register(spec, projectPath)
	if err != nil {
		return nil, err
	}
	// register hands back ms locked so that Quiesce and Cancel observe
	// either the pending entry's final outcome or nothing at all.

	args := buildArgs(spec, ms.sess.AgentSessionID, m.opts.SkipPermissions)
	cmd := exec.Command(binaryPath, args...)
	cmd.Dir = projectPath

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		m.spawnFailed(ms)
		return nil, fmt.Errorf("%w: create stdout pipe: %v", errkind.ErrSpawnFailed, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		m.spawnFailed(ms)
		return nil, fmt.Errorf("%w: create stderr pipe: %v", errkind.ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		m.spawnFailed(ms)
		return nil, fmt.Errorf("%w: %v", errkind.ErrSpawnFailed, err)
	}

	m.publisher.Open(ms.sess.ID)

	done := make(chan struct{})
	ms.cmd = cmd
	ms.done = done
	ms.sess.State = StateRunning
	ms.sess.PID = cmd.Process.Pid
	ms.sess.StartedAt = time.Now().UTC()
	cp := ms.sess
	ms.mu.Unlock()

	m.log.Info("claude process started",
		"session", cp.ID, "pid", cp.PID, "mode", spec.Mode, "project", projectPath)

	go m.monitor(ms, cp.ID, cmd, stdoutPipe, stderrPipe, done)

	return &cp, nil
}

// register reserves a registry slot for a new process instance. The
// returned entry is locked.
func (m *Manager) register(spec Spec, projectPath string) (*managedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := spec.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	if m.quiesced[id] {
		return nil, fmt.Errorf("%w: session %s is being restored", errkind.ErrSessionBusy, id)
	}

	now := time.Now().UTC()
	sess := Session{
		ID:             id,
		ProjectPath:    projectPath,
		Mode:           spec.Mode,
		Model:          spec.Model,
		Prompt:         spec.Prompt,
		AgentSessionID: spec.AgentSessionID,
		State:          StatePending,
		Attempt:        1,
		CreatedAt:      now,
	}

	if prev, ok := m.sessions[id]; ok {
		if !prev.finished() {
			return nil, fmt.Errorf("%w: session %s already has a running process", errkind.ErrSessionBusy, id)
		}
		old := prev.snapshot()
		sess.CreatedAt = old.CreatedAt
		sess.Attempt = old.Attempt + 1
		if sess.AgentSessionID == "" {
			sess.AgentSessionID = old.AgentSessionID
		}
	}
	if spec.Mode == ModeResume && sess.AgentSessionID == "" {
		return nil, fmt.Errorf("%w: resume requires an agent session id", errkind.ErrInvalidRequest)
	}

	if m.active >= m.opts.MaxSessions {
		return nil, fmt.Errorf("%w (%d)", errkind.ErrTooManySessions, m.opts.MaxSessions)
	}

	ms := &managedSession{sess: sess}
	ms.mu.Lock()
	m.sessions[id] = ms
	m.active++
	return ms, nil
}

// spawnFailed records a spawn failure and unlocks ms.
func (m *Manager) spawnFailed(ms *managedSession) {
	ms.sess.State = StateFailed
	ms.sess.EndedAt = time.Now().UTC()
	ms.mu.Unlock()

	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

func buildArgs(spec Spec, agentSessionID string, skipPermissions bool) []string {
	var args []string
	switch spec.Mode {
	case ModeContinue:
		args = append(args, "-c", "-p", spec.Prompt)
	case ModeResume:
		args = append(args, "--resume", agentSessionID, "-p", spec.Prompt)
	default:
		args = append(args, "-p", spec.Prompt)
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	args = append(args, "--output-format", "stream-json", "--verbose")
	if skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, spec.ExtraArgs...)
}

// monitor reads the process output, reaps the process and publishes
// exactly one terminal event. It runs whether or not anyone subscribes.
func (m *Manager) monitor(ms *managedSession, id string, cmd *exec.Cmd, stdout, stderr io.Reader, done chan struct{}) {
	var (
		wg        sync.WaitGroup
		errMu     sync.Mutex
		streamErr error
	)
	scan := func(r io.Reader, origin stream.Origin) {
		defer wg.Done()
		if err := m.scanOutput(ms, id, r, origin); err != nil {
			errMu.Lock()
			streamErr = err
			errMu.Unlock()
		}
	}
	wg.Add(2)
	go scan(stdout, stream.OriginStdout)
	go scan(stderr, stream.OriginStderr)
	wg.Wait()

	waitErr := cmd.Wait()

	ms.mu.Lock()
	ms.sess.EndedAt = time.Now().UTC()
	var ev stream.Event
	var exitErr *exec.ExitError
	switch {
	case ms.sess.State == StateCancelled:
		ev = stream.Cancelled()
	case waitErr == nil && streamErr == nil:
		code := 0
		ms.sess.State = StateCompleted
		ms.sess.ExitCode = &code
		ev = stream.Complete(true, 0)
	case errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0:
		code := exitErr.ExitCode()
		ms.sess.State = StateFailed
		ms.sess.ExitCode = &code
		ev = stream.Complete(false, code)
	default:
		cause := waitErr
		if cause == nil {
			cause = streamErr
		}
		ms.sess.State = StateFailed
		ev = stream.Failure(fmt.Sprintf("%v: %v", errkind.ErrProcessCrashed, cause))
	}
	state := ms.sess.State
	ms.mu.Unlock()

	m.mu.Lock()
	m.active--
	m.mu.Unlock()

	if _, err := m.publisher.Publish(id, ev); err != nil {
		m.log.Error("publish terminal event", "session", id, "error", err)
	}
	m.log.Info("claude process exited", "session", id, "state", state, "event", ev.Type)
	close(done)
}

// scanOutput reads lines from a pipe and publishes them as events. On a
// read failure the rest of the pipe is discarded so the process can
// still run to completion.
func (m *Manager) scanOutput(ms *managedSession, id string, pipe io.Reader, origin stream.Origin) error {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), m.opts.ScannerBufSize)

	for scanner.Scan() {
		ev := stream.Output(origin, scanner.Text())
		if origin == stream.OriginStdout {
			m.noteAgentSession(ms, ev)
		}
		if _, err := m.publisher.Publish(id, ev); err != nil {
			m.log.Warn("publish output", "session", id, "error", err)
		}
	}

	if err := scanner.Err(); err != nil {
		m.log.Error("output scanner failed", "session", id, "stream", origin, "error", err)
		_, _ = io.Copy(io.Discard, pipe)
		return fmt.Errorf("%s stream: %w", origin, err)
	}
	return nil
}

func (m *Manager) noteAgentSession(ms *managedSession, ev stream.Event) {
	info, ok := stream.Inspect(ev)
	if !ok || info.AgentSessionID == "" {
		return
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.sess.AgentSessionID != info.AgentSessionID {
		ms.sess.AgentSessionID = info.AgentSessionID
	}
}

func (m *Manager) lookup(id string) *managedSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (*Session, error) {
	ms := m.lookup(id)
	if ms == nil {
		return nil, fmt.Errorf("%w: %s", errkind.ErrSessionNotFound, id)
	}
	return ms.snapshot(), nil
}

// List returns snapshots of all registered sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	entries := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		entries = append(entries, ms)
	}
	m.mu.RUnlock()

	result := make([]*Session, 0, len(entries))
	for _, ms := range entries {
		result = append(result, ms.snapshot())
	}
	return result
}

// Running reports whether the session has a live process.
func (m *Manager) Running(id string) bool {
	ms := m.lookup(id)
	if ms == nil {
		return false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sess.State == StateRunning
}

// Cancel requests termination of a running session. It returns false for
// unknown or already terminal sessions. The terminal "cancelled" event is
// published once the process has been reaped; racing with a natural exit,
// whichever transition happens first decides the single terminal event.
func (m *Manager) Cancel(id string) bool {
	ms := m.lookup(id)
	if ms == nil {
		return false
	}

	ms.mu.Lock()
	if ms.sess.State != StateRunning {
		ms.mu.Unlock()
		return false
	}
	ms.sess.State = StateCancelled
	cmd, done := ms.cmd, ms.done
	ms.mu.Unlock()

	m.log.Info("cancelling claude process", "session", id, "pid", cmd.Process.Pid)
	go m.terminate(id, cmd, done)
	return true
}

// terminate sends SIGTERM to the process tree and escalates to SIGKILL
// after the grace period.
func (m *Manager) terminate(id string, cmd *exec.Cmd, done <-chan struct{}) {
	if err := signalTree(cmd.Process, syscall.SIGTERM); err != nil {
		m.log.Debug("graceful signal failed", "session", id, "error", err)
	}

	timer := time.NewTimer(m.opts.GracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.log.Warn("grace period elapsed, killing process", "session", id)
		if err := signalTree(cmd.Process, syscall.SIGKILL); err != nil {
			m.log.Debug("kill failed", "session", id, "error", err)
		}
	}
}

// Quiesce makes the session safe for a checkpoint restore. A running
// session is rejected with ErrSessionBusy unless stop is set, in which
// case it is cancelled and reaped first. Until release is called no new
// process can be started under the session ID. This is the one lock
// shared between the supervisor and the checkpoint store.
func (m *Manager) Quiesce(ctx context.Context, id string, stop bool) (release func(), err error) {
	m.mu.Lock()
	if m.quiesced[id] {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is already being restored", errkind.ErrSessionBusy, id)
	}
	m.quiesced[id] = true
	ms := m.sessions[id]
	m.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.quiesced, id)
			m.mu.Unlock()
		})
	}

	if ms == nil {
		return release, nil
	}

	ms.mu.Lock()
	state, done := ms.sess.State, ms.done
	ms.mu.Unlock()

	if state == StateRunning {
		if !stop {
			release()
			return nil, fmt.Errorf("%w: session %s has a running process", errkind.ErrSessionBusy, id)
		}
		m.Cancel(id)
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// Expired returns the sessions whose process ended more than retention
// ago and which are not being restored.
func (m *Manager) Expired(retention time.Duration) []string {
	m.mu.RLock()
	entries := make(map[string]*managedSession, len(m.sessions))
	for id, ms := range m.sessions {
		if !m.quiesced[id] {
			entries[id] = ms
		}
	}
	m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-retention)
	var ids []string
	for id, ms := range entries {
		if !ms.finished() {
			continue
		}
		if s := ms.snapshot(); !s.EndedAt.IsZero() && s.EndedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Remove evicts a finished session from the registry. Sessions with a
// live process are left alone.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok || m.quiesced[id] || !ms.finished() {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Shutdown cancels every running session and waits until all processes
// have been reaped or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	var waits []<-chan struct{}
	ids := make([]string, 0, len(m.sessions))
	for id, ms := range m.sessions {
		ids = append(ids, id)
		ms.mu.Lock()
		if ms.done != nil {
			waits = append(waits, ms.done)
		}
		ms.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Cancel(id)
	}
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Package engine wires the process supervisor, the stream broker, the
// checkpoint store and the file watcher into one service. It owns the
// cross-component policies: automatic checkpoints, eviction of finished
// sessions and shutdown ordering.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"claude-relay/internal/checkpoint"
	"claude-relay/internal/config"
	"claude-relay/internal/session"
	"claude-relay/internal/stream"
	"claude-relay/internal/watcher"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
)

// Version is reported by the health check; set at build time.
var Version = "dev"

// Options configures an Engine. Locator and Resolver default to the
// configured binary path and the directory resolver.
type Options struct {
	Config   *config.Config
	Locator  session.Locator
	Resolver session.Resolver
	Logger   *slog.Logger
}

// Engine is the composed relay service.
type Engine struct {
	sup     *session.Manager
	broker  *stream.Broker
	cps     *checkpoint.Manager
	watch   *watcher.Watcher
	locator session.Locator
	resolve session.Resolver

	policy        checkpoint.Policy
	retention     time.Duration
	sweepInterval time.Duration
	log           *slog.Logger

	mu      sync.Mutex
	workers map[string]*autoWorker

	startedAt time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New builds the engine and loads persisted checkpoints.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	policy, _ := checkpoint.ParsePolicy(cfg.Checkpoint.Policy)

	e := &Engine{
		locator:       opts.Locator,
		resolve:       opts.Resolver,
		policy:        policy,
		retention:     cfg.Sessions.Retention,
		sweepInterval: cfg.Sessions.SweepInterval,
		log:           log,
		workers:       make(map[string]*autoWorker),
		startedAt:     time.Now().UTC(),
		stop:          make(chan struct{}),
	}
	if e.locator == nil {
		e.locator = session.BinaryLocator{Path: cfg.Claude.Binary}
	}
	if e.resolve == nil {
		e.resolve = session.DirResolver{}
	}

	e.broker = stream.NewBroker(
		stream.WithReplayCapacity(cfg.Stream.ReplayCapacity),
		stream.WithSubscriberBuffer(cfg.Stream.SubscriberBuffer),
		stream.WithLogger(log.With("component", "broker")),
		stream.WithObserver(e.observe),
	)

	e.sup = session.NewManager(e.broker, session.Options{
		MaxSessions:     cfg.Claude.MaxSessions,
		GracePeriod:     cfg.Claude.GracePeriod,
		DefaultModel:    cfg.Claude.Model,
		SkipPermissions: cfg.Claude.SkipPermissions,
		Locator:         e.locator,
		Resolver:        e.resolve,
		Logger:          log.With("component", "supervisor"),
	})

	filter := watcher.NewFilter(cfg.Checkpoint.Exclude, cfg.Checkpoint.SkipHidden)

	cps, err := checkpoint.NewManager(e.sup, e.broker, checkpoint.Options{
		DataDir:     cfg.Checkpoint.DataDir,
		Filter:      filter,
		MaxFileSize: cfg.Checkpoint.MaxFileSize,
		Logger:      log.With("component", "checkpoint"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	e.cps = cps

	if cfg.Watcher.Enabled {
		e.watch = watcher.New(filter, e.cps.MarkDirty,
			watcher.WithDebounce(cfg.Watcher.Debounce),
			watcher.WithLogger(log.With("component", "watcher")),
		)
	}

	if e.sweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepLoop()
	}
	return e, nil
}

// Start launches a claude process. The request is checked before the
// session is tracked, so a rejected start leaves nothing behind. With
// the per_prompt policy the project is checkpointed first, so the
// prompt's effects can be undone.
func (e *Engine) Start(ctx context.Context, spec session.Spec) (*session.Session, error) {
	projectPath, err := e.resolve.Resolve(spec.ProjectPath)
	if err != nil {
		return nil, err
	}
	spec.ProjectPath = projectPath
	if spec.SessionID == "" {
		spec.SessionID = uuid.New().String()
	}

	if err := e.sup.Check(spec); err != nil {
		return nil, err
	}
	if err := e.cps.Track(spec.SessionID, projectPath); err != nil {
		return nil, err
	}
	// An evicted session's stream is gone; numbering resumes after the
	// events its head checkpoint covers.
	if seq, ok := e.cps.HeadSequence(spec.SessionID); ok {
		e.broker.Resume(spec.SessionID, seq)
	}

	if e.policy.Fires(checkpoint.TriggerPrompt) {
		_, err := e.cps.Create(ctx, spec.SessionID, checkpoint.CreateOptions{
			Trigger:   checkpoint.TriggerPrompt,
			Label:     "before prompt",
			SkipEmpty: true,
		})
		if err != nil && !errors.Is(err, checkpoint.ErrNoChanges) {
			e.log.Warn("prompt checkpoint failed", "session", spec.SessionID, "error", err)
		}
	}

	sess, err := e.sup.Start(ctx, spec)
	if err != nil {
		return nil, err
	}

	if e.watch != nil {
		if err := e.watch.Watch(sess.ID, projectPath); err != nil {
			e.log.Warn("watch project", "session", sess.ID, "project", projectPath, "error", err)
		}
	}
	return sess, nil
}

// Cancel stops a running session. See session.Manager.Cancel.
func (e *Engine) Cancel(id string) bool { return e.sup.Cancel(id) }

// Session returns a session snapshot.
func (e *Engine) Session(id string) (*session.Session, error) { return e.sup.Get(id) }

// Sessions returns all registered sessions.
func (e *Engine) Sessions() []*session.Session { return e.sup.List() }

// Subscribe attaches to a session's event stream.
func (e *Engine) Subscribe(id string) (*stream.Subscription, error) { return e.broker.Subscribe(id) }

// Unsubscribe detaches a subscriber.
func (e *Engine) Unsubscribe(sub *stream.Subscription) { e.broker.Unsubscribe(sub) }

// Checkpoint takes a manual checkpoint.
func (e *Engine) Checkpoint(ctx context.Context, sessionID, label string) (*checkpoint.Checkpoint, error) {
	return e.cps.Create(ctx, sessionID, checkpoint.CreateOptions{Label: label, Trigger: checkpoint.TriggerManual})
}

// Restore rewinds a session to a checkpoint.
func (e *Engine) Restore(ctx context.Context, checkpointID string, stopRunning bool) (*checkpoint.Checkpoint, error) {
	return e.cps.Restore(ctx, checkpointID, checkpoint.RestoreOptions{StopRunning: stopRunning})
}

// Timeline returns a session's checkpoint tree.
func (e *Engine) Timeline(sessionID string) (*checkpoint.Timeline, error) {
	return e.cps.Timeline(sessionID)
}

// Diff compares two checkpoints.
func (e *Engine) Diff(from, to string) (*checkpoint.DiffResult, error) { return e.cps.Diff(from, to) }

// DeleteCheckpoint removes a leaf checkpoint.
func (e *Engine) DeleteCheckpoint(id string) error { return e.cps.Delete(id) }

// Conversation returns the events recorded up to a checkpoint.
func (e *Engine) Conversation(id string) ([]stream.Event, error) { return e.cps.Conversation(id) }

// sweepLoop evicts finished sessions once their retention has passed
// and nobody is subscribed.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() int {
	evicted := 0
	for _, id := range e.sup.Expired(e.retention) {
		if e.broker.SubscriberCount(id) > 0 {
			continue
		}
		if !e.sup.Remove(id) {
			continue
		}
		e.broker.Drop(id)
		if e.watch != nil {
			e.watch.Unwatch(id)
		}
		e.stopWorker(id)
		evicted++
		e.log.Debug("session evicted", "session", id)
	}
	return evicted
}

// Shutdown stops background work, cancels running sessions and waits
// for their processes to be reaped.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.watch != nil {
		e.watch.Shutdown()
	}
	err := e.sup.Shutdown(ctx)

	e.mu.Lock()
	for id, w := range e.workers {
		w.close()
		delete(e.workers, id)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Health describes the service state.
type Health struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
	Sessions  int               `json:"sessions"`
	Running   int               `json:"running"`
	Process   *ProcessStats     `json:"process,omitempty"`
}

// ProcessStats are resource figures of the relay process and its
// children.
type ProcessStats struct {
	PID      int     `json:"pid"`
	RSSBytes uint64  `json:"rssBytes"`
	CPU      float64 `json:"cpuPercent"`
	Children int     `json:"children"`
}

// Health reports component status. A missing claude binary degrades the
// service but does not make it unhealthy: checkpoints remain usable.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(e.startedAt).Round(time.Second).String(),
		Services: map[string]string{
			"process_registry": "healthy",
			"checkpoint_store": "healthy",
		},
	}

	sessions := e.sup.List()
	h.Sessions = len(sessions)
	for _, s := range sessions {
		if s.State == session.StateRunning {
			h.Running++
		}
	}

	if _, err := e.locator.Locate(); err != nil {
		h.Services["claude_binary"] = "missing"
		h.Status = "degraded"
	} else {
		h.Services["claude_binary"] = "healthy"
	}

	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		stats := &ProcessStats{PID: os.Getpid()}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			stats.RSSBytes = mem.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			stats.CPU = cpu
		}
		if children, err := p.ChildrenWithContext(ctx); err == nil {
			stats.Children = len(children)
		}
		h.Process = stats
	}
	return h
}

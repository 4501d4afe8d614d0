package engine

import (
	"context"
	"errors"
	"time"

	"claude-relay/internal/checkpoint"
	"claude-relay/internal/stream"
)

const autoCheckpointTimeout = 2 * time.Minute

// autoWorker takes a session's automatic checkpoints one at a time.
// Signals arriving while one is pending are merged into it.
type autoWorker struct {
	signals chan checkpoint.Trigger
	quit    chan struct{}
}

func (w *autoWorker) close() { close(w.quit) }

// boundary classifies an event as a checkpoint boundary. The structured
// payload is advisory, so unknown shapes are simply not boundaries.
func boundary(ev stream.Event) (checkpoint.Trigger, bool) {
	if ev.IsTerminal() {
		return checkpoint.TriggerResponse, true
	}
	info, ok := stream.Inspect(ev)
	if !ok {
		return "", false
	}
	if len(info.ToolUses) > 0 {
		return checkpoint.TriggerToolUse, true
	}
	if info.Type == "result" {
		return checkpoint.TriggerResponse, true
	}
	return "", false
}

// observe runs on the publishing goroutine and must not block.
func (e *Engine) observe(ev stream.Event) {
	if e.policy == checkpoint.PolicyManual || e.policy == checkpoint.PolicyPerPrompt {
		return
	}
	trig, ok := boundary(ev)
	if !ok {
		return
	}
	if !e.policy.Fires(trig) {
		return
	}

	w := e.worker(ev.SessionID)
	if w == nil {
		return
	}
	select {
	case w.signals <- trig:
	default:
	}
}

func (e *Engine) worker(sessionID string) *autoWorker {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.stop:
		return nil
	default:
	}
	if w, ok := e.workers[sessionID]; ok {
		return w
	}
	w := &autoWorker{
		signals: make(chan checkpoint.Trigger, 1),
		quit:    make(chan struct{}),
	}
	e.workers[sessionID] = w
	e.wg.Add(1)
	go e.runWorker(sessionID, w)
	return w
}

func (e *Engine) stopWorker(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[sessionID]; ok {
		w.close()
		delete(e.workers, sessionID)
	}
}

func (e *Engine) runWorker(sessionID string, w *autoWorker) {
	defer e.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case trig := <-w.signals:
			e.autoCheckpoint(sessionID, trig)
		}
	}
}

func (e *Engine) autoCheckpoint(sessionID string, trig checkpoint.Trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), autoCheckpointTimeout)
	defer cancel()

	cp, err := e.cps.Create(ctx, sessionID, checkpoint.CreateOptions{
		Trigger:   trig,
		SkipEmpty: true,
		FilesOnly: e.policy.FilesOnly(),
	})
	switch {
	case errors.Is(err, checkpoint.ErrNoChanges):
		return
	case err != nil:
		e.log.Warn("automatic checkpoint failed", "session", sessionID, "trigger", trig, "error", err)
	default:
		e.log.Debug("automatic checkpoint", "session", sessionID, "checkpoint", cp.ID, "trigger", trig)
	}
}

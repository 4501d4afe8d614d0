package watcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeFunc is called once per debounced burst of changes, for every
// session watching the changed project.
type ChangeFunc func(sessionID string)

// Watcher monitors project directories for file changes. Sessions that
// share a project path share one fsnotify watcher.
type Watcher struct {
	mu       sync.Mutex
	projects map[string]*projectWatcher // project path → watcher
	sessions map[string]string          // session ID → project path

	filter   Filter
	debounce time.Duration
	onChange ChangeFunc
	log      *slog.Logger
}

type projectWatcher struct {
	dir       string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	sessions  map[string]bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits for a burst of changes
// to settle before notifying.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// New creates a new file system watcher.
func New(filter Filter, onChange ChangeFunc, opts ...Option) *Watcher {
	w := &Watcher{
		projects: make(map[string]*projectWatcher),
		sessions: make(map[string]string),
		filter:   filter,
		debounce: defaultDebounce,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch starts reporting changes under dir to sessionID. Watching again
// under a different directory moves the session.
func (w *Watcher) Watch(sessionID, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cur, ok := w.sessions[sessionID]; ok {
		if cur == dir {
			return nil
		}
		w.detachLocked(sessionID)
	}

	if pw, ok := w.projects[dir]; ok {
		pw.sessions[sessionID] = true
		w.sessions[sessionID] = dir
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return err
	}
	w.addTree(fsW, dir)

	pw := &projectWatcher{
		dir:       dir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		sessions:  map[string]bool{sessionID: true},
	}
	w.projects[dir] = pw
	w.sessions[sessionID] = dir

	go w.watchLoop(pw)
	return nil
}

// Unwatch stops reporting changes to sessionID. The underlying watcher
// is closed once no session uses it.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.detachLocked(sessionID)
}

func (w *Watcher) detachLocked(sessionID string) {
	dir, ok := w.sessions[sessionID]
	if !ok {
		return
	}
	delete(w.sessions, sessionID)

	pw := w.projects[dir]
	delete(pw.sessions, sessionID)
	if len(pw.sessions) > 0 {
		return
	}
	delete(w.projects, dir)
	close(pw.cancel)
	pw.fsWatcher.Close()
}

// Watching reports whether sessionID has an active watch.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[sessionID]
	return ok
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(pw *projectWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-pw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-pw.fsWatcher.Events:
			if !ok {
				return
			}

			rel, err := filepath.Rel(pw.dir, event.Name)
			if err != nil || w.filter.Skip(filepath.ToSlash(rel), false) {
				continue
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := pw.fsWatcher.Add(event.Name); err != nil {
						w.log.Debug("watch new directory", "path", event.Name, "error", err)
					}
					w.addTree(pw.fsWatcher, event.Name)
				}
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.notify(pw)
			})

		case err, ok := <-pw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "project", pw.dir, "error", err)
		}
	}
}

func (w *Watcher) notify(pw *projectWatcher) {
	w.mu.Lock()
	select {
	case <-pw.cancel:
		w.mu.Unlock()
		return
	default:
	}
	ids := make([]string, 0, len(pw.sessions))
	for id := range pw.sessions {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	if w.onChange == nil {
		return
	}
	for _, id := range ids {
		w.onChange(id)
	}
}

// addTree adds every tracked directory below dir to an fsnotify watcher.
func (w *Watcher) addTree(fsW *fsnotify.Watcher, dir string) {
	_ = w.filter.Walk(dir, func(rel string, d fs.DirEntry) error {
		if !d.IsDir() {
			return nil
		}
		if err := fsW.Add(filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			w.log.Debug("watch directory", "path", rel, "error", err)
		}
		return nil
	})
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.sessions {
		w.detachLocked(id)
	}
}

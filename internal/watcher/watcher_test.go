package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

func walkFiles(t *testing.T, f Filter, dir string) []string {
	t.Helper()
	var files []string
	err := f.Walk(dir, func(rel string, d fs.DirEntry) error {
		if !d.IsDir() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(files)
	return files
}

func TestWalk_EmptyDir(t *testing.T) {
	if files := walkFiles(t, NewFilter(nil, false), t.TempDir()); len(files) != 0 {
		t.Errorf("expected 0 files, got %v", files)
	}
}

func TestWalk_WithFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		os.WriteFile(filepath.Join(dir, "file"+string(rune('a'+i))+".txt"), []byte("test"), 0644)
	}
	os.MkdirAll(filepath.Join(dir, "sub"), 0755)
	os.WriteFile(filepath.Join(dir, "sub", "x.go"), []byte("test"), 0644)

	files := walkFiles(t, NewFilter(nil, false), dir)
	if len(files) != 6 {
		t.Fatalf("expected 6 files, got %v", files)
	}
	if files[5] != "sub/x.go" {
		t.Errorf("expected slash-separated relative path, got %q", files[5])
	}
}

func TestWalk_ExcludesNodeModulesAndGit(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("test"), 0644)

	nmDir := filepath.Join(dir, "node_modules")
	os.MkdirAll(nmDir, 0755)
	os.WriteFile(filepath.Join(nmDir, "package.json"), []byte("test"), 0644)

	gitDir := filepath.Join(dir, ".git")
	os.MkdirAll(gitDir, 0755)
	os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref"), 0644)

	files := walkFiles(t, NewFilter(nil, false), dir)
	if len(files) != 1 || files[0] != "main.go" {
		t.Errorf("expected only main.go, got %v", files)
	}
}

func TestWalk_CustomExcludes(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "dist"), 0755)
	os.WriteFile(filepath.Join(dir, "dist", "out.js"), []byte("x"), 0644)
	os.MkdirAll(filepath.Join(dir, "node_modules"), 0755)
	os.WriteFile(filepath.Join(dir, "node_modules", "p.json"), []byte("x"), 0644)

	files := walkFiles(t, NewFilter([]string{"dist"}, false), dir)
	if len(files) != 1 || files[0] != "node_modules/p.json" {
		t.Errorf("expected only node_modules/p.json, got %v", files)
	}
}

func TestWalk_HiddenFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("test"), 0644)
	os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET"), 0644)
	claudeDir := filepath.Join(dir, ".claude")
	os.MkdirAll(claudeDir, 0755)
	os.WriteFile(filepath.Join(claudeDir, "CLAUDE.md"), []byte("config"), 0644)

	if files := walkFiles(t, NewFilter(nil, false), dir); len(files) != 3 {
		t.Errorf("expected hidden files tracked by default, got %v", files)
	}

	files := walkFiles(t, NewFilter(nil, true), dir)
	if len(files) != 2 || files[0] != ".claude/CLAUDE.md" || files[1] != "main.go" {
		t.Errorf("expected .claude kept and .env skipped, got %v", files)
	}
}

func TestFilter_Skip(t *testing.T) {
	f := NewFilter(nil, true)
	tests := []struct {
		rel  string
		want bool
	}{
		{"main.go", false},
		{"src/app.ts", false},
		{".git", true},
		{".git/HEAD", true},
		{"web/node_modules/x/index.js", true},
		{".env", true},
		{".claude/settings.json", false},
		{"pkg/.cache/blob", true},
	}
	for _, tt := range tests {
		if got := f.Skip(tt.rel, false); got != tt.want {
			t.Errorf("Skip(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestIsHidden(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".git", true},
		{".env", true},
		{".claude", true},
		{"main.go", false},
		{"node_modules", false},
		{"", false},
	}

	for _, tt := range tests {
		got := isHidden(tt.name)
		if got != tt.want {
			t.Errorf("isHidden(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

type changeRecorder struct {
	mu  sync.Mutex
	ids map[string]int
	ch  chan string
}

func newRecorder() *changeRecorder {
	return &changeRecorder{ids: make(map[string]int), ch: make(chan string, 16)}
}

func (r *changeRecorder) record(id string) {
	r.mu.Lock()
	r.ids[id]++
	r.mu.Unlock()
	select {
	case r.ch <- id:
	default:
	}
}

func (r *changeRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
		return ""
	}
}

func TestWatcher_NotifiesAllSessionsOnProject(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := New(NewFilter(nil, false), rec.record, WithDebounce(20*time.Millisecond))
	defer w.Shutdown()

	if err := w.Watch("s1", dir); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch("s2", dir); err != nil {
		t.Fatal(err)
	}

	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644)

	got := map[string]bool{rec.wait(t): true, rec.wait(t): true}
	if !got["s1"] || !got["s2"] {
		t.Errorf("expected both sessions notified, got %v", got)
	}
}

func TestWatcher_NewSubdirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := New(NewFilter(nil, false), rec.record, WithDebounce(20*time.Millisecond))
	defer w.Shutdown()

	if err := w.Watch("s1", dir); err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(filepath.Join(dir, "sub"), 0755)
	rec.wait(t)

	// Allow the create event to register the new directory.
	time.Sleep(50 * time.Millisecond)
	os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("x"), 0644)
	if id := rec.wait(t); id != "s1" {
		t.Errorf("unexpected session %q", id)
	}
}

func TestWatcher_UnwatchStopsNotifications(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := New(NewFilter(nil, false), rec.record, WithDebounce(20*time.Millisecond))
	defer w.Shutdown()

	if err := w.Watch("s1", dir); err != nil {
		t.Fatal(err)
	}
	if !w.Watching("s1") {
		t.Fatal("expected s1 to be watched")
	}
	w.Unwatch("s1")
	w.Unwatch("s1")
	if w.Watching("s1") {
		t.Fatal("s1 still watched after Unwatch")
	}

	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644)
	select {
	case id := <-rec.ch:
		t.Errorf("unexpected notification for %q", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_IgnoresExcludedChanges(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "node_modules"), 0755)
	rec := newRecorder()
	w := New(NewFilter(nil, false), rec.record, WithDebounce(20*time.Millisecond))
	defer w.Shutdown()

	if err := w.Watch("s1", dir); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "node_modules", "x.js"), []byte("x"), 0644)
	select {
	case id := <-rec.ch:
		t.Errorf("unexpected notification for %q", id)
	case <-time.After(200 * time.Millisecond):
	}
}

package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"claude-relay/internal/errkind"
)

const claudeCommand = "claude"

// Locator finds the claude executable.
type Locator interface {
	Locate() (string, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func() (string, error)

func (f LocatorFunc) Locate() (string, error) { return f() }

// BinaryLocator resolves the executable from an explicit path, then
// $PATH, then well-known install locations.
type BinaryLocator struct {
	Path       string
	Candidates []string
}

// DefaultCandidates are checked when claude is not on $PATH.
var DefaultCandidates = []string{
	"/usr/local/bin/claude",
	"/opt/homebrew/bin/claude",
	"~/.local/bin/claude",
	"~/.claude/local/claude",
}

func (l BinaryLocator) Locate() (string, error) {
	if l.Path != "" {
		p := expandHome(l.Path)
		if isExecutable(p) {
			return p, nil
		}
		return "", fmt.Errorf("%w: configured path %s is not executable", errkind.ErrBinaryNotFound, l.Path)
	}

	if p, err := exec.LookPath(claudeCommand); err == nil {
		return p, nil
	}

	candidates := l.Candidates
	if candidates == nil {
		candidates = DefaultCandidates
	}
	for _, c := range candidates {
		p := expandHome(c)
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in PATH or common locations", errkind.ErrBinaryNotFound)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func isExecutable(p string) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// Resolver validates a project path and returns its canonical form.
type Resolver interface {
	Resolve(path string) (string, error)
}

// DirResolver accepts existing, readable directories.
type DirResolver struct{}

func (DirResolver) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: project path is required", errkind.ErrInvalidProject)
	}
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", errkind.ErrInvalidProject, path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: working directory does not exist: %s", errkind.ErrInvalidProject, path)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: path is not a directory: %s", errkind.ErrInvalidProject, path)
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("%w: directory is not accessible: %s", errkind.ErrInvalidProject, path)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: directory is not readable: %s", errkind.ErrInvalidProject, path)
	}
	return abs, nil
}

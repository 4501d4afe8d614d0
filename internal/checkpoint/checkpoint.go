// Package checkpoint records restorable snapshots of a session's project
// tree and conversation. Checkpoints form a tree through parent pointers;
// each stores only the file delta against its parent, and file contents
// live in a content-addressed object store shared by all sessions.
//
// Restoring a checkpoint rewrites the project directory to match it
// exactly. Changes made since the last checkpoint that were never
// checkpointed themselves are discarded.
package checkpoint

import (
	"io/fs"
	"sort"
	"time"
)

// Op is the kind of change a FileChange records.
type Op string

const (
	OpAdd    Op = "add"
	OpModify Op = "modify"
	OpDelete Op = "delete"
)

// FileChange is one entry of a delta. Hash and Mode describe the new
// content; PrevHash the content being replaced or deleted.
type FileChange struct {
	Path     string      `cbor:"path" json:"path"`
	Op       Op          `cbor:"op" json:"op"`
	Hash     string      `cbor:"hash,omitempty" json:"hash,omitempty"`
	PrevHash string      `cbor:"prev,omitempty" json:"prevHash,omitempty"`
	Mode     fs.FileMode `cbor:"mode,omitempty" json:"mode,omitempty"`
	Size     int64       `cbor:"size,omitempty" json:"size,omitempty"`
}

// Trigger records why a checkpoint was taken.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerPrompt   Trigger = "prompt"
	TriggerResponse Trigger = "response"
	TriggerToolUse  Trigger = "tool_use"
)

// Checkpoint is an immutable snapshot record.
type Checkpoint struct {
	ID        string `cbor:"id" json:"id"`
	SessionID string `cbor:"session" json:"sessionId"`
	ParentID  string `cbor:"parent,omitempty" json:"parentId,omitempty"`
	// Sequence is the last event sequence number the checkpoint covers.
	Sequence     uint64       `cbor:"seq" json:"sequence"`
	MessageCount int          `cbor:"messages" json:"messageCount"`
	Changes      []FileChange `cbor:"changes" json:"changes"`
	// Conversation is the object holding the events in
	// (parent.Sequence, Sequence]. Empty when there were none.
	Conversation string    `cbor:"conversation,omitempty" json:"conversation,omitempty"`
	Label        string    `cbor:"label,omitempty" json:"label,omitempty"`
	Trigger      Trigger   `cbor:"trigger" json:"trigger"`
	CreatedAt    time.Time `cbor:"created" json:"createdAt"`
}

// CreateOptions parameterizes Create.
type CreateOptions struct {
	Label   string
	Trigger Trigger
	// SkipEmpty makes Create return ErrNoChanges instead of recording a
	// checkpoint with neither file changes nor new events.
	SkipEmpty bool
	// FilesOnly makes Create return ErrNoChanges unless the project tree
	// differs from the head; new events alone are not enough.
	FilesOnly bool
}

// RestoreOptions parameterizes Restore.
type RestoreOptions struct {
	// StopRunning cancels a running process instead of failing with
	// ErrSessionBusy.
	StopRunning bool
}

// Node is a checkpoint in the timeline tree.
type Node struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parentId,omitempty"`
	Label        string    `json:"label,omitempty"`
	Trigger      Trigger   `json:"trigger"`
	Sequence     uint64    `json:"sequence"`
	MessageCount int       `json:"messageCount"`
	FileChanges  int       `json:"fileChanges"`
	CreatedAt    time.Time `json:"createdAt"`
	Current      bool      `json:"current"`
	Children     []*Node   `json:"children,omitempty"`
}

// Timeline is the checkpoint tree of one session.
type Timeline struct {
	SessionID   string  `json:"sessionId"`
	ProjectPath string  `json:"projectPath"`
	CurrentID   string  `json:"currentId,omitempty"`
	Roots       []*Node `json:"roots"`
	Total       int     `json:"total"`
	// Dirty reports changes to the project since the current checkpoint
	// was created or restored.
	Dirty bool `json:"dirty"`
}

// DiffResult is the file delta that turns checkpoint From into To.
type DiffResult struct {
	From     string       `json:"from"`
	To       string       `json:"to"`
	Ancestor string       `json:"ancestor,omitempty"`
	Changes  []FileChange `json:"changes"`
}

// entry is the recorded state of one file.
type entry struct {
	Hash string
	Mode fs.FileMode
	Size int64
}

// state maps slash-separated project-relative paths to file entries.
type state map[string]entry

// compose replays deltas root first.
func compose(chain []*Checkpoint) state {
	st := make(state)
	for _, cp := range chain {
		for _, ch := range cp.Changes {
			switch ch.Op {
			case OpDelete:
				delete(st, ch.Path)
			default:
				st[ch.Path] = entry{Hash: ch.Hash, Mode: ch.Mode, Size: ch.Size}
			}
		}
	}
	return st
}

// diffStates returns the changes that turn from into to, sorted by path.
func diffStates(from, to state) []FileChange {
	changes := []FileChange{}
	for path, te := range to {
		fe, ok := from[path]
		switch {
		case !ok:
			changes = append(changes, FileChange{Path: path, Op: OpAdd, Hash: te.Hash, Mode: te.Mode, Size: te.Size})
		case fe.Hash != te.Hash || fe.Mode != te.Mode:
			changes = append(changes, FileChange{Path: path, Op: OpModify, Hash: te.Hash, PrevHash: fe.Hash, Mode: te.Mode, Size: te.Size})
		}
	}
	for path, fe := range from {
		if _, ok := to[path]; !ok {
			changes = append(changes, FileChange{Path: path, Op: OpDelete, PrevHash: fe.Hash})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// Package errkind defines the error taxonomy shared by the supervisor,
// broker and checkpoint store. Components wrap these sentinels with
// context; callers classify with errors.Is.
package errkind

import "errors"

var (
	ErrBinaryNotFound     = errors.New("claude CLI not found")
	ErrSpawnFailed        = errors.New("failed to start claude CLI")
	ErrInvalidProject     = errors.New("invalid project path")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionBusy        = errors.New("session busy")
	ErrTooManySessions    = errors.New("maximum session limit reached")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrRestoreConflict    = errors.New("restore conflict")
	ErrHasDescendants     = errors.New("checkpoint has descendants")
	ErrProcessCrashed     = errors.New("process crashed")
)

// Wire codes reported to clients.
const (
	CodeBinaryNotFound     = "BINARY_NOT_FOUND"
	CodeSpawnFailed        = "SPAWN_FAILED"
	CodeInvalidProject     = "INVALID_PROJECT"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionBusy        = "SESSION_BUSY"
	CodeTooManySessions    = "TOO_MANY_SESSIONS"
	CodeCheckpointNotFound = "CHECKPOINT_NOT_FOUND"
	CodeRestoreConflict    = "RESTORE_CONFLICT"
	CodeHasDescendants     = "HAS_DESCENDANTS"
	CodeProcessCrashed     = "PROCESS_CRASHED"
	CodeInternal           = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrBinaryNotFound, CodeBinaryNotFound},
	{ErrSpawnFailed, CodeSpawnFailed},
	{ErrInvalidProject, CodeInvalidProject},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrSessionBusy, CodeSessionBusy},
	{ErrTooManySessions, CodeTooManySessions},
	{ErrCheckpointNotFound, CodeCheckpointNotFound},
	{ErrRestoreConflict, CodeRestoreConflict},
	{ErrHasDescendants, CodeHasDescendants},
	{ErrProcessCrashed, CodeProcessCrashed},
}

// Code returns the wire code for err, or CodeInternal when err does not
// wrap one of the known sentinels.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

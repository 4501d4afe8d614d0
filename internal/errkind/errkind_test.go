package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("start: %w", ErrBinaryNotFound), CodeBinaryNotFound},
		{fmt.Errorf("restore abc: %w", ErrSessionBusy), CodeSessionBusy},
		{fmt.Errorf("wrapped twice: %w", fmt.Errorf("inner: %w", ErrCheckpointNotFound)), CodeCheckpointNotFound},
		{errors.New("disk on fire"), CodeInternal},
	}

	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

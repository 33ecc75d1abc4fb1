package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind classifies sandbox failures.
type ErrorKind string

const (
	TimeoutExceeded     ErrorKind = "TimeoutExceeded"
	MemoryLimitExceeded ErrorKind = "MemoryLimitExceeded"
	RuntimeError        ErrorKind = "RuntimeError"
	ForbiddenAPIAccess  ErrorKind = "ForbiddenAPIAccess"
)

// Error is returned for any failure inside user code.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Trace   string    `json:"trace,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s: %s", e.Kind, e.Message)
}

// Is matches another sandbox Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether running the same code again could succeed.
func (k ErrorKind) Retryable() bool {
	return k == RuntimeError
}

var (
	ErrTimeout   = &Error{Kind: TimeoutExceeded}
	ErrMemory    = &Error{Kind: MemoryLimitExceeded}
	ErrRuntime   = &Error{Kind: RuntimeError}
	ErrForbidden = &Error{Kind: ForbiddenAPIAccess}
)

var (
	hostPathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.@+\-]+)+\.(?:go|lua|so|s)(?::\d+)?`)
	goFramePattern  = regexp.MustCompile(`(?m)^\s*\[G\]:.*$\n?`)
)

// sanitize strips host file paths and Go frames from a Lua error or trace.
func sanitize(s string) string {
	s = goFramePattern.ReplaceAllString(s, "")
	s = hostPathPattern.ReplaceAllString(s, "<host>")
	return strings.TrimSpace(s)
}

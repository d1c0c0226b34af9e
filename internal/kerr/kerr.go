// Package kerr defines the error kinds shared by every subsystem in the
// kiwi systems engine (PMM, VMM, scheduler, filesystem).
package kerr

import "errors"

// Kind classifies a failure into broad categories. Callers compare with
// errors.Is against the sentinel below, not against Kind
// directly; Kind exists so a caller that needs to branch on category
// (logging, exit code, retry) can do so without string matching.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindOutOfMemory
	KindInvalidArgument
	KindNotFound
	KindConflict
	KindCorruption
	KindNotSupported
	KindIO
	KindExhausted
	KindRaceRetry
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out-of-memory"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	case KindCorruption:
		return "corruption"
	case KindNotSupported:
		return "not-supported"
	case KindIO:
		return "io-error"
	case KindExhausted:
		return "exhausted"
	case KindRaceRetry:
		return "race-retry"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind, the way machine.go wraps
// syscall/ioctl errors with a sentinel via fmt.Errorf("...: %w", err).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}

	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so that
// errors.Is(err, kerr.ErrOutOfMemory) matches any out-of-memory *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)

	return ok && t.Kind == e.Kind
}

// New builds an *Error for op classified as kind, optionally wrapping cause.
func New(kind Kind, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err, or an error it wraps, is an *Error of the given
// kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}

	return false
}

// Sentinels for the common cases, so callers that don't need the Op/cause
// detail can still do errors.Is(err, kerr.ErrOutOfMemory).
var (
	ErrOutOfMemory      = New(KindOutOfMemory, "alloc", nil)
	ErrInvalidArgument  = New(KindInvalidArgument, "validate", nil)
	ErrNotFound         = New(KindNotFound, "lookup", nil)
	ErrConflict         = New(KindConflict, "overlap", nil)
	ErrCorruption       = New(KindCorruption, "checksum", nil)
	ErrNotSupported     = New(KindNotSupported, "feature", nil)
	ErrIO               = New(KindIO, "io", nil)
	ErrExhausted        = New(KindExhausted, "exhausted", nil)
	ErrRaceRetryExpired = New(KindRaceRetry, "cas-retry", nil)
)

// Package errors provides the error taxonomy for chatrelay.
//
// Every socket failure is wrapped in a NetError whose Kind tells the
// caller how far it may propagate: bind and multiplexer failures end
// the process, everything else is contained at the connection that
// caused it.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrWouldBlock reports that a non-blocking socket had nothing to
	// offer.  Under readiness-triggered calls it should not happen, but
	// callers treat it as a harmless no-op.
	ErrWouldBlock = errors.New("operation would block")

	// ErrShutdown is returned by the multiplexer once an administrative
	// stop has been requested.
	ErrShutdown = errors.New("multiplexer shut down")

	// ErrWriteStalled means a recipient did not become writable within
	// the configured write timeout.
	ErrWriteStalled = errors.New("write stalled")

	// ErrDuplicate is returned when a handle is registered twice.
	ErrDuplicate = errors.New("handle already registered")

	// ErrClosed is returned by operations on a closed registry or poller.
	ErrClosed = errors.New("use of closed relay resource")
)

// ── Structured error types ───────────────────────────────────────────

// Kind classifies a NetError by the stage at which it happened.
type Kind int

const (
	KindBind Kind = iota + 1
	KindAccept
	KindRead
	KindWrite
	KindMultiplexer
)

func (k Kind) String() string {
	switch k {
	case KindBind:
		return "bind"
	case KindAccept:
		return "accept"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindMultiplexer:
		return "multiplexer"
	default:
		return "unknown"
	}
}

// NetError represents a failure in a socket or readiness operation.
type NetError struct {
	Kind Kind
	Addr string // local or remote address involved, may be empty
	Err  error
}

func (e *NetError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *NetError) Unwrap() error { return e.Err }

// Fatal reports whether the error must terminate the relay.  Only
// bind-time and multiplexer failures are fatal.
func (e *NetError) Fatal() bool {
	return e.Kind == KindBind || e.Kind == KindMultiplexer
}

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetError.  A nil err yields nil.
func Wrap(kind Kind, addr string, err error) error {
	if err == nil {
		return nil
	}
	return &NetError{Kind: kind, Addr: addr, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// KindOf returns the Kind of the first NetError in err's chain, or 0.
func KindOf(err error) Kind {
	var ne *NetError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return 0
}

// IsFatal reports whether err carries a fatal NetError.
func IsFatal(err error) bool {
	var ne *NetError
	if errors.As(err, &ne) {
		return ne.Fatal()
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use chatrelay/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }

// Package errs defines the error taxonomy shared by the allocator, cache,
// state store and coordinator. Every error carries enough context (model,
// device, requested size) for a caller to pick a remediation.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Kind classifies an Error.
type Kind string

const (
	KindInsufficientMemory     Kind = "insufficient_memory"
	KindNotFound               Kind = "not_found"
	KindDeviceUnavailable      Kind = "device_unavailable"
	KindEvictionBlocked        Kind = "eviction_blocked"
	KindCacheFull              Kind = "cache_full"
	KindRequestAlreadyInFlight Kind = "request_already_in_flight"
	KindCoordinationTimeout    Kind = "coordination_timeout"
	KindStateInconsistent      Kind = "state_inconsistent"
	KindInvalidTransition      Kind = "invalid_transition"
	KindInvalidArgument        Kind = "invalid_argument"
)

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind    Kind
	ModelID string
	Device  string
	Size    uint64
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	var ctx []string
	if e.ModelID != "" {
		ctx = append(ctx, "model="+e.ModelID)
	}
	if e.Device != "" {
		ctx = append(ctx, "device="+e.Device)
	}
	if e.Size > 0 {
		ctx = append(ctx, "size="+humanize.IBytes(e.Size))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// WithModel returns a copy of e annotated with a model id.
func (e *Error) WithModel(id string) *Error {
	c := *e
	c.ModelID = id
	return &c
}

// WithDevice returns a copy of e annotated with a device id.
func (e *Error) WithDevice(dev string) *Error {
	c := *e
	c.Device = dev
	return &c
}

// WithSize returns a copy of e annotated with the requested size.
func (e *Error) WithSize(n uint64) *Error {
	c := *e
	c.Size = n
	return &c
}

// KindOf reports the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func IsInsufficientMemory(err error) bool     { return Is(err, KindInsufficientMemory) }
func IsNotFound(err error) bool               { return Is(err, KindNotFound) }
func IsDeviceUnavailable(err error) bool      { return Is(err, KindDeviceUnavailable) }
func IsEvictionBlocked(err error) bool        { return Is(err, KindEvictionBlocked) }
func IsCacheFull(err error) bool              { return Is(err, KindCacheFull) }
func IsRequestAlreadyInFlight(err error) bool { return Is(err, KindRequestAlreadyInFlight) }
func IsCoordinationTimeout(err error) bool    { return Is(err, KindCoordinationTimeout) }
func IsStateInconsistent(err error) bool      { return Is(err, KindStateInconsistent) }
func IsInvalidTransition(err error) bool      { return Is(err, KindInvalidTransition) }
func IsInvalidArgument(err error) bool        { return Is(err, KindInvalidArgument) }

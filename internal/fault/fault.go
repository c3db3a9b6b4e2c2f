// Package fault defines the error taxonomy shared by the worker runtime.
// Every failure that crosses a package boundary carries a Kind so callers
// can map it to a numeric code, an HTTP status, or a retry decision.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	Unknown Kind = iota
	BackendInitFailed
	PathInvalid
	ModelLoadFailed
	ContextCreateFailed
	SwapInProgress
	SessionNotFound
	ContextWindowExceeded
	ImageDecodeFailed
	ProjectorUnsupported
	ConnectionFailed
	ProtocolError
	BufferTooSmall
	InvalidArgument
	TooBusy
	StaleHandle
)

var kindNames = map[Kind]string{
	Unknown:               "Unknown",
	BackendInitFailed:     "BackendInitFailed",
	PathInvalid:           "PathInvalid",
	ModelLoadFailed:       "ModelLoadFailed",
	ContextCreateFailed:   "ContextCreateFailed",
	SwapInProgress:        "SwapInProgress",
	SessionNotFound:       "SessionNotFound",
	ContextWindowExceeded: "ContextWindowExceeded",
	ImageDecodeFailed:     "ImageDecodeFailed",
	ProjectorUnsupported:  "ProjectorUnsupported",
	ConnectionFailed:      "ConnectionFailed",
	ProtocolError:         "ProtocolError",
	BufferTooSmall:        "BufferTooSmall",
	InvalidArgument:       "InvalidArgument",
	TooBusy:               "TooBusy",
	StaleHandle:           "StaleHandle",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Code is the numeric form used by the exported lifecycle surface.
// The first four match the historical set_model return codes.
func (k Kind) Code() int {
	if k == Unknown {
		return -100
	}
	return -int(k)
}

// Retryable reports whether an operation failing with k may succeed later
// without caller changes.
func (k Kind) Retryable() bool {
	switch k {
	case SwapInProgress, ConnectionFailed, TooBusy:
		return true
	}
	return false
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	case e.Err != nil:
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of kind k with a formatted message.
func New(k Kind, op, format string, args ...any) error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err as kind k. A nil err yields a bare kind error.
func Wrap(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Code maps err to the numeric lifecycle code; nil maps to 0.
func Code(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).Code()
}

// Retryable reports whether err is classified as a retryable kind.
func Retryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

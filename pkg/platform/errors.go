package platform

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a bus error.
type ErrorKind string

const (
	// KindInvalidArgument marks a malformed descriptor or argument.
	KindInvalidArgument ErrorKind = "invalid_argument"

	// KindAlreadyExists marks a name or triple collision among siblings.
	KindAlreadyExists ErrorKind = "already_exists"

	// KindNotFound marks an operation on an unknown device or record.
	KindNotFound ErrorKind = "not_found"

	// KindOutOfMemory marks a failure to retain a durable copy.
	KindOutOfMemory ErrorKind = "out_of_memory"

	// KindAlreadyBound marks a rejected second protocol registration.
	KindAlreadyBound ErrorKind = "already_bound"

	// KindUnavailable marks a broker that cannot be reached.
	KindUnavailable ErrorKind = "unavailable"

	// KindInternal is used for anything else.
	KindInternal ErrorKind = "internal"
)

// BusError is the error type returned by Bus implementations.
type BusError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Device names the device involved, if any.
	Device string `json:"device,omitempty"`

	// Operation is the bus operation that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries extra context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *BusError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Device != "" && e.Operation != "" {
		msg = fmt.Sprintf("[%s] %s (device=%s, operation=%s)", e.Kind, e.Message, e.Device, e.Operation)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("[%s] %s (operation=%s)", e.Kind, e.Message, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *BusError) Unwrap() error {
	return e.Err
}

// Is matches any *BusError of the same kind.
func (e *BusError) Is(target error) bool {
	t, ok := target.(*BusError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a BusError of the given kind.
func NewError(kind ErrorKind, message string, err error) *BusError {
	return &BusError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(message string, err error) *BusError {
	return NewError(KindInvalidArgument, message, err)
}

// AlreadyExists creates an already exists error.
func AlreadyExists(message string, err error) *BusError {
	return NewError(KindAlreadyExists, message, err)
}

// NotFound creates a not found error.
func NotFound(message string, err error) *BusError {
	return NewError(KindNotFound, message, err)
}

// OutOfMemory creates an out of memory error.
func OutOfMemory(message string, err error) *BusError {
	return NewError(KindOutOfMemory, message, err)
}

// AlreadyBound creates an already bound error.
func AlreadyBound(message string, err error) *BusError {
	return NewError(KindAlreadyBound, message, err)
}

// WithDevice adds device context to an error.
func (e *BusError) WithDevice(device string) *BusError {
	e.Device = device
	return e
}

// WithOperation adds operation context to an error.
func (e *BusError) WithOperation(operation string) *BusError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error.
func (e *BusError) WithDetail(key string, value interface{}) *BusError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidArgument = &BusError{Kind: KindInvalidArgument}
	ErrAlreadyExists   = &BusError{Kind: KindAlreadyExists}
	ErrNotFound        = &BusError{Kind: KindNotFound}
	ErrOutOfMemory     = &BusError{Kind: KindOutOfMemory}
	ErrAlreadyBound    = &BusError{Kind: KindAlreadyBound}
	ErrUnavailable     = &BusError{Kind: KindUnavailable}
)

// KindOf returns the kind of err, or KindInternal for foreign errors.
// A nil error has an empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *BusError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsInvalidArgument reports whether err is an invalid argument error.
func IsInvalidArgument(err error) bool { return KindOf(err) == KindInvalidArgument }

// IsAlreadyExists reports whether err is an already exists error.
func IsAlreadyExists(err error) bool { return KindOf(err) == KindAlreadyExists }

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsOutOfMemory reports whether err is an out of memory error.
func IsOutOfMemory(err error) bool { return KindOf(err) == KindOutOfMemory }

// IsAlreadyBound reports whether err is an already bound error.
func IsAlreadyBound(err error) bool { return KindOf(err) == KindAlreadyBound }

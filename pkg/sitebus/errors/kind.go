// Package errors defines the closed set of failure kinds produced by the bus
// and helpers for classifying, wrapping, and retrying them.
//
// The bus separates failures into a few kinds:
//   - Contract: the caller handed the bus something it cannot accept
//   - Routing: the destination or command does not exist
//   - Handler: a handler returned an error or panicked
//   - Timeout: no response arrived in time
//
// Only contract violations are returned to the immediate caller as a matter of
// course. Routing failures resolve the command with a no-such-method response,
// and handler failures are contained at the loop that ran the handler.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a bus error.
type Kind int

const (
	// KindInternal is any error the bus did not produce itself.
	KindInternal Kind = iota

	// KindContract indicates a malformed package, a conflicting registration,
	// or a lifecycle misuse.
	KindContract

	// KindRouting indicates an unknown destination or command.
	KindRouting

	// KindHandler indicates a handler error or panic.
	KindHandler

	// KindTimeout indicates no response arrived within the deadline.
	KindTimeout
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindContract:
		return "contract"
	case KindRouting:
		return "routing"
	case KindHandler:
		return "handler"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Contract violations.
var (
	// ErrInvalidPackage indicates a nil package, an unknown channel type, or a
	// payload that does not match its channel.
	ErrInvalidPackage = errors.New("invalid package")

	// ErrAlreadyRegistered indicates a name is already bound to another target.
	ErrAlreadyRegistered = errors.New("name already registered")

	// ErrInvalidTarget indicates a nil target or a target without a name.
	ErrInvalidTarget = errors.New("invalid command target")

	// ErrAlreadyStarted indicates Start was called on a running destination.
	ErrAlreadyStarted = errors.New("destination already started")

	// ErrClosed indicates the component has been closed.
	ErrClosed = errors.New("closed")

	// ErrDuplicateResponse indicates a second response for a completed command.
	ErrDuplicateResponse = errors.New("duplicate response")

	// ErrUnknownTransaction indicates a response for a command this manager never saw.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrSchemaMismatch indicates data fields that differ from the channel metadata.
	ErrSchemaMismatch = errors.New("fields do not match channel metadata")

	// ErrInvalidConfig indicates settings the framework cannot run with.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Routing failures.
var (
	// ErrUnknownDestination indicates no target is registered under the name.
	ErrUnknownDestination = errors.New("unknown destination")

	// ErrUnknownCommand indicates the target does not expose the command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrWrongDestination indicates a command package delivered to a target
	// other than the one it names.
	ErrWrongDestination = errors.New("command addressed to another destination")
)

// ErrHandlerPanic is matched by every PanicError.
var ErrHandlerPanic = errors.New("handler panicked")

// ErrCommandFailed indicates the command ran and returned an error.
var ErrCommandFailed = errors.New("command failed")

// ErrTimeout indicates no response arrived within the requested window.
var ErrTimeout = errors.New("timed out waiting for response")

// RoutingError records which destination and command could not be reached.
type RoutingError struct {
	Destination string
	Command     string
	CommandID   uint64
	Err         error
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	return fmt.Sprintf("command %d %s.%s: %v", e.CommandID, e.Destination, e.Command, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *RoutingError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic recovered from a handler.
type PanicError struct {
	// Where names the destination or target that panicked.
	Where string
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Where, e.Value)
}

// Is reports PanicError as ErrHandlerPanic.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanic
}

// HandlerError wraps an error returned by a handler with its location.
type HandlerError struct {
	Where     string
	PackageID uint64
	Err       error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: package %d: %v", e.Where, e.PackageID, e.Err)
}

// Unwrap returns the handler's error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Categorize determines the kind of an error.
func Categorize(err error) Kind {
	if err == nil {
		return KindInternal
	}

	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrUnknownDestination),
		errors.Is(err, ErrUnknownCommand),
		errors.Is(err, ErrWrongDestination):
		return KindRouting
	case errors.Is(err, ErrHandlerPanic), errors.Is(err, ErrCommandFailed):
		return KindHandler
	case errors.Is(err, ErrInvalidPackage),
		errors.Is(err, ErrAlreadyRegistered),
		errors.Is(err, ErrInvalidTarget),
		errors.Is(err, ErrAlreadyStarted),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrDuplicateResponse),
		errors.Is(err, ErrUnknownTransaction),
		errors.Is(err, ErrSchemaMismatch),
		errors.Is(err, ErrInvalidConfig):
		return KindContract
	}

	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return KindHandler
	}
	return KindInternal
}

// IsRouting reports whether the error is an unknown destination or command.
func IsRouting(err error) bool {
	return Categorize(err) == KindRouting
}

// IsTimeout reports whether the error is a response timeout.
func IsTimeout(err error) bool {
	return Categorize(err) == KindTimeout
}

package isolate

import (
	"errors"
	"fmt"
)

// Process exit codes for an error that terminated the main isolate.
const (
	ExitCodeOK           = 0
	ExitCodeCompileError = 254
	ExitCodeRuntimeError = 255
)

var (
	// ErrFatal wraps failures to create the OS primitives the runtime
	// depends on. These only occur during startup.
	ErrFatal = errors.New("isolate: fatal")

	// ErrRuntimeClosed is returned by operations on a shut down Runtime.
	ErrRuntimeClosed = errors.New("isolate: runtime closed")

	// ErrCreationDisabled is returned when creating an isolate while the
	// registry refuses new isolates.
	ErrCreationDisabled = errors.New("isolate: isolate creation disabled")

	// ErrAlreadyRunnable is returned by a second call to MakeRunnable.
	ErrAlreadyRunnable = errors.New("isolate: isolate already runnable")

	// ErrNotMutator is returned by operations that must be called from the
	// goroutine currently running the isolate.
	ErrNotMutator = errors.New("isolate: not called from the isolate's mutator")

	// ErrIsolateShutdown is returned by operations on an isolate that has
	// started tearing down.
	ErrIsolateShutdown = errors.New("isolate: isolate is shutting down")

	// ErrPollerUnavailable is returned by I/O operations when the runtime
	// has no event multiplexer.
	ErrPollerUnavailable = errors.New("isolate: event multiplexer unavailable")
)

// LanguageError is a compile-time style error, e.g. a spawn target that
// could not be resolved.
type LanguageError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *LanguageError) Error() string {
	if e.Message == "" {
		return "language error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *LanguageError) Unwrap() error {
	return e.Cause
}

// UnhandledException is an error that escaped a message listener or entry
// point, including recovered panics.
type UnhandledException struct {
	Cause error
	// Panic is the recovered value, if the exception was a panic.
	Panic any
	Stack string
}

// Error implements the error interface.
func (e *UnhandledException) Error() string {
	switch {
	case e.Cause != nil:
		return "Unhandled exception: " + e.Cause.Error()
	case e.Panic != nil:
		return fmt.Sprintf("Unhandled exception: panic: %v", e.Panic)
	default:
		return "Unhandled exception"
	}
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *UnhandledException) Unwrap() error {
	return e.Cause
}

// UnwindError unwinds a running isolate without running any more managed
// code, e.g. because it was killed.
type UnwindError struct {
	Message string
	// UserInitiated is true for kills requested through the isolate's
	// terminate capability, and false for runtime shutdown.
	UserInitiated bool
}

// Error implements the error interface.
func (e *UnwindError) Error() string {
	if e.Message == "" {
		return "isolate unwound"
	}
	return e.Message
}

// DeserializationError is a message payload that could not be decoded by
// the receiving isolate.
type DeserializationError struct {
	Cause error
	Port  Port
}

// Error implements the error interface.
func (e *DeserializationError) Error() string {
	return fmt.Sprintf("isolate: failed to deserialize message for port %d: %v", e.Port, e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *DeserializationError) Unwrap() error {
	return e.Cause
}

// IsUnwind reports whether err is an UnwindError.
func IsUnwind(err error) bool {
	var unwind *UnwindError
	return errors.As(err, &unwind)
}

// ExitCode classifies an error terminating the main isolate.
func ExitCode(err error) int {
	if err == nil || IsUnwind(err) {
		return ExitCodeOK
	}
	var lang *LanguageError
	if errors.As(err, &lang) {
		return ExitCodeCompileError
	}
	return ExitCodeRuntimeError
}

// classify returns a short label for reports.
func classify(err error) string {
	switch ExitCode(err) {
	case ExitCodeCompileError:
		return "compile-time error"
	case ExitCodeRuntimeError:
		return "runtime error"
	default:
		return "none"
	}
}

// Package errors provides standardized error handling patterns for statebus
// subsystems. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping across the daemon.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorProtocol represents malformed or incomplete inbound bus messages;
	// rejected with an error reply to the sender, never propagated as a crash
	ErrorProtocol ErrorClass = iota
	// ErrorReentrancy represents a nested pipe write detected mid-iteration;
	// recovered locally with a logged warning
	ErrorReentrancy
	// ErrorIdentity represents peer identity discovery failures (no owner,
	// lookup timeout); treated as a terminal Stopped transition for the peer
	ErrorIdentity
	// ErrorPrivilege represents a privileged operation denied to an
	// unprivileged caller; always answered with an explicit error reply
	ErrorPrivilege
	// ErrorRegistry represents bookkeeping mistakes such as unregistering a
	// handler that is not registered; logged and treated as a no-op
	ErrorRegistry
	// ErrorFatal represents unrecoverable setup failures that abort startup
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorProtocol:
		return "protocol"
	case ErrorReentrancy:
		return "reentrancy"
	case ErrorIdentity:
		return "identity"
	case ErrorPrivilege:
		return "privilege"
	case ErrorRegistry:
		return "registry"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Event loop lifecycle errors
	ErrAlreadyStarted = errors.New("loop already started")
	ErrNotStarted     = errors.New("loop not started")
	ErrLoopStopped    = errors.New("loop stopped")
	ErrOffLoopCall    = errors.New("call outside event loop thread")

	// Pipe errors
	ErrNilPipe           = errors.New("nil pipe handle")
	ErrFilteringDenied   = errors.New("filtering not allowed on pipe")
	ErrReentrantWrite    = errors.New("re-entrant pipe write")
	ErrUnknownPipe       = errors.New("unknown pipe name")
	ErrValueKindMismatch = errors.New("value kind mismatch")

	// Bus routing errors
	ErrInvalidMessage   = errors.New("malformed bus message")
	ErrMissingArgument  = errors.New("missing message argument")
	ErrInvalidRule      = errors.New("invalid match rule")
	ErrNotRegistered    = errors.New("handler not registered")
	ErrDuplicateHandler = errors.New("handler already registered")

	// Peer tracking errors
	ErrNoOwner           = errors.New("bus name has no owner")
	ErrPeerUnknown       = errors.New("peer identity unknown")
	ErrPrivilegeRequired = errors.New("reserved for privileged users")
	ErrQueryCanceled     = errors.New("identity query canceled")

	// Settings store errors
	ErrUnknownKey   = errors.New("unknown settings key")
	ErrTypeMismatch = errors.New("settings value type mismatch")

	// Startup errors
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrBusUnavailable = errors.New("bus connection unavailable")
	ErrNameClaim      = errors.New("bus name claim failed")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify returns the error class for an error. Unclassified errors default
// to ErrorProtocol, the class whose handling (reject and continue) is safe for
// anything that reaches a reply path.
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrReentrantWrite):
		return ErrorReentrancy
	case errors.Is(err, ErrNoOwner), errors.Is(err, ErrPeerUnknown), errors.Is(err, ErrQueryCanceled):
		return ErrorIdentity
	case errors.Is(err, ErrPrivilegeRequired):
		return ErrorPrivilege
	case errors.Is(err, ErrNotRegistered), errors.Is(err, ErrDuplicateHandler),
		errors.Is(err, ErrUnknownPipe), errors.Is(err, ErrFilteringDenied):
		return ErrorRegistry
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrBusUnavailable), errors.Is(err, ErrNameClaim):
		return ErrorFatal
	default:
		return ErrorProtocol
	}
}

// IsFatal checks if an error should abort startup
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err) == ErrorFatal
}

// IsPrivilege checks if an error is a privilege denial
func IsPrivilege(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err) == ErrorPrivilege
}

// IsRegistry checks if an error is a registry bookkeeping mistake
func IsRegistry(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err) == ErrorRegistry
}

// newClassified creates a new classified error
// This is an internal helper - use the Wrap* functions instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// wrapClass wraps an error with both context and a class
func wrapClass(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(class, wrappedErr, component, method, wrappedErr.Error())
}

// WrapProtocol wraps an error as a protocol error with context
func WrapProtocol(err error, component, method, action string) error {
	return wrapClass(ErrorProtocol, err, component, method, action)
}

// WrapIdentity wraps an error as an identity-discovery failure with context
func WrapIdentity(err error, component, method, action string) error {
	return wrapClass(ErrorIdentity, err, component, method, action)
}

// WrapPrivilege wraps an error as a privilege denial with context
func WrapPrivilege(err error, component, method, action string) error {
	return wrapClass(ErrorPrivilege, err, component, method, action)
}

// WrapRegistry wraps an error as a registry bookkeeping error with context
func WrapRegistry(err error, component, method, action string) error {
	return wrapClass(ErrorRegistry, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapClass(ErrorFatal, err, component, method, action)
}

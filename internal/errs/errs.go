// Package errs defines the engine's closed error-kind taxonomy and the
// typed error that carries it across component boundaries.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories the engine surfaces. New
// kinds are never added by callers; they are declared here only.
type Kind string

const (
	NotFound            Kind = "NotFound"
	InvariantViolation  Kind = "InvariantViolation"
	CorruptObject       Kind = "CorruptObject"
	Timeout             Kind = "Timeout"
	ProviderUnavailable Kind = "ProviderUnavailable"
	GenerationCancelled Kind = "GenerationCancelled"
	RateLimited         Kind = "RateLimited"
	ConfigError         Kind = "ConfigError"
	// ContextOverflow is specific to the LLM client contract (spec §4.5);
	// it is not part of the RPC-facing closed set in §7 but is surfaced
	// the same way so C7's restart-context logic can react to it.
	ContextOverflow Kind = "ContextOverflow"
)

// Error is the typed error every component surfaces instead of an
// untyped error string. Component is the package raising it ("objectstore",
// "analyzer", ...), used only for log/debug context.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(component string, kind Kind, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Wrap builds an *Error wrapping an underlying cause.
func Wrap(component string, kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise returns "" and false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

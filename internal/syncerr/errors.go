// Package syncerr defines the error kinds the connector distinguishes between.
// Only authentication and protocol errors abort an invocation; everything else
// is contained at the entity level.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindTransientNetwork
	KindEntityExtraction
	KindValidationRejection
	KindAggregationSkipped
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindTransientNetwork:
		return "transient_network"
	case KindEntityExtraction:
		return "entity_extraction"
	case KindValidationRejection:
		return "validation_rejection"
	case KindAggregationSkipped:
		return "aggregation_skipped"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a categorized error, optionally scoped to one entity.
type Error struct {
	Kind   Kind
	Entity string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Entity != "" {
		msg = fmt.Sprintf("%s: %s", e.Entity, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ForEntity scopes the error to an entity.
func (e *Error) ForEntity(entity string) *Error {
	e.Entity = entity
	return e
}

// KindOf returns the kind of the outermost categorized error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsFatal reports whether the error must abort the whole invocation.
func IsFatal(err error) bool {
	return Is(err, KindAuthentication) || Is(err, KindProtocol)
}

package model

import (
	"errors"
	"fmt"
)

// Kind is the stable, client-visible classification of an error.
// Clients key their retry strategy off the kind.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindInvalidProject     Kind = "InvalidProject"
	KindResourceExhausted  Kind = "ResourceExhausted"
	KindSpawn              Kind = "SpawnError"
	KindConnection         Kind = "ConnectionError"
	KindConnectionRejected Kind = "ConnectionRejected"
	KindBindTimeout        Kind = "BindTimeout"
	KindNotFound           Kind = "NotFound"
	KindInternal           Kind = "Internal"
)

// Error is the typed error that crosses component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is checks.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrInvalidProject     = &Error{Kind: KindInvalidProject}
	ErrResourceExhausted  = &Error{Kind: KindResourceExhausted}
	ErrSpawn              = &Error{Kind: KindSpawn}
	ErrConnection         = &Error{Kind: KindConnection}
	ErrConnectionRejected = &Error{Kind: KindConnectionRejected}
	ErrBindTimeout        = &Error{Kind: KindBindTimeout}
	ErrSessionNotFound    = &Error{Kind: KindNotFound}
)

// NewError builds a typed error.
func NewError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error around a cause.
func WrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a caller may retry later with backoff.
// Validation failures are never retryable, and neither is an error caused by
// a missing or invalid target, whatever its outer kind.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindResourceExhausted, KindSpawn, KindConnection, KindConnectionRejected, KindBindTimeout:
		return !errors.Is(err, ErrSessionNotFound) && !errors.Is(err, ErrValidation)
	}
	return false
}

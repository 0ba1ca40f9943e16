package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies runtime failures. Kinds are stable strings because
// they are persisted on jobs and audit entries.
type ErrorKind string

const (
	KindCapacityExceeded       ErrorKind = "capacity_exceeded"
	KindCapabilityDenied       ErrorKind = "capability_denied"
	KindEndpointNotAllowed     ErrorKind = "endpoint_not_allowed"
	KindCredentialLeakDetected ErrorKind = "credential_leak_detected"
	KindResourceLimitExceeded  ErrorKind = "resource_limit_exceeded"
	KindToolFault              ErrorKind = "tool_fault"
	KindToolRepeatedFailure    ErrorKind = "tool_repeated_failure"
	KindUpstreamUnavailable    ErrorKind = "upstream_unavailable"
	KindSafetyBlocked          ErrorKind = "safety_blocked"
	KindInvalidArguments       ErrorKind = "invalid_arguments"
	KindJobStuck               ErrorKind = "job_stuck"
	KindCancelled              ErrorKind = "cancelled"
	KindInternal               ErrorKind = "internal"
)

// Error carries a kind, a message that is safe to show to users and to the
// model, and an internal cause that is only ever logged.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrCapacityExceeded       = &Error{Kind: KindCapacityExceeded}
	ErrCapabilityDenied       = &Error{Kind: KindCapabilityDenied}
	ErrEndpointNotAllowed     = &Error{Kind: KindEndpointNotAllowed}
	ErrCredentialLeakDetected = &Error{Kind: KindCredentialLeakDetected}
	ErrResourceLimitExceeded  = &Error{Kind: KindResourceLimitExceeded}
	ErrToolFault              = &Error{Kind: KindToolFault}
	ErrToolRepeatedFailure    = &Error{Kind: KindToolRepeatedFailure}
	ErrUpstreamUnavailable    = &Error{Kind: KindUpstreamUnavailable}
	ErrSafetyBlocked          = &Error{Kind: KindSafetyBlocked}
	ErrInvalidArguments       = &Error{Kind: KindInvalidArguments}
	ErrJobStuck               = &Error{Kind: KindJobStuck}
	ErrCancelled              = &Error{Kind: KindCancelled}
)

// NewError builds a classified error. msg must not contain secrets or policy
// details; cause may.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Errorf builds a classified error with a formatted safe message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var publicText = map[ErrorKind]string{
	KindCapacityExceeded:       "the runtime is at capacity, try again later",
	KindCapabilityDenied:       "tool call denied: capability not permitted",
	KindEndpointNotAllowed:     "tool call denied: endpoint not allowed",
	KindCredentialLeakDetected: "tool call blocked: credential material detected",
	KindResourceLimitExceeded:  "tool exceeded its resource budget",
	KindToolFault:              "tool failed",
	KindToolRepeatedFailure:    "a tool failed repeatedly",
	KindUpstreamUnavailable:    "the language model is unavailable",
	KindSafetyBlocked:          "content blocked by safety policy",
	KindInvalidArguments:       "invalid tool arguments",
	KindJobStuck:               "job made no progress and was stopped",
	KindCancelled:              "job cancelled",
	KindInternal:               "internal error",
}

// PublicMessage renders err for users and the model. Internal causes are
// never included.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return publicText[KindInternal]
	}
	base := publicText[e.Kind]
	if base == "" {
		base = string(e.Kind)
	}
	if e.Msg != "" {
		return base + ": " + e.Msg
	}
	return base
}

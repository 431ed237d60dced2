// Package apperr defines the error taxonomy shared by the registry core and
// its adapters. Errors carry a Kind for coarse handling and a Reason code that
// adapters turn into user-facing messages.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotAuthenticated Kind = "not_authenticated"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not_found"
	KindInvalidState     Kind = "invalid_state"
	KindValidation       Kind = "validation_failed"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindConflict         Kind = "conflict"
	KindInternal         Kind = "internal"
)

type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNotAuthenticated   Reason = "not_authenticated"
	ReasonBlocked            Reason = "blocked"
	ReasonSelfAction         Reason = "self_action"
	ReasonHierarchyViolation Reason = "hierarchy_violation"
	ReasonNotOwner           Reason = "not_owner"
	ReasonSelfReview         Reason = "self_review"
	ReasonRoleRequired       Reason = "role_required"
	ReasonDefaultDeny        Reason = "default_deny"
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonTokenExpired       Reason = "token_expired"
	ReasonTokenConsumed      Reason = "token_consumed"
	ReasonTokenUnknown       Reason = "token_unknown"
	ReasonLimitReached       Reason = "limit_reached"
	ReasonPartiallyAccepted  Reason = "partially_accepted"
	ReasonDuplicateEmail     Reason = "duplicate_email"
	ReasonStaleState         Reason = "stale_state"
)

// Error is the concrete error type returned by the core.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// Kind sentinels for errors.Is.
var (
	ErrNotAuthenticated = &Error{Kind: KindNotAuthenticated}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrQuotaExceeded    = &Error{Kind: KindQuotaExceeded}
	ErrConflict         = &Error{Kind: KindConflict}
)

func New(kind Kind, reason Reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

func Wrap(err error, kind Kind, reason Reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg, Err: err}
}

func NotAuthenticated(msg string) *Error {
	return New(KindNotAuthenticated, ReasonNotAuthenticated, msg)
}

func Forbidden(reason Reason, msg string) *Error {
	return New(KindForbidden, reason, msg)
}

func NotFound(msg string) *Error {
	return New(KindNotFound, ReasonNone, msg)
}

func InvalidState(msg string) *Error {
	return New(KindInvalidState, ReasonNone, msg)
}

func Validation(msg string) *Error {
	return New(KindValidation, ReasonNone, msg)
}

// InvalidToken reports an unusable password reset token.
func InvalidToken(reason Reason, msg string) *Error {
	return New(KindValidation, reason, msg)
}

func Conflict(reason Reason, msg string) *Error {
	return New(KindConflict, reason, msg)
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the Reason of err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

// ForbiddenReason builds a matcher for errors.Is on a specific denial.
func ForbiddenReason(reason Reason) error {
	return &Error{Kind: KindForbidden, Reason: reason}
}

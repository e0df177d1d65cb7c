package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindAuth          ErrorKind = "auth"
	KindValidation    ErrorKind = "validation"
	KindRateLimit     ErrorKind = "rate_limit"
	KindAuthorization ErrorKind = "authorization"
	KindPersistence   ErrorKind = "persistence"
	KindDispatch      ErrorKind = "dispatch"
)

// Auth failure reasons carried in Error.Code.
const (
	ReasonMissing        = "missing"
	ReasonMalformed      = "malformed"
	ReasonExpired        = "expired"
	ReasonUnknownSubject = "unknown-subject"
	ReasonLoginRequired  = "login-required"
)

type Error struct {
	Kind    ErrorKind `json:"-"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on kind and code so callers can compare against sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func AuthError(reason string) error {
	return &Error{Kind: KindAuth, Code: reason, Message: "authentication failed: " + reason}
}

func ValidationError(msg string) error {
	return &Error{Kind: KindValidation, Code: "invalid_payload", Message: msg}
}

func RateLimitError() error {
	return &Error{Kind: KindRateLimit, Code: "rate_limited", Message: "rate limit exceeded"}
}

func AuthorizationError(msg string) error {
	return &Error{Kind: KindAuthorization, Code: "forbidden", Message: msg}
}

func PersistenceError(cause error) error {
	return &Error{Kind: KindPersistence, Code: "persistence_failed", Message: "message could not be stored", Cause: cause}
}

func DispatchError(cause error) error {
	return &Error{Kind: KindDispatch, Code: "dispatch_failed", Message: "notification could not be created", Cause: cause}
}

var (
	ErrAuth          = &Error{Kind: KindAuth}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrRateLimit     = &Error{Kind: KindRateLimit}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrDispatch      = &Error{Kind: KindDispatch}
)

// KindOf returns a stable label for logging; "unexpected" for foreign errors.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	return "unexpected"
}

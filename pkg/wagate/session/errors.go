package session

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies operation failures the way callers need to react to them.
type Kind string

const (
	// KindNotInitialized — no session object exists yet. Fatal to the call.
	KindNotInitialized Kind = "SESSION_NOT_INITIALIZED"
	// KindNotAuthenticated — session exists but has not authenticated.
	KindNotAuthenticated Kind = "SESSION_NOT_AUTHENTICATED"
	// KindNotReady — authenticated but the ready lifecycle event has not
	// arrived (or the transport is down).
	KindNotReady Kind = "SESSION_NOT_READY"
	// KindHelpersNotVerified — the in-page helper probe failed. Transient:
	// retried internally before surfacing.
	KindHelpersNotVerified Kind = "HELPERS_NOT_VERIFIED"
	// KindDestinationNotFound — the target is not a registered account.
	KindDestinationNotFound Kind = "DESTINATION_NOT_FOUND"
	// KindUnsupportedMedia — the media type or URL scheme is not sendable.
	KindUnsupportedMedia Kind = "UNSUPPORTED_MEDIA_TYPE"
	// KindMediaTimeout — downloading the media blob timed out.
	KindMediaTimeout Kind = "MEDIA_DOWNLOAD_TIMEOUT"
	// KindRateLimited — throttled; Wait carries the suggested backoff.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindBlacklisted — destination is blocked outright, no wait hint.
	KindBlacklisted Kind = "BLACKLISTED"
)

// Error is a classified gateway error.
type Error struct {
	Kind Kind
	// Wait is the suggested wait before retrying, for KindRateLimited.
	Wait time.Duration
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// NewError builds a classified error.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// WrapError builds a classified error wrapping a cause.
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// RateLimited builds a KindRateLimited error carrying the wait hint.
func RateLimited(msg string, wait time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Wait: wait, msg: msg}
}

// KindOf extracts the Kind from err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err is worth retrying internally. Only the
// helper-verification class qualifies; everything else propagates.
func IsTransient(err error) bool {
	return KindOf(err) == KindHelpersNotVerified
}

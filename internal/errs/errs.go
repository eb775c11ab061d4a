// Package errs defines the error taxonomy shared by the stores, platform clients and the
// fetch orchestrator.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindStore
	KindNotFound
	KindPlatformAuth
	KindPlatformRateLimit
	KindPlatformTransient
)

// Stable machine codes surfaced to API consumers.
const (
	CodeValidation        = "validation_error"
	CodeStore             = "store_error"
	CodeNotFound          = "not_found"
	CodePlatformAuth      = "platform_auth"
	CodePlatformRateLimit = "platform_rate_limited"
	CodePlatformTransient = "platform_unavailable"
	CodeInternal          = "internal_error"
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStore:
		return "store"
	case KindNotFound:
		return "not_found"
	case KindPlatformAuth:
		return "platform_auth"
	case KindPlatformRateLimit:
		return "platform_rate_limit"
	case KindPlatformTransient:
		return "platform_transient"
	default:
		return "unknown"
	}
}

// Code returns the API code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return CodeValidation
	case KindStore:
		return CodeStore
	case KindNotFound:
		return CodeNotFound
	case KindPlatformAuth:
		return CodePlatformAuth
	case KindPlatformRateLimit:
		return CodePlatformRateLimit
	case KindPlatformTransient:
		return CodePlatformTransient
	default:
		return CodeInternal
	}
}

// IsPlatform reports whether the kind originates upstream.
func (k Kind) IsPlatform() bool {
	return k == KindPlatformAuth || k == KindPlatformRateLimit || k == KindPlatformTransient
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string

	// RetryAfter is the upstream backoff hint, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the API code for the error.
func (e *Error) Code() string { return e.Kind.Code() }

// Validation returns a fatal validation error.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Store wraps a store read/write failure.
func Store(op string, err error) error {
	return &Error{Kind: KindStore, Op: op, Err: err}
}

// NotFound reports an unknown tenant or platform account.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf(format, args...)}
}

// PlatformAuth wraps an expired or invalid credential failure.
func PlatformAuth(op string, err error) error {
	return &Error{Kind: KindPlatformAuth, Op: op, Err: err}
}

// PlatformRateLimit wraps an upstream throttling response.
func PlatformRateLimit(op string, retryAfter time.Duration, err error) error {
	return &Error{Kind: KindPlatformRateLimit, Op: op, RetryAfter: retryAfter, Err: err}
}

// PlatformTransient wraps a network or 5xx failure.
func PlatformTransient(op string, err error) error {
	return &Error{Kind: KindPlatformTransient, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfter returns the upstream backoff hint carried by err.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

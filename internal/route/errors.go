package route

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies request failures for fallback decisions and for the
// caller. Fallback behavior is a function of the kind, never of a concrete
// error type.
type ErrorKind string

const (
	ErrNoFeasibleModel         ErrorKind = "no_feasible_model"
	ErrAllProvidersUnavailable ErrorKind = "all_providers_unavailable"
	ErrSafetyRejectedInput     ErrorKind = "safety_rejected_input"
	ErrSafetyRejectedOutput    ErrorKind = "safety_rejected_output"
	ErrSSRFBlocked             ErrorKind = "ssrf_blocked"
	ErrComplianceViolation     ErrorKind = "compliance_violation"
	ErrProviderTimeout         ErrorKind = "provider_timeout"
	ErrProviderQuotaExceeded   ErrorKind = "provider_quota_exceeded"
	ErrProviderUnavailable     ErrorKind = "provider_service_unavailable"
	ErrCacheUnavailable        ErrorKind = "cache_unavailable"
	ErrAuditSinkUnavailable    ErrorKind = "audit_sink_unavailable"
	ErrInternalInvariant       ErrorKind = "internal_invariant_violation"

	// ErrQualityThreshold marks post-response rejects (safety or quality).
	// It degrades without retry.
	ErrQualityThreshold ErrorKind = "quality_threshold"
	// ErrAuthorizationRefused is fatal; retrying cannot help.
	ErrAuthorizationRefused ErrorKind = "authorization_refused"
)

// Retryable reports whether the fallback engine may attempt another
// invocation after seeing this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrProviderTimeout, ErrProviderQuotaExceeded, ErrProviderUnavailable:
		return true
	}
	return false
}

// Terminal reports whether the kind surfaces to the caller without retry or
// degradation.
func (k ErrorKind) Terminal() bool {
	switch k {
	case ErrNoFeasibleModel, ErrAllProvidersUnavailable,
		ErrSafetyRejectedInput, ErrSafetyRejectedOutput,
		ErrSSRFBlocked, ErrComplianceViolation,
		ErrAuthorizationRefused, ErrInternalInvariant:
		return true
	}
	return false
}

// NonFatal reports whether the kind describes an infrastructure hiccup that
// is logged and otherwise ignored.
func (k ErrorKind) NonFatal() bool {
	return k == ErrCacheUnavailable || k == ErrAuditSinkUnavailable
}

// Error carries a kind plus a caller-safe message. The message never contains
// prompt or response content.
type Error struct {
	Kind      ErrorKind
	Message   string
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. Deadline and
// cancellation errors map to provider_timeout; other unclassified errors map
// to provider_service_unavailable so the fallback engine treats unknown
// provider failures as retryable outages.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrProviderTimeout
	}
	return ErrProviderUnavailable
}

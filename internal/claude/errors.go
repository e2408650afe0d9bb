package claude

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind labels one failure class from the error taxonomy. Every error that
// crosses a package boundary inside the proxy is an *Error with a Kind; the
// handler derives the HTTP status from it.
type Kind string

const (
	KindRequestInvalid     Kind = "request_invalid"
	KindUnauthorized       Kind = "unauthorized"
	KindNoAccountAvailable Kind = "no_account_available"
	KindSessionBusy        Kind = "session_busy"
	KindSessionExhausted   Kind = "session_exhausted"
	KindUpstreamQuota      Kind = "upstream_quota"
	KindUpstreamTransient  Kind = "upstream_transient"
	KindUpstreamFatal      Kind = "upstream_fatal"
	KindOAuthExchange      Kind = "oauth_exchange_failed"
	KindOAuthRefresh       Kind = "oauth_refresh_failed"
	KindStreamCut          Kind = "stream_cut"
	KindUnknownToolCall    Kind = "unknown_tool_call"
	KindInternal           Kind = "internal_error"
)

// Error is the typed error carried through the pipeline.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds, advisory; surfaced on 429 responses
	wrapped    error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError builds a typed error.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError builds a typed error around an underlying cause.
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// KindOf extracts the Kind from any error in the chain, defaulting to
// internal_error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns the typed error in the chain, or wraps err as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(KindInternal, "internal error", err)
}

// HTTPStatus maps a kind to the client-facing status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindRequestInvalid, KindUnknownToolCall:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNoAccountAvailable:
		return http.StatusServiceUnavailable
	case KindSessionBusy:
		return http.StatusConflict
	case KindSessionExhausted, KindUpstreamQuota:
		return http.StatusTooManyRequests
	case KindUpstreamTransient, KindUpstreamFatal, KindStreamCut,
		KindOAuthExchange, KindOAuthRefresh:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a dispatch attempt that failed with this kind
// may be retried at the dispatch boundary (before any byte reached the
// client).
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstreamTransient, KindUpstreamQuota:
		return true
	default:
		return false
	}
}

// ErrorDetail is the inner body of a non-stream error response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorBody is the JSON shape of every non-stream error response.
type ErrorBody struct {
	Detail ErrorDetail `json:"detail"`
}

// ResponseFor maps any error to its HTTP status and response body.
func ResponseFor(err error) (int, ErrorBody) {
	e := AsError(err)
	return e.Kind.HTTPStatus(), ErrorBody{Detail: ErrorDetail{
		Code:    string(e.Kind),
		Message: e.Message,
	}}
}

// SwitchesAccount reports whether the failure should exclude the current
// account and re-run selection rather than retry on the same account.
func (k Kind) SwitchesAccount() bool {
	switch k {
	case KindUpstreamQuota, KindOAuthRefresh, KindSessionExhausted:
		return true
	default:
		return false
	}
}

// Package apierr enumerates the error identifiers the mirror gateway
// returns to clients, and their HTTP status mapping. The table is a plain
// constant map, not computed dispatch, the same way the teacher encodes
// its header deny-lists as package-level data in orchestrator/headers.go.
package apierr

import (
	"errors"

	"github.com/valyala/fasthttp"
)

// Code is one of the stable string identifiers returned in {"ok":false,"error":<Code>}.
type Code string

const (
	InvalidURL             Code = "invalid_url"
	InvalidScheme          Code = "invalid_scheme"
	InvalidBody            Code = "invalid_body"
	MissingURL             Code = "missing_url"
	CredentialsNotAllowed  Code = "credentials_not_allowed"
	Unauthorized           Code = "unauthorized"
	DomainNotAllowed       Code = "domain_not_allowed"
	SSRFBlocked            Code = "ssrf_blocked"
	MirrorNotFound         Code = "mirror_not_found"
	NotFound               Code = "not_found"
	MethodNotAllowed       Code = "method_not_allowed"
	HTMLTooLarge           Code = "html_too_large"
	BinaryTooLarge         Code = "binary_too_large"
	RateLimited            Code = "rate_limited"
	ServiceDisabled        Code = "service_disabled"
	TooManyRedirects       Code = "too_many_redirects"
	DNSResolutionFailed    Code = "dns_resolution_failed"
	EmptyHostname          Code = "empty_hostname"
	InvalidIP              Code = "invalid_ip"
	UpstreamError          Code = "upstream_error"
	InternalError          Code = "internal_error"
)

// statusOf maps each identifier to its HTTP status, per spec §7.
var statusOf = map[Code]int{
	InvalidURL:            fasthttp.StatusBadRequest,
	InvalidScheme:         fasthttp.StatusBadRequest,
	InvalidBody:           fasthttp.StatusBadRequest,
	MissingURL:            fasthttp.StatusBadRequest,
	CredentialsNotAllowed: fasthttp.StatusBadRequest,
	EmptyHostname:         fasthttp.StatusBadRequest,
	InvalidIP:             fasthttp.StatusBadRequest,
	Unauthorized:          fasthttp.StatusUnauthorized,
	DomainNotAllowed:      fasthttp.StatusForbidden,
	SSRFBlocked:           fasthttp.StatusForbidden,
	MirrorNotFound:        fasthttp.StatusNotFound,
	NotFound:              fasthttp.StatusNotFound,
	MethodNotAllowed:      fasthttp.StatusMethodNotAllowed,
	HTMLTooLarge:          fasthttp.StatusRequestEntityTooLarge,
	BinaryTooLarge:        fasthttp.StatusRequestEntityTooLarge,
	RateLimited:           fasthttp.StatusTooManyRequests,
	ServiceDisabled:       fasthttp.StatusServiceUnavailable,
	TooManyRedirects:      fasthttp.StatusBadGateway,
	DNSResolutionFailed:   fasthttp.StatusBadGateway,
	UpstreamError:         fasthttp.StatusBadGateway,
	InternalError:         fasthttp.StatusInternalServerError,
}

// Status returns the mapped HTTP status for code, defaulting to 500 for an
// identifier not present in the table (an unhandled internal condition).
func Status(code Code) int {
	if s, ok := statusOf[code]; ok {
		return s
	}
	return fasthttp.StatusInternalServerError
}

// Error is a typed error carrying one of the stable identifiers above.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(code Code) *Error { return &Error{Code: code} }

// Wrap builds an *Error carrying code and the underlying cause.
func Wrap(code Code, err error) *Error { return &Error{Code: code, Err: err} }

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, otherwise returns InternalError.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

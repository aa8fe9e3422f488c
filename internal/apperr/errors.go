package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotFound is returned when a resource is not found
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation is returned when request input is malformed
type ErrValidation struct {
	Message string
	Fields  map[string]string
}

func (e *ErrValidation) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "validation failed"
}

// ErrUnauthorized is returned when the caller is not authenticated
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrForbidden is returned when the caller is not a member of the brand
type ErrForbidden struct {
	Message string
}

func (e *ErrForbidden) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "forbidden"
}

// ErrConflict is returned when the resource is already in the requested state
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "conflict"
}

// ErrRateLimited is returned when an upstream platform throttles us.
// RetryAfter is the platform's hint, zero when unknown.
type ErrRateLimited struct {
	Service    string
	RetryAfter time.Duration
	Err        error
}

func (e *ErrRateLimited) Error() string {
	msg := fmt.Sprintf("%s rate limited", e.Service)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ErrRateLimited) Unwrap() error { return e.Err }

// ErrUpstream wraps a failed call to Shopify, Meta, or an LLM provider.
type ErrUpstream struct {
	Service string
	Err     error
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
}

func (e *ErrUpstream) Unwrap() error { return e.Err }

func NotFound(resource, id string) error {
	return &ErrNotFound{Resource: resource, ID: id}
}

func Validation(format string, args ...any) error {
	return &ErrValidation{Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(msg string) error {
	return &ErrUnauthorized{Message: msg}
}

func Forbidden(msg string) error {
	return &ErrForbidden{Message: msg}
}

func Conflict(format string, args ...any) error {
	return &ErrConflict{Message: fmt.Sprintf(format, args...)}
}

func RateLimited(service string, retryAfter time.Duration, err error) error {
	return &ErrRateLimited{Service: service, RetryAfter: retryAfter, Err: err}
}

func Upstream(service string, err error) error {
	return &ErrUpstream{Service: service, Err: err}
}

// Status maps an error to the HTTP status the API returns for it.
func Status(err error) int {
	var (
		nf  *ErrNotFound
		val *ErrValidation
		un  *ErrUnauthorized
		fb  *ErrForbidden
		cf  *ErrConflict
		rl  *ErrRateLimited
		up  *ErrUpstream
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &val):
		return http.StatusBadRequest
	case errors.As(err, &un):
		return http.StatusUnauthorized
	case errors.As(err, &fb):
		return http.StatusForbidden
	case errors.As(err, &cf):
		return http.StatusConflict
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.As(err, &up):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides internal error detail from API callers.
func PublicMessage(err error) string {
	if Status(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

// RetryAfter reports whether err is a rate limit and the hinted wait.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *ErrRateLimited
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

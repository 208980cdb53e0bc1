// Package apperr carries the error taxonomy shared by services and the
// HTTP and realtime surfaces.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindUpstream   Kind = "upstream_unavailable"
	KindInternal   Kind = "internal"
	KindSizeLimit  Kind = "size_limit"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	case e.Code != "":
		return e.Code
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can test errors.Is(err, apperr.NotFound("")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func New(kind Kind, code, message string, err error) *Error {
	if code == "" {
		code = string(kind)
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(message string) *Error {
	return New(KindValidation, "validation_error", message, nil)
}

func NotFound(message string) *Error {
	return New(KindNotFound, "not_found", message, nil)
}

func Forbidden(message string) *Error {
	return New(KindForbidden, "forbidden", message, nil)
}

func SizeLimit(message string) *Error {
	return New(KindSizeLimit, "size_limit_exceeded", message, nil)
}

func Upstream(message string, err error) *Error {
	return New(KindUpstream, "upstream_unavailable", message, err)
}

func Internal(message string, err error) *Error {
	return New(KindInternal, "internal_error", message, err)
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the public code for err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}

// PublicMessage is what may be shown to a caller. Internal errors never leak detail.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return "An unexpected error occurred"
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error()
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindSizeLimit:
		return http.StatusRequestEntityTooLarge
	case KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

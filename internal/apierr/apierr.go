// Lexigate is a multi-tenant HTML translation pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package apierr defines the closed set of error categories surfaced to
// clients across the HTTP boundary, decoupled from internal Go error
// strings.
package apierr

import (
	"errors"
	"net/http"
)

// Kind is a stable error category. Clients depend on the Kind, never on
// the accompanying message.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindUnauthorized      Kind = "unauthorized"
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindFetchTimeout      Kind = "fetch_timeout"
	KindFetchFailed       Kind = "fetch_failed"
	KindRateLimited       Kind = "rate_limited"
	KindProviderRetryable Kind = "provider_retryable"
	KindProviderFatal     Kind = "provider_fatal"
	KindDBTransient       Kind = "db_transient"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// HTTPStatus maps a Kind to the status code the API layer responds with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindFetchTimeout:
		return http.StatusGatewayTimeout
	case KindFetchFailed:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindProviderRetryable, KindProviderFatal, KindDBTransient, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is an apierr.Kind paired with an internal, loggable message. The
// message is never sent to clients verbatim.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// ClientMessage returns the message safe to echo back across the HTTP
// boundary: the category description alone, never the wrapped cause
// (which may carry a raw provider or database error string).
func (e *Error) ClientMessage() string { return e.Message }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind, chaining cause for
// errors.Is/As and internal logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// is not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a provider-call error kind should be
// retried by the worker's backoff loop.
func IsRetryable(err error) bool {
	return KindOf(err) == KindProviderRetryable
}

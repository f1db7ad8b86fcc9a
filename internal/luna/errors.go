// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package luna

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sapcc/go-bits/logg"
)

// ErrorCode is the closed set of error codes that can appear in type Error.
// Each code maps to a fixed HTTP status and a caller-safe default message.
type ErrorCode string

// Possible values for ErrorCode.
const (
	ErrBadRequest            ErrorCode = "BAD_REQUEST"
	ErrInvalidAPIKey         ErrorCode = "INVALID_API_KEY"
	ErrInvalidCertificate    ErrorCode = "INVALID_CERTIFICATE"
	ErrSubscriptionNotFound  ErrorCode = "SUBSCRIPTION_NOT_FOUND"
	ErrTokenRequired         ErrorCode = "TOKEN_REQUIRED"
	ErrTokenInvalid          ErrorCode = "TOKEN_INVALID"
	ErrAdminRequired         ErrorCode = "ADMIN_REQUIRED"
	ErrAccessDenied          ErrorCode = "ACCESS_DENIED"
	ErrMissingHeader         ErrorCode = "MISSING_HEADER"
	ErrAPIVersionRequired    ErrorCode = "API_VERSION_REQUIRED"
	ErrVersionNotFound       ErrorCode = "VERSION_NOT_FOUND"
	ErrOperationNotFound     ErrorCode = "OPERATION_NOT_FOUND"
	ErrOperationNotSupported ErrorCode = "OPERATION_NOT_SUPPORTED"
	ErrNoModelPublished      ErrorCode = "NO_MODEL_PUBLISHED"
	ErrNoEndpointPublished   ErrorCode = "NO_ENDPOINT_PUBLISHED"
	ErrNoOperationPublished  ErrorCode = "NO_OPERATION_PUBLISHED"
	ErrPredecessorNotDone    ErrorCode = "PREDECESSOR_NOT_DONE"
	ErrOutputNotReady        ErrorCode = "OUTPUT_NOT_READY"
	ErrOutputTypeUnsupported ErrorCode = "OUTPUT_TYPE_UNSUPPORTED"
	ErrNotImplemented        ErrorCode = "NOT_IMPLEMENTED"
)

var apiErrorMessages = map[ErrorCode]string{
	ErrBadRequest:            "the request is malformed",
	ErrInvalidAPIKey:         "the api key is invalid",
	ErrInvalidCertificate:    "invalid certificate",
	ErrSubscriptionNotFound:  "the subscription does not exist or the api key is invalid",
	ErrTokenRequired:         "AAD token is required",
	ErrTokenInvalid:          "the AAD token signature is invalid",
	ErrAdminRequired:         "admin permission is required for this operation",
	ErrAccessDenied:          "the resource does not exist or you do not have permission to access it",
	ErrMissingHeader:         "a required header is missing",
	ErrAPIVersionRequired:    "the api-version query parameter is required",
	ErrVersionNotFound:       "the specified API or API version does not exist or you do not have permission to access it",
	ErrOperationNotFound:     "the operation does not exist or you do not have permission to access it",
	ErrOperationNotSupported: "operation is not supported",
	ErrNoModelPublished:      "no model published for the current API",
	ErrNoEndpointPublished:   "no service endpoint published in the current API",
	ErrNoOperationPublished:  "no operation published in the current API",
	ErrPredecessorNotDone:    "the predecessor operation has not succeeded",
	ErrOutputNotReady:        "the operation output is not available yet",
	ErrOutputTypeUnsupported: "output type is not supported",
	ErrNotImplemented:        "not supported",
}

var apiErrorStatusCodes = map[ErrorCode]int{
	ErrBadRequest:            http.StatusBadRequest,
	ErrInvalidAPIKey:         http.StatusUnauthorized,
	ErrInvalidCertificate:    http.StatusUnauthorized,
	ErrSubscriptionNotFound:  http.StatusUnauthorized,
	ErrTokenRequired:         http.StatusForbidden,
	ErrTokenInvalid:          http.StatusForbidden,
	ErrAdminRequired:         http.StatusForbidden,
	ErrAccessDenied:          http.StatusForbidden,
	ErrMissingHeader:         http.StatusBadRequest,
	ErrAPIVersionRequired:    http.StatusBadRequest,
	ErrVersionNotFound:       http.StatusNotFound,
	ErrOperationNotFound:     http.StatusNotFound,
	ErrOperationNotSupported: http.StatusBadRequest,
	ErrNoModelPublished:      http.StatusNotFound,
	ErrNoEndpointPublished:   http.StatusNotFound,
	ErrNoOperationPublished:  http.StatusNotFound,
	ErrPredecessorNotDone:    http.StatusBadRequest,
	ErrOutputNotReady:        http.StatusBadRequest,
	ErrOutputTypeUnsupported: http.StatusBadRequest,
	ErrNotImplemented:        http.StatusNotImplemented,
}

// With is a convenience function for constructing type Error.
func (c ErrorCode) With(msg string, args ...any) *Error {
	var err error
	if msg != "" {
		if len(args) > 0 {
			err = fmt.Errorf(msg, args...)
		} else {
			err = errors.New(msg)
		}
	}
	return &Error{Code: c, Inner: err}
}

// Error is a user error: it carries an HTTP status code and a message that is
// safe to show to the caller. Everything that is not a *Error is treated as a
// server error and collapsed to a generic 500 response by RespondWithError.
type Error struct {
	Code  ErrorCode
	Inner error // optional
}

// Error implements the builtin/error interface.
func (e *Error) Error() string {
	text := apiErrorMessages[e.Code]
	if e.Inner != nil {
		text += ": " + e.Inner.Error()
	}
	return text
}

// Status returns the HTTP status code for this error.
func (e *Error) Status() int {
	return apiErrorStatusCodes[e.Code]
}

// MarshalJSON implements the json.Marshaler interface.
func (e *Error) MarshalJSON() ([]byte, error) {
	data := struct {
		Code    string  `json:"code"`
		Message string  `json:"message"`
		Detail  *string `json:"detail,omitempty"`
	}{
		Code:    string(e.Code),
		Message: apiErrorMessages[e.Code],
	}
	if e.Inner != nil {
		detail := e.Inner.Error()
		data.Detail = &detail
	}
	return json.Marshal(data)
}

// WriteAsJSONTo reports this error as a JSON response body.
func (e *Error) WriteAsJSONTo(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	buf, _ := json.Marshal(struct {
		Error *Error `json:"error"`
	}{e})
	w.Write(append(buf, '\n'))
}

// RespondWithError is the single translation point between errors and HTTP
// responses: user errors pass their status and message through, anything else
// is logged and collapsed into a generic 500 so that internal detail never
// leaks to the caller. Returns false if err was nil and nothing was written.
func RespondWithError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	var userErr *Error
	if errors.As(err, &userErr) {
		userErr.WriteAsJSONTo(w)
		return true
	}
	logg.Error(err.Error())
	http.Error(w, "the server encountered an internal error and was unable to complete your request", http.StatusInternalServerError)
	return true
}

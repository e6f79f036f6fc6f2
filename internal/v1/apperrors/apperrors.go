// Package apperrors defines the error taxonomy shared by the HTTP control
// plane and the WebSocket dispatcher. Every handler-level failure is
// expected to resolve to one of these codes so that both transports render
// it consistently: an HTTP problem document on one side, a WS `error`
// envelope on the other.
package apperrors

import (
	"errors"
	"net/http"
)

// Code is one of the taxonomy entries from the error handling design.
type Code string

const (
	CodeUnauthenticated Code = "unauthenticated"
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeInvalidRequest  Code = "invalid_request"
	CodeExpired         Code = "expired"
	CodePeerNotInRoom   Code = "peer_not_in_room"
	CodePeerNotFound    Code = "peer_not_found"
	CodeDeliveryFailed  Code = "delivery_failed"
	CodeUpstreamFailure Code = "upstream_failure"
	CodeRoomFull        Code = "room_full"
	CodeUnknownMessage  Code = "unknown_message_type"
	CodeInvalidJSON     Code = "invalid_json"
	CodeAdminConflict   Code = "admin_conflict"
)

// httpStatus maps each taxonomy code to the HTTP status the control plane
// should respond with. Codes that only ever appear on the WS transport
// (delivery_failed, peer_not_found, ...) still get a sane HTTP status so a
// single Error type can flow through either path uniformly.
var httpStatus = map[Code]int{
	CodeUnauthenticated: http.StatusUnauthorized,
	CodeForbidden:       http.StatusForbidden,
	CodeNotFound:        http.StatusNotFound,
	CodeConflict:        http.StatusConflict,
	CodeInvalidRequest:  http.StatusBadRequest,
	CodeExpired:         http.StatusGone,
	CodePeerNotInRoom:   http.StatusNotFound,
	CodePeerNotFound:    http.StatusNotFound,
	CodeDeliveryFailed:  http.StatusBadGateway,
	CodeUpstreamFailure: http.StatusInternalServerError,
	CodeRoomFull:        http.StatusServiceUnavailable,
	CodeUnknownMessage:  http.StatusBadRequest,
	CodeInvalidJSON:     http.StatusBadRequest,
	CodeAdminConflict:   http.StatusConflict,
}

// Error is the concrete type every handler-level failure resolves to.
type Error struct {
	Code    Code
	Message string
	// wrapped carries an underlying cause for logging; it is never rendered
	// to the caller (see §7: errors never leak implementation detail).
	wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.wrapped }

// HTTPStatus returns the status code this error should be rendered with on
// the HTTP control plane.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs a taxonomy error with a caller-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs a taxonomy error that also records an internal cause for
// logging. The cause is never included in Error() or in any wire response.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, wrapped: cause}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Convenience constructors for the most common call sites.

func Unauthenticated(message string) *Error { return New(CodeUnauthenticated, message) }
func Forbidden(message string) *Error       { return New(CodeForbidden, message) }
func NotFound(message string) *Error        { return New(CodeNotFound, message) }
func Conflict(message string) *Error        { return New(CodeConflict, message) }
func InvalidRequest(message string) *Error  { return New(CodeInvalidRequest, message) }
func Expired(message string) *Error         { return New(CodeExpired, message) }
func PeerNotInRoom(message string) *Error   { return New(CodePeerNotInRoom, message) }
func PeerNotFound(message string) *Error    { return New(CodePeerNotFound, message) }
func DeliveryFailed(message string) *Error  { return New(CodeDeliveryFailed, message) }
func UpstreamFailure(cause error) *Error {
	return Wrap(CodeUpstreamFailure, "an internal error occurred", cause)
}

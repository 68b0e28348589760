// Package apierr centralises the error taxonomy of spec.md §7: a small set
// of error kinds that every handler under internal/api translates into a
// wire status code and a {"error": ...} envelope, instead of each handler
// inventing its own status/code pairing.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cyph3rasi/synapsis/internal/remoteidentity"
	"github.com/cyph3rasi/synapsis/internal/signedaction"
)

// Kind enumerates the error taxonomy of spec.md §7.
type Kind string

const (
	Validation          Kind = "VALIDATION"
	AuthRequired        Kind = "AUTH_REQUIRED"
	InvalidSignature    Kind = "INVALID_SIGNATURE"
	Forbidden           Kind = "FORBIDDEN"
	NotFound            Kind = "NOT_FOUND"
	RateLimited         Kind = "RATE_LIMITED"
	UpstreamUnreachable Kind = "UPSTREAM_UNREACHABLE"
	Gone                Kind = "GONE"
	Internal            Kind = "INTERNAL"
)

// statusFor maps each Kind to its HTTP status, per spec.md §7.
var statusFor = map[Kind]int{
	Validation:          http.StatusBadRequest,
	AuthRequired:        http.StatusUnauthorized,
	InvalidSignature:    http.StatusForbidden,
	Forbidden:           http.StatusForbidden,
	NotFound:            http.StatusNotFound,
	RateLimited:         http.StatusTooManyRequests,
	UpstreamUnreachable: http.StatusBadGateway,
	Gone:                http.StatusGone,
	Internal:            http.StatusInternalServerError,
}

// Error is a structured API error carrying the taxonomy Kind, an optional
// human message, and optional Details. Write emits the Kind string as the
// wire code.
type Error struct {
	Kind    Kind
	Message string
	Details any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// New constructs an *Error for kind with message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Status returns the HTTP status code for kind.
func Status(kind Kind) int {
	if s, ok := statusFor[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FromSignedAction maps a *signedaction.VerifyError to the taxonomy's
// INVALID_SIGNATURE family (which covers HANDLE_MISMATCH, STALE_TIMESTAMP,
// and REPLAYED_NONCE per spec.md §7) or RATE_LIMITED/NOT_FOUND as
// appropriate.
func FromSignedAction(err error) *Error {
	var verr *signedaction.VerifyError
	if !errors.As(err, &verr) {
		return New(Internal, err.Error())
	}
	switch verr.Kind {
	case signedaction.ErrRateLimited:
		return New(RateLimited, "too many requests for this identity")
	case signedaction.ErrUnknownUser:
		return New(NotFound, "unknown user")
	default:
		return &Error{Kind: InvalidSignature, Message: string(verr.Kind)}
	}
}

// KeyChanged is the API error for a rejected TOFU key-change event:
// INVALID_SIGNATURE with the message KEY_CHANGED.
var KeyChanged = New(InvalidSignature, "KEY_CHANGED")

// FromRemoteIdentity translates a remoteidentity resolution failure.
func FromRemoteIdentity(err error) *Error {
	if errors.Is(err, remoteidentity.ErrUnreachable) {
		return New(UpstreamUnreachable, "could not resolve remote identity")
	}
	return New(Internal, err.Error())
}

// Write serializes err (an *Error, or any other error treated as INTERNAL)
// as the standard {"error", "code", "details"} envelope at the matching
// HTTP status.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = New(Internal, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(Status(apiErr.Kind))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   apiErr.Message,
		"code":    string(apiErr.Kind),
		"details": apiErr.Details,
	})
}

// WriteKind is a convenience for handlers that have a Kind and message but no
// wrapped error value.
func WriteKind(w http.ResponseWriter, kind Kind, message string) {
	Write(w, New(kind, message))
}

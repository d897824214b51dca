// Package apperr defines the error taxonomy surfaced by the game core.
//
// Every expected failure carries a stable Kind so the delivery layer can map
// it to a status code without inspecting message text. Sentinels such as
// ErrInsufficientFunds match any *Error of the same kind via errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindInvalidState         Kind = "invalid_state"
	KindWrongPhase           Kind = "wrong_phase"
	KindTimeExpired          Kind = "time_expired"
	KindInsufficientFunds    Kind = "insufficient_funds"
	KindInsufficientHoldings Kind = "insufficient_holdings"
	KindAlreadySubmitted     Kind = "already_submitted"
	KindValidation           Kind = "validation"
	KindRateLimited          Kind = "rate_limited"
	KindInternal             Kind = "internal"
)

// Error is a classified, human-readable failure.
type Error struct {
	Kind    Kind
	Message string
	// Hint is an optional follow-up action for the client.
	Hint string
	Err  error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so sentinels match any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidState         = &Error{Kind: KindInvalidState}
	ErrWrongPhase           = &Error{Kind: KindWrongPhase}
	ErrTimeExpired          = &Error{Kind: KindTimeExpired}
	ErrInsufficientFunds    = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientHoldings = &Error{Kind: KindInsufficientHoldings}
	ErrAlreadySubmitted     = &Error{Kind: KindAlreadySubmitted}
	ErrValidation           = &Error{Kind: KindValidation}
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrInternal             = &Error{Kind: KindInternal}
)

// New builds an *Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error     { return New(KindNotFound, format, args...) }
func InvalidState(format string, args ...any) *Error { return New(KindInvalidState, format, args...) }
func WrongPhase(format string, args ...any) *Error   { return New(KindWrongPhase, format, args...) }
func TimeExpired(format string, args ...any) *Error  { return New(KindTimeExpired, format, args...) }
func Validation(format string, args ...any) *Error   { return New(KindValidation, format, args...) }

// AlreadySubmitted is returned when a team answers the same question twice
// without forcing a resubmission.
func AlreadySubmitted(teamID, questionID int64) *Error {
	return &Error{
		Kind:    KindAlreadySubmitted,
		Message: fmt.Sprintf("team %d already answered question %d", teamID, questionID),
		Hint:    "resubmit with force=true to replace the previous answer",
	}
}

// RateLimited is returned when a client exceeds its request budget.
func RateLimited() *Error {
	return &Error{
		Kind:    KindRateLimited,
		Message: "too many requests, slow down",
		Hint:    "retry after the interval in the Retry-After header",
	}
}

// Internal wraps an unexpected failure. The message shown to clients stays
// generic; the cause is kept for logging.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: fmt.Errorf("%s: %w", op, err)}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status code used by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindWrongPhase, KindTimeExpired,
		KindInsufficientFunds, KindInsufficientHoldings:
		return http.StatusBadRequest
	case KindInvalidState, KindAlreadySubmitted:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

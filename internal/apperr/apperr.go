// Package apperr defines the error taxonomy shared by every luxescrow service.
//
// Packages keep their own sentinel errors (escrow.ErrEscrowNotFound,
// dispute.ErrAlreadyVoted, ...) and wrap them in an *Error that carries the
// kind, so callers can branch with errors.Is on the sentinel or with Is/KindOf
// on the category.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	// KindValidation is returned before any side effect when input is malformed.
	KindValidation Kind = "validation"
	// KindState is an operation attempted from the wrong state. No side effects.
	KindState Kind = "state"
	// KindBackend is an explicit rejection by a chain backend. Code holds the raw result code.
	KindBackend Kind = "backend"
	// KindOutcomeUnknown is a chain call that timed out or lost its connection
	// after submission. The transaction may or may not have landed.
	KindOutcomeUnknown Kind = "outcome_unknown"
	// KindConsistency lists violated invariants (e.g. a split that does not add up).
	KindConsistency Kind = "consistency"
	// KindNotFound is a missing entity.
	KindNotFound Kind = "not_found"
)

// Error is the typed error carried across service boundaries.
type Error struct {
	Kind       Kind
	Op         string
	Code       string
	Violations []string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	if len(e.Violations) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Violations, "; "))
		b.WriteString("]")
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (code=%s)", e.Code)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation wraps err as a validation failure.
func Validation(op string, err error, violations ...string) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err, Violations: violations}
}

// State wraps err as an invalid-state failure.
func State(op string, err error) *Error {
	return &Error{Kind: KindState, Op: op, Err: err}
}

// Backend wraps a backend rejection with its raw result code.
func Backend(op, code string, err error) *Error {
	return &Error{Kind: KindBackend, Op: op, Code: code, Err: err}
}

// OutcomeUnknown wraps a chain call whose result could not be observed.
func OutcomeUnknown(op string, err error) *Error {
	return &Error{Kind: KindOutcomeUnknown, Op: op, Code: "outcome_unknown", Err: err}
}

// Consistency wraps a list of violated invariants.
func Consistency(op string, err error, violations ...string) *Error {
	return &Error{Kind: KindConsistency, Op: op, Err: err, Violations: violations}
}

// NotFound wraps a missing-entity sentinel.
func NotFound(op string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// CodeOf returns the backend result code carried by err, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ViolationsOf returns the violation list carried by err.
func ViolationsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Violations
	}
	return nil
}

// HTTPStatus maps an error to the status code the HTTP boundary responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusConflict
	case KindConsistency:
		return http.StatusUnprocessableEntity
	case KindBackend:
		return http.StatusBadGateway
	case KindOutcomeUnknown:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

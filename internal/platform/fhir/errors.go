package fhir

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/couchbase/gocb/v2"

	"github.com/carebase/carebase/internal/platform/db"
)

// ErrorKind is the transport-independent error taxonomy. Helpers and the
// query builder only surface KindInvalid; the gateway surfaces
// KindUnavailable; the lifecycle component is the only place that retries
// KindConflict.
type ErrorKind int

const (
	// KindInternal is any unexpected error; logged with stack, surfaced as 500.
	KindInternal ErrorKind = iota
	// KindUnavailable is a connectivity-class failure; surfaced as 503.
	KindUnavailable
	// KindConflict is a version or id collision in a transaction; 409.
	KindConflict
	// KindGone is an expired pagination token or a tombstoned resource; 410.
	KindGone
	// KindNotFound is an absent key; 404.
	KindNotFound
	// KindInvalid is malformed search input, an ambiguous reference, or an
	// unknown resource type; 400.
	KindInvalid
	// KindValidation is a resource rejected by the external validator; 422.
	KindValidation
)

// Error carries a kind plus a single-issue diagnostic message.
type Error struct {
	Kind    ErrorKind
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.Message + ": " + e.err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// NewError creates a taxonomy error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying error.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// Invalidf is shorthand for the kind helpers and the query builder are
// allowed to surface.
func Invalidf(format string, args ...interface{}) *Error {
	return NewError(KindInvalid, format, args...)
}

// KindOf classifies any error into the taxonomy. Gateway and gocb sentinels
// are folded in so callers never switch on driver errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, db.ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, db.ErrNoTenant):
		return KindInvalid
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return KindNotFound
	case errors.Is(err, gocb.ErrDocumentExists), errors.Is(err, gocb.ErrCasMismatch):
		return KindConflict
	}
	return KindInternal
}

// StatusOf maps an error kind to its HTTP status. This table is the single
// mapping point at the HTTP boundary.
func StatusOf(err error) int {
	switch KindOf(err) {
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// issueCodeOf maps an error kind to the OperationOutcome issue code.
func issueCodeOf(err error) string {
	switch KindOf(err) {
	case KindUnavailable:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindGone:
		return "deleted"
	case KindNotFound:
		return "not-found"
	case KindInvalid:
		return "invalid"
	case KindValidation:
		return "invariant"
	default:
		return "exception"
	}
}

// OutcomeOf renders any error as a single-issue OperationOutcome.
func OutcomeOf(err error) *OperationOutcome {
	msg := "internal server error"
	if KindOf(err) != KindInternal && err != nil {
		msg = err.Error()
	}
	return NewOperationOutcome("error", issueCodeOf(err), msg)
}

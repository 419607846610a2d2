// Package quarkerr defines the single failure value surfaced by Quark's
// typed proxies and internal contracts.
package quarkerr

import "fmt"

// Kind enumerates the recoverable and fatal failure categories a caller of
// the runtime may observe. Never a raw remote stack trace.
type Kind string

const (
	ActorGone           Kind = "ActorGone"
	DuplicateName       Kind = "DuplicateName"
	Overloaded          Kind = "Overloaded"
	Cancelled           Kind = "Cancelled"
	ConcurrencyConflict Kind = "ConcurrencyConflict"
	NotConnected        Kind = "NotConnected"
	NoCapacity          Kind = "NoCapacity"
	TransportFailed     Kind = "TransportFailed"
	DeadlineExceeded    Kind = "DeadlineExceeded"
	SupervisionEscalated Kind = "SupervisionEscalated"
	NotLocal            Kind = "NotLocal"
)

// Error is the sole failure type the runtime returns across activation,
// mailbox, placement, supervision and client-proxy boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Detail  any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause, preserving it via errors.Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	qe, ok := err.(*Error)
	return ok && qe.Kind == kind
}

// ConcurrencyConflictDetail carries the expected/actual version pair for a
// failed saveWithVersion call.
type ConcurrencyConflictDetail struct {
	Expected int64
	Actual   int64
}

// NewConcurrencyConflict builds the §4.6 ConcurrencyConflict(expected, actual) error.
func NewConcurrencyConflict(expected, actual int64) *Error {
	return &Error{
		Kind:    ConcurrencyConflict,
		Message: fmt.Sprintf("expected version %d, actual version %d", expected, actual),
		Detail:  ConcurrencyConflictDetail{Expected: expected, Actual: actual},
	}
}

// NotLocalDetail carries the silo placement chose, for a caller that reached
// a directory on the wrong silo to route to instead (§4.7).
type NotLocalDetail struct {
	SiloID string
}

// NewNotLocal builds the error a Directory returns when placement resolves
// an identity to a different silo than the one hosting the directory.
func NewNotLocal(siloID string) *Error {
	return &Error{
		Kind:    NotLocal,
		Message: fmt.Sprintf("identity belongs on silo %s", siloID),
		Detail:  NotLocalDetail{SiloID: siloID},
	}
}

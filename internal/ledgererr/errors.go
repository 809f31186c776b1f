package ledgererr

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the ledger can report. Handlers map kinds
// to transport status codes; services attach the relevant entity id.
type Kind int

const (
	NotFound Kind = iota
	NotAuthorized
	InvalidState
	CapacityExceeded
	PaymentInsufficient
	TransferFailed
	AlreadyDone
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case NotAuthorized:
		return "not_authorized"
	case InvalidState:
		return "invalid_state"
	case CapacityExceeded:
		return "capacity_exceeded"
	case PaymentInsufficient:
		return "payment_insufficient"
	case TransferFailed:
		return "transfer_failed"
	case AlreadyDone:
		return "already_done"
	default:
		return "unknown"
	}
}

// Error carries the failure kind plus the id of the entity the operation
// was acting on when it failed.
type Error struct {
	Kind    Kind
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match two ledger errors by kind alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// KindOf extracts the kind from any error in the chain, or ok=false when
// the error did not originate in the ledger.
func KindOf(err error) (Kind, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

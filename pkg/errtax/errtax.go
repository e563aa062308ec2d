// Package errtax implements the uniform error taxonomy that
// every component boundary classifies into before propagating a failure.
// It replaces exception-based control flow with a single typed error kind
// plus a recovery classification.
package errtax

import "fmt"

// Kind is one of the uniform failure categories.
type Kind string

const (
	TransportFailure     Kind = "TRANSPORT_FAILURE"
	WorkerRejectedBundle Kind = "WORKER_REJECTED_BUNDLE"
	WorkerExecutionError Kind = "WORKER_EXECUTION_ERROR"
	MergeWriteError      Kind = "MERGE_WRITE_ERROR"
	ResultTooBig         Kind = "RESULT_TOO_BIG"
	Cancelled            Kind = "CANCELLED"
	Timeout              Kind = "TIMEOUT"
	ConfigError          Kind = "CONFIG_ERROR"
	InvalidProtocol      Kind = "INVALID_PROTOCOL"
	AuthError            Kind = "AUTH_ERROR"
	Internal             Kind = "INTERNAL"
)

// Recovery is how the owning component should react to an error of a Kind.
type Recovery string

const (
	Retryable    Recovery = "RETRYABLE"
	NonRetryable Recovery = "NON_RETRYABLE"
	UserError    Recovery = "USER_ERROR"
)

// recoveryTable maps each kind to its default recovery classification.
var recoveryTable = map[Kind]Recovery{
	TransportFailure:     Retryable,
	WorkerRejectedBundle: Retryable, // default; WORKER_REJECTED_BUNDLE may be overridden per error_ext (see Error.WithRecovery)
	WorkerExecutionError: NonRetryable,
	MergeWriteError:      Retryable,
	ResultTooBig:         UserError,
	Cancelled:            NonRetryable,
	Timeout:              Retryable,
	ConfigError:          NonRetryable,
	InvalidProtocol:      NonRetryable,
	AuthError:            NonRetryable,
	Internal:             NonRetryable,
}

// DefaultRecovery returns the recovery classification for a Kind as laid
// out in recoveryTable, before any error_ext override is applied.
func DefaultRecovery(k Kind) Recovery {
	if r, ok := recoveryTable[k]; ok {
		return r
	}
	return NonRetryable
}

// Error is the typed error every component boundary converts failures into
// before returning across the boundary.
type Error struct {
	Kind     Kind
	Recovery Recovery
	Code     string // MySQL errno, HTTP status, or a short machine token
	Message  string
	Cause    error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Recovery: DefaultRecovery(kind), Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Recovery: DefaultRecovery(kind), Message: message, Cause: cause}
}

// WithRecovery overrides the default recovery classification — used when a
// WORKER_REJECTED_BUNDLE response carries error_ext.retryable explicitly.
func (e *Error) WithRecovery(r Recovery) *Error {
	e.Recovery = r
	return e
}

func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether a job/bundle affected by this error should be
// reassigned rather than failing the query outright.
func (e *Error) Retryable() bool { return e.Recovery == Retryable }

// As extracts an *Error from any error chain, defaulting unclassified
// errors to INTERNAL/NON_RETRYABLE so every failure still has a kind.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if ok := errorsAs(err, &e); ok {
		return e
	}
	return Wrap(Internal, err, err.Error())
}

// errorsAs is a tiny local copy of errors.As to avoid importing errors just
// for this one call site while keeping the public API error-chain aware.
func errorsAs(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

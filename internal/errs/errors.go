// Package errs defines the internal error taxonomy shared by the ETL load
// balancer, the feed engine, and the request dispatcher (spec §7).
package errs

import "github.com/pkg/errors"

// Kind identifies one of the taxonomy's error categories, independent of
// how the request dispatcher later encodes it on the wire.
type Kind int

const (
	// KindNotFound means the queried ledger or entry doesn't exist upstream.
	KindNotFound Kind = iota
	// KindUnavailable means a transport or stream failure occurred; retryable.
	KindUnavailable
	// KindAlreadyPresent means the storage collaborator already has the ledger.
	KindAlreadyPresent
	// KindShutdown means the shutdown flag was observed; retry loops stop.
	KindShutdown
	// KindBadRequest means the request failed local validation.
	KindBadRequest
	// KindUnknownCommand means the dispatcher has no handler for the command.
	KindUnknownCommand
	// KindForwardingFailed means forwardToRippled exhausted its sources.
	KindForwardingFailed
	// KindInternal means an unexpected condition; logged, counted, generic.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindUnavailable:
		return "Unavailable"
	case KindAlreadyPresent:
		return "AlreadyPresent"
	case KindShutdown:
		return "Shutdown"
	case KindBadRequest:
		return "BadRequest"
	case KindUnknownCommand:
		return "UnknownCommand"
	case KindForwardingFailed:
		return "ForwardingFailed"
	default:
		return "Internal"
	}
}

// Error is a Kind-tagged error. Wrap with github.com/pkg/errors at call
// boundaries (errors.Wrapf(err, ...)) to retain a stack and context; use
// Is/As against a *Error to recover the Kind at the dispatcher boundary.
type Error struct {
	Kind   Kind
	Reason string // sub-reason, e.g. NoSources | AllAttemptsFailed for ForwardingFailed
	cause  error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return e.Kind.String() + ": " + e.Reason
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a bare Kind error.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Wrap attaches a Kind to an underlying cause, preserving it for errors.Is/As.
func Wrap(kind Kind, cause error) *Error { return &Error{Kind: kind, cause: cause} }

// WithReason attaches a sub-reason string, e.g. forwarding failure detail.
func WithReason(kind Kind, reason string) *Error { return &Error{Kind: kind, Reason: reason} }

// Forwarding failure sub-reasons (§7 ForwardingFailed(NoSources | AllAttemptsFailed)).
const (
	ReasonNoSources         = "NoSources"
	ReasonAllAttemptsFailed = "AllAttemptsFailed"
	// ReasonCircuitOpen means a Source's forwarding circuit breaker is open.
	ReasonCircuitOpen = "CircuitOpen"
)

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown identifiers.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInvariantViolation marks a mutation whose result would break a data
	// invariant. Nothing is persisted when it is returned.
	ErrInvariantViolation = errors.New("ledger: invariant violation")
	// ErrInvalidTransition marks an operation that is illegal for the current
	// status.
	ErrInvalidTransition = errors.New("ledger: invalid transition")
	// ErrInvalidInput marks malformed requests.
	ErrInvalidInput = errors.New("ledger: invalid input")
	// ErrConflict is returned when the per-milestone lock could not be acquired
	// in time. Callers may retry.
	ErrConflict = errors.New("ledger: conflicting mutation in progress")
	// ErrUnauthorized marks callers acting on entities they do not own.
	ErrUnauthorized = errors.New("ledger: unauthorized")

	ErrExceedsTarget        = errors.New("escrow: donation exceeds milestone target")
	ErrUnderfundedMilestone = errors.New("escrow: milestone not fully funded")
	ErrDeadlineNotReached   = errors.New("escrow: deadline not reached")
	ErrUnknownValidator     = errors.New("quorum: unknown validator")
	ErrActiveAlertsRemain   = errors.New("fraud: active alerts remain")
	ErrAlertTargetMismatch  = errors.New("fraud: alert does not target milestone")
	ErrAlreadyTerminal      = errors.New("fraud: milestone already terminal")
	ErrAlreadyRefunded      = errors.New("refund: donation already refunded")
	ErrNotRefundable        = errors.New("refund: donation not refundable")
	ErrExpenseExceedsFunds  = errors.New("registry: expenses exceed funds raised")
	ErrNGONotVerified       = errors.New("registry: ngo not verified")

	ErrMilestoneFrozenOrTerminal    = fmt.Errorf("%w: milestone frozen or terminal", ErrInvalidTransition)
	ErrMilestoneNotAwaitingApproval = fmt.Errorf("%w: milestone not awaiting approval", ErrInvalidTransition)
	ErrAlertNotActive               = fmt.Errorf("%w: alert not active", ErrInvalidTransition)
)

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

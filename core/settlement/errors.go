package settlement

import (
	"context"
	"errors"
	"fmt"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

// Is lets the validation subtypes match ErrValidation.
func (e Err) Is(target error) bool {
	t, ok := target.(Err)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	if t == ErrValidation {
		switch e {
		case ErrInvalidState, ErrUnauthorized, ErrInvalidAmount, ErrInvalidAddress:
			return true
		}
	}
	return false
}

var (
	ErrValidation            = Err("validation failed")
	ErrInvalidState          = Err("invalid state for transition")
	ErrUnauthorized          = Err("caller not permitted")
	ErrInvalidAmount         = Err("invalid amount")
	ErrInvalidAddress        = Err("invalid target address")
	ErrNotFound              = Err("not found")
	ErrInsufficientFunds     = Err("insufficient funds")
	ErrInsufficientAllowance = Err("insufficient allowance")
	ErrAssociationRace       = Err("association lost to a concurrent lock")
	ErrDeliveryFailure       = Err("cross-chain delivery failed")
	ErrOrphanInconsistency   = Err("orphan or inconsistent reward plan")
	ErrManualIntervention    = Err("manual intervention required")
)

// ManualInterventionError is raised when both an association attempt and its
// compensating refund exhausted their budget. Funds stay escrowed under RewardID.
type ManualInterventionError struct {
	RewardID      uint64
	TaskID        uint64
	Cause         error
	LastRefundErr error
	Attempts      int
}

func (e *ManualInterventionError) Error() string {
	return fmt.Sprintf("manual intervention required for reward plan %d (task %d): association failed: %v; refund failed after %d attempts: %v",
		e.RewardID, e.TaskID, e.Cause, e.Attempts, e.LastRefundErr)
}

func (e *ManualInterventionError) Is(target error) bool { return target == ErrManualIntervention }

func (e *ManualInterventionError) Unwrap() []error {
	return []error{e.Cause, e.LastRefundErr}
}

// Retryable reports whether err may succeed against fresh state.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAssociationRace) {
		return true
	}
	var te interface{ Temporary() bool }
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

// Permanent reports whether err is a caller or state error that no retry can fix.
func Permanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientAllowance):
		return true
	}
	return false
}

// Code reduces err to a stable, low-cardinality name for metrics labels and
// API error bodies.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrManualIntervention):
		return "manual_intervention"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, ErrAssociationRace):
		return "association_race"
	case errors.Is(err, ErrDeliveryFailure):
		return "delivery_failure"
	case errors.Is(err, ErrOrphanInconsistency):
		return "orphan_inconsistency"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}

func invalidState(op string, id uint64, have fmt.Stringer, want string) error {
	return fmt.Errorf("%w: %s %d is %s, requires %s", ErrInvalidState, op, id, have, want)
}

func unauthorized(op string, id uint64, caller string) error {
	return fmt.Errorf("%w: %s %d by %q", ErrUnauthorized, op, id, caller)
}

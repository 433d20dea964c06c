package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no settlement record exists for an id.
	ErrNotFound = errors.New("settlement: not found")
	// ErrForbidden is returned when the caller is not a party to the record.
	ErrForbidden = errors.New("settlement: caller is not a party")
	// ErrValidation wraps every input rule violation. Use Invalid to build one.
	ErrValidation = errors.New("settlement: validation failed")
	// ErrAlreadyFinalized is returned when an action targets a terminal record.
	ErrAlreadyFinalized = errors.New("settlement: already finalized")
	// ErrAlreadyDisputed is returned when an escrow is frozen by a dispute.
	ErrAlreadyDisputed = errors.New("settlement: already disputed")
	// ErrProposalExpired is returned when a response arrives after the proposal deadline.
	ErrProposalExpired = errors.New("settlement: proposal expired")
	// ErrPaymentCaptureFailed is returned when the payment collaborator refuses the capture.
	ErrPaymentCaptureFailed = errors.New("settlement: payment capture failed")
	// ErrAlreadyExists is returned when an escrow already exists for an order.
	ErrAlreadyExists = errors.New("settlement: already exists")
)

// Invalid builds a validation error for the given field.
func Invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, fmt.Sprintf(format, args...))
}

package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist or does not belong to the caller.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is not allowed in the entity's current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidArgument is returned when a request carries malformed or missing fields.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNegativeUsage is returned when a usage delta would drive a counter below zero.
	ErrNegativeUsage = errors.New("negative usage")

	// ErrNoUsableMethod is returned when a subscriber has no active payment method.
	ErrNoUsableMethod = errors.New("no usable payment method")

	// ErrChargeInFlight is returned when a second charge is started for an invoice that
	// already has one in flight.
	ErrChargeInFlight = errors.New("charge already in flight")
)

// TransitionError reports a state change that the transition table rejects.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Entity, e.From, e.To)
}

// Unwrap lets callers match transition failures with errors.Is(err, ErrInvalidState).
func (e *TransitionError) Unwrap() error {
	return ErrInvalidState
}

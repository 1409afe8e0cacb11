package payments

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidFeePercentage = fmt.Errorf("%w: fee percentage must be between 0 and 100", ErrInvalidAmount)
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnknownTransaction   = errors.New("unknown transaction")
	ErrUnknownJob           = errors.New("unknown job")
	ErrUnknownProvider      = errors.New("unknown payment provider")
	ErrUnknownUser          = errors.New("unknown user")
	ErrForbidden            = errors.New("forbidden")
	ErrNotCompleted         = fmt.Errorf("%w: transaction is not completed", ErrForbidden)
	ErrPayeeUnresolved      = errors.New("payee is not assigned")
	ErrAlreadyReleased      = errors.New("funds already released")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")

	// ErrDuplicateIdempotencyKey is returned by a Store when a create loses the
	// unique-key race. The orchestrator turns it into an idempotent replay.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrProviderConflict marks a callback that contradicts a terminal status.
	// It is recorded as an anomaly and never returned to the provider.
	ErrProviderConflict = errors.New("provider callback conflicts with terminal status")

	// ErrConcurrentUpdate is returned by a Store when a conditional update
	// matched no row because another writer moved the transaction first.
	ErrConcurrentUpdate = errors.New("transaction changed concurrently")
)

package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Ledger and entitlement errors
	ErrInvalidTransition    = errors.New("invalid payment status transition")
	ErrIdempotentNoOp       = errors.New("event already applied")
	ErrPaymentNotRefundable = errors.New("payment is not refundable")
	ErrConcurrentUpdate     = errors.New("entitlement was modified concurrently")
	ErrInvariantViolated    = errors.New("active plan without billing date")

	// Processor and edge errors
	ErrUnsupportedOperation = errors.New("operation not supported by processor")
	ErrRateLimited          = errors.New("too many payment attempts")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrLockNotAcquired      = errors.New("lock held by another worker")
)

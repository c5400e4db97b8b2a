package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the execution gateway.
var (
	// Venue errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrOperationFailed  = errors.New("operation failed")

	// Request errors
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrContractNotFound        = errors.New("contract not found")
	ErrAmbiguousContract       = errors.New("ambiguous contract")
	ErrUnsupportedContractType = errors.New("unsupported contract type")
	ErrUnsupportedBroker       = errors.New("unsupported broker")

	// Ledger errors
	ErrDuplicateOrder  = errors.New("duplicate order id")
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPending = errors.New("order not in submitted state")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// OperationError wraps a lower-level venue fault. It matches
// ErrOperationFailed and unwraps to the original error.
type OperationError struct {
	Op  string
	Err error
}

// NewOperationError wraps err for op. A nil err yields nil.
func NewOperationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Op: op, Err: err}
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrOperationFailed, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Is reports ErrOperationFailed as a match.
func (e *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}

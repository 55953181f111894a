package settlement

import (
	"errors"
	"fmt"
)

// Business-rule failures. They are terminal: the order moves to failed and is
// not retried.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrNoPosition          = errors.New("no position for symbol")
	ErrAccountNotFound     = errors.New("account not found")
	ErrUnknownAction       = errors.New("unknown action type")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// StorageError wraps a failure of the storage layer: a transaction that could
// not begin or commit, lost connectivity, or a settlement timeout.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsBusinessError reports whether err is a business-rule failure as opposed
// to a storage failure. Both are terminal; the distinction is for logging.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientShares) ||
		errors.Is(err, ErrNoPosition) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrUnknownAction)
}

// reason renders err as the short failure reason stored on the order
func reason(err error) string {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return "storage error: " + storageErr.Op
	}
	return err.Error()
}

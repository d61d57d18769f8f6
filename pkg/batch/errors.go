package batch

import (
	"errors"
	"fmt"
)

// ErrBatchItemFailure marks an item that could not be processed.
var ErrBatchItemFailure = errors.New("batch: item failed")

// ItemError is returned by Run in strict mode. It matches both
// ErrBatchItemFailure and the underlying cause with errors.Is.
type ItemError struct {
	Index int
	ID    string
	Err   error
}

// Error implements the error interface.
func (e *ItemError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("batch: item %d (%s) failed: %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("batch: item %d failed: %v", e.Index, e.Err)
}

// Unwrap returns the sentinel and the cause.
func (e *ItemError) Unwrap() []error {
	return []error{ErrBatchItemFailure, e.Err}
}

/*
errors.go - Error types for the batch ledger

ERROR CATEGORIES:
  1. NotFound         - Operation references a batchId absent from the ledger
  2. AlreadyExists    - createBatch on a used batchId
  3. ValidationFailed - Creation input violates required-field rules
  4. Concurrency      - A store detected a concurrent write to the same key

  Malformed JSON payloads are NOT errors: recorders substitute an empty
  object and carry on. An integrity mismatch is a result value, not an error.

USAGE:
  if errors.Is(err, batch.ErrNotFound) { ... }

  var verr *batch.ValidationError
  if errors.As(err, &verr) {
      fmt.Println(verr.Problems)
  }
*/
package batch

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a batchId does not exist in the ledger.
	ErrNotFound = errors.New("batch not found")

	// ErrAlreadyExists is returned when creating a batch whose key is taken.
	ErrAlreadyExists = errors.New("batch already exists")

	// ErrValidationFailed is returned when creation input is invalid.
	ErrValidationFailed = errors.New("validation failed")

	// ErrConcurrentModification is returned by stores that detect a write
	// to a key that changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type NotFoundError struct {
	BatchID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("batch %s does not exist", e.BatchID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type AlreadyExistsError struct {
	BatchID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("batch %s already exists", e.BatchID)
}

func (e *AlreadyExistsError) Unwrap() error { return ErrAlreadyExists }

// ValidationError carries every violated rule, not just the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidationFailed) || errors.Is(err, ErrAlreadyExists)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

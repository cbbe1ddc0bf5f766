/*
errors.go - Centralized error types for the lot ledger

PURPOSE:
  All error kinds in one place. Planning failures surface before any write;
  ErrReconciliationMismatch is detected at write time and aborts the
  enclosing transaction.

ERROR CATEGORIES:
  1. Input errors - missing key, non-positive quantity, bad ordering
  2. Rule violations - exact price exhausted, invalid manual correction
  3. Consistency errors - reconciliation mismatch
  4. Store / lock errors - lot not found, lock not obtained

NOTE:
  Running out of lots is NOT an error. It is the shortfall path of the
  planner and always succeeds with an estimated cost.

USAGE:
  if errors.Is(err, costlot.ErrExactPriceExhausted) {
      var ex *costlot.ExactPriceExhaustedError
      errors.As(err, &ex)
      // ex.Available, ex.Requested
  }
*/
package costlot

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingKey is returned when an operation has no resolvable subject key.
	ErrMissingKey = errors.New("missing lot key")

	// ErrExactPriceExhausted is returned when consumption is pinned to a unit
	// price and fewer units exist at that price than requested.
	ErrExactPriceExhausted = errors.New("exact unit price exhausted")

	// ErrInvalidManualCorrection is returned when a price correction targets a
	// lot that is not an exact zero-priced lot.
	ErrInvalidManualCorrection = errors.New("invalid manual price correction")

	// ErrReconciliationMismatch is returned when the remaining set references a
	// lot id absent from the original set.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrNonPositiveQuantity is returned for zero or negative divisors and
	// negative consumption quantities.
	ErrNonPositiveQuantity = errors.New("non-positive quantity")

	// ErrLotNotFound is returned when a referenced lot id does not exist.
	ErrLotNotFound = errors.New("lot not found")

	// ErrInvalidOrdering is returned for an unknown ordering column or direction.
	ErrInvalidOrdering = errors.New("invalid ordering")

	// ErrInvalidPolicy is returned for an unknown registration mode.
	ErrInvalidPolicy = errors.New("invalid store policy")

	// ErrLockNotObtained is returned when the per-key lock could not be acquired.
	ErrLockNotObtained = errors.New("lot lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ExactPriceExhaustedError details an exact-price consumption failure.
type ExactPriceExhaustedError struct {
	UnitPrice int64
	Available int64
	Requested int64
}

func (e *ExactPriceExhaustedError) Error() string {
	return fmt.Sprintf("exact unit price exhausted: price %d, available %d, requested %d",
		e.UnitPrice, e.Available, e.Requested)
}

func (e *ExactPriceExhaustedError) Unwrap() error { return ErrExactPriceExhausted }

// InvalidCorrectionError details why a lot cannot take a manual price.
type InvalidCorrectionError struct {
	ID        LotID
	UnitPrice int64
	IsExact   bool
}

func (e *InvalidCorrectionError) Error() string {
	return fmt.Sprintf("invalid manual price correction: lot %s has unit price %d (exact=%t)",
		e.ID, e.UnitPrice, e.IsExact)
}

func (e *InvalidCorrectionError) Unwrap() error { return ErrInvalidManualCorrection }

// ReconciliationMismatchError names the id that has no original counterpart.
type ReconciliationMismatchError struct {
	ID LotID
}

func (e *ReconciliationMismatchError) Error() string {
	if e.ID == "" {
		return "reconciliation mismatch: remaining lot without id"
	}
	return fmt.Sprintf("reconciliation mismatch: lot %s not in original set", e.ID)
}

func (e *ReconciliationMismatchError) Unwrap() error { return ErrReconciliationMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingKey) ||
		errors.Is(err, ErrExactPriceExhausted) ||
		errors.Is(err, ErrInvalidManualCorrection) ||
		errors.Is(err, ErrNonPositiveQuantity) ||
		errors.Is(err, ErrInvalidOrdering) ||
		errors.Is(err, ErrInvalidPolicy)
}

// IsNotFound returns true if the error indicates a missing lot.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLotNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockNotObtained)
}

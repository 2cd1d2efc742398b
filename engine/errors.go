/*
errors.go - Centralized error types for the authorization engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores and transports wrap these errors with additional context.

ERROR CATEGORIES (mirrors the caller-visible taxonomy):
  1. Validation errors  - bad input, rejected before any lock is taken
  2. Not-found errors   - card/organization missing or inactive
  3. Domain rejections  - balance/limit checks failed, unit rolled back
  4. Infrastructure     - store unavailable, lock wait exceeded, fault

USAGE:
  if errors.Is(err, engine.ErrCardNotFound) { ... }

  var rej *engine.RejectionError
  if errors.As(err, &rej) { reason := rej.Reason }
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCardNotFound is returned when no active card matches a number.
	// No lock is held when this is returned.
	ErrCardNotFound = errors.New("card not found or inactive")

	// ErrOrganizationNotFound is returned when a card's owning
	// organization is missing or inactive.
	ErrOrganizationNotFound = errors.New("organization not found or inactive")

	// ErrStationNotFound is returned when an API key resolves to no
	// active fuel station.
	ErrStationNotFound = errors.New("fuel station not found or inactive")

	// ErrTransactionNotFound is returned by read-side queries for an
	// unknown transaction id.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrRejected is the root of all domain rejections. The unit has
	// been rolled back; the store is unchanged.
	ErrRejected = errors.New("authorization rejected")

	// ErrLockWaitTimeout is returned when a row lock could not be
	// acquired within the configured bound. Surfaced as an
	// infrastructure error; the engine never retries.
	ErrLockWaitTimeout = errors.New("lock wait timeout")

	// ErrConcurrentModification is returned when the store detects a
	// serialization conflict between concurrent units.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateCode is returned on unique-constraint violations for
	// organization codes, card numbers and station API keys.
	ErrDuplicateCode = errors.New("duplicate unique code")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports malformed input. It is returned before any
// lock is taken: no side effects, no event.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RejectionError carries the structured rejection handed to the caller.
// Reason is one of the Reason* constants.
type RejectionError struct {
	Reason         string
	CardID         int64
	OrganizationID int64
	Amount         decimal.Decimal
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("authorization rejected: %s", e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true for malformed-input failures.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound returns true if the error indicates a missing or inactive entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCardNotFound) ||
		errors.Is(err, ErrOrganizationNotFound) ||
		errors.Is(err, ErrStationNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsRejection returns true for domain rejections (balance/limit).
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}

// IsClientError returns true if the error is due to invalid client input
// rather than an infrastructure fault.
func IsClientError(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsRejection(err) ||
		errors.Is(err, ErrDuplicateCode)
}

/*
Package engine implements the transaction authorization core.

PURPOSE:
  This package decides, under concurrent load, whether a fuel purchase
  against a prepaid organization balance and per-card spending limits may
  proceed, and durably records the outcome. Everything else in the
  repository (HTTP surface, event transports, entity management) hangs
  off the types and interfaces defined here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Organization: tenant owning a prepaid balance and one or more cards
  - Card: spending instrument with daily/monthly caps
  - Transaction: immutable record of one authorization outcome
  - AuthorizationRequest/Result: the engine's boundary operation

DESIGN PRINCIPLES:
  1. Precision: shopspring/decimal for all money, never float64
  2. Immutability: a Transaction is finalized at creation, no update path
  3. Derived usage: consumed amounts are always recomputed from the
     transaction log, never read from a cached counter

SEE ALSO:
  - coordinator.go: The authorization algorithm
  - store.go: Persistence interfaces
  - usage.go: Daily/monthly consumption aggregation
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTITIES
// =============================================================================

// Organization is a tenant holding a prepaid balance.
// The balance is mutated exclusively through AdjustOrganizationBalance
// inside an authorization unit; committed state is never negative.
type Organization struct {
	ID        int64
	Name      string
	Code      string // unique business code
	Balance   decimal.Decimal
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Card is a spending instrument bound to exactly one organization.
//
// Consumed daily/monthly amounts are intentionally NOT stored here: a
// mutable usage counter updated outside the row lock is subject to
// lost-update races that silently defeat limit enforcement. Usage is
// derived from the transaction log (see UsageAggregator).
type Card struct {
	ID             int64
	Number         string // unique, 13-19 digits
	HolderName     string
	OrganizationID int64
	DailyLimit     decimal.Decimal
	MonthlyLimit   decimal.Decimal
	IsActive       bool
	LastUsedAt     *time.Time // usage marker, touched on approval
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FuelStation is an external party submitting authorization requests,
// identified by an opaque API key. The engine treats a resolved station
// purely as a reference to stamp onto transactions.
type FuelStation struct {
	ID        int64
	Name      string
	Location  string
	APIKey    string // unique, opaque credential
	IsActive  bool
	CreatedAt time.Time
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionStatus is terminal: assigned once at creation, never mutated.
type TransactionStatus string

const (
	StatusApproved TransactionStatus = "approved"
	StatusRejected TransactionStatus = "rejected"
)

// Transaction records the outcome of one authorization attempt.
// Created and finalized entirely inside one atomic unit; there is no
// update path afterwards.
type Transaction struct {
	ID              int64
	CardID          int64
	OrganizationID  int64
	FuelStationID   int64
	Amount          decimal.Decimal // always positive
	Status          TransactionStatus
	RejectionReason string    // present iff Status == StatusRejected
	TransactionAt   time.Time // caller-supplied business time, not wall-clock
	CreatedAt       time.Time
}

// =============================================================================
// AUTHORIZATION BOUNDARY
// =============================================================================

// AuthorizationRequest is the engine's boundary input.
// TransactionAt is business time supplied by the station terminal; limit
// windows are computed against it, not against the server clock.
type AuthorizationRequest struct {
	CardNumber    string
	Amount        decimal.Decimal
	TransactionAt time.Time
	FuelStationID int64 // resolved by FuelStationIdentity, passed through
}

// AuthorizationResult is the engine's boundary output.
// Exactly one of the two shapes occurs:
//   - Success=true with TransactionID set
//   - Success=false with RejectionReason set (unit rolled back)
//
// Validation, not-found and infrastructure failures are returned as
// errors instead, never as a Result.
type AuthorizationResult struct {
	Success         bool
	TransactionID   int64
	RejectionReason string
}

// Rejection reasons are part of the wire contract; callers and tests
// match on the exact strings.
const (
	ReasonInsufficientBalance = "Insufficient organization balance"
	ReasonDailyLimitExceeded  = "Daily limit exceeded"
	ReasonMonthlyLimitExceeded = "Monthly limit exceeded"
)

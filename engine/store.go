/*
store.go - Persistence interfaces for the authorization engine

PURPOSE:
  Defines the boundary between the coordinator and the database. The
  LedgerStore owns the atomic unit of work; everything the coordinator
  reads or writes during one authorization happens through an
  AuthorizationUnit scoped to that unit.

ATOMICITY CONTRACT:
  WithAuthorization opens one serializable unit. If fn returns an error
  - any error - every partial write is rolled back and the store is left
  byte-for-byte unchanged. If fn returns nil, all writes commit together.

LOCK ORDER CONTRACT:
  Callers must lock the card BEFORE the owning organization. This is a
  global protocol, not an implementation accident: a single fixed order
  is what prevents deadlock cycles between concurrent authorizations.

LOCK WAIT BOUND:
  Lock acquisition blocks until a conflicting holder releases, up to a
  store-configured bound. Exceeding it surfaces ErrLockWaitTimeout.

IMPLEMENTATIONS:
  - engine/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go:  embedded single-node deployments
  - store/postgres/postgres.go: production (FOR UPDATE + SERIALIZABLE)
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER STORE - Atomic unit of work
// =============================================================================

// LedgerStore opens atomic authorization units against the durable store.
type LedgerStore interface {
	// WithAuthorization executes fn inside one serializable unit of
	// work. fn error => full rollback; nil => commit. Row locks taken
	// inside the unit are released either way.
	WithAuthorization(ctx context.Context, fn func(AuthorizationUnit) error) error
}

// AuthorizationUnit is the view of the store inside one atomic unit.
// All methods operate under the unit's isolation; locked rows stay
// locked until the unit ends.
type AuthorizationUnit interface {
	// LockCardForUpdate acquires an exclusive lock on the active card
	// with the given number and returns it. ErrCardNotFound if absent
	// or inactive (no lock held in that case).
	LockCardForUpdate(ctx context.Context, number string) (*Card, error)

	// LockOrganizationForUpdate acquires an exclusive lock on the
	// active organization row. Must be called after LockCardForUpdate
	// (fixed global order). ErrOrganizationNotFound if absent/inactive.
	LockOrganizationForUpdate(ctx context.Context, id int64) (*Organization, error)

	// SumApproved returns the sum of APPROVED transaction amounts for
	// the card whose business timestamp falls in [from, to).
	SumApproved(ctx context.Context, cardID int64, from, to time.Time) (decimal.Decimal, error)

	// AppendTransaction persists a finalized transaction and assigns
	// tx.ID. Append-only: no update or delete path exists.
	AppendTransaction(ctx context.Context, tx *Transaction) error

	// AdjustOrganizationBalance applies a relative delta evaluated by
	// the store itself (SET balance = balance + delta), never a
	// read-then-write in application memory.
	AdjustOrganizationBalance(ctx context.Context, id int64, delta decimal.Decimal) error

	// TouchCardUsageMarker records when the card last authorized.
	TouchCardUsageMarker(ctx context.Context, cardID int64, at time.Time) error
}

// =============================================================================
// DIRECTORIES - External collaborators, read-only
// =============================================================================

// CardDirectory resolves cards outside any authorization unit.
type CardDirectory interface {
	FindActiveCardByNumber(ctx context.Context, number string) (*Card, error)
}

// OrganizationDirectory resolves organizations outside any unit.
type OrganizationDirectory interface {
	FindActiveOrganizationByID(ctx context.Context, id int64) (*Organization, error)
}

// FuelStationIdentity resolves an opaque station credential. The engine
// passes the resolved station reference through; it does not validate it.
type FuelStationIdentity interface {
	ResolveAPIKey(ctx context.Context, apiKey string) (*FuelStation, error)
}

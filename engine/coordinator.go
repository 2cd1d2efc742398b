/*
coordinator.go - Orchestration of one authorization attempt

PURPOSE:
  The Coordinator turns an AuthorizationRequest into a terminal outcome:
  it opens one serializable atomic unit, acquires row locks in the fixed
  global order (card, then organization), applies the balance and limit
  rules, and either commits a fully consistent APPROVED state or leaves
  the store byte-for-byte unchanged.

STATE MACHINE:
  START -> {INVALID, NOT_FOUND}                    terminal, no lock held
        -> LOCKED -> {INSUFFICIENT_BALANCE,
                      DAILY_EXCEEDED,
                      MONTHLY_EXCEEDED}            terminal, unit rolled back
                  -> APPROVED                      terminal, unit committed

CHECK ORDER (documented contract, tested):
  existence -> balance -> daily limit -> monthly limit
  When multiple conditions fail simultaneously, the first in this order
  wins and determines the rejection reason.

FAILURE SEMANTICS:
  Any error during the unit rolls back all partial writes and propagates
  to the caller. The coordinator never retries; retry policy belongs to
  the caller.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Card numbers are opaque PAN-like strings; only length is validated here.
const (
	minCardNumberLen = 13
	maxCardNumberLen = 19
)

// Coordinator orchestrates lock acquisition, validation, limit checks
// and commit/rollback of one authorization.
type Coordinator struct {
	store    LedgerStore
	usage    UsageAggregator
	notifier Notifier
	logger   *zap.Logger
}

func NewCoordinator(store LedgerStore, notifier Notifier, logger *zap.Logger) *Coordinator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, notifier: notifier, logger: logger}
}

// Authorize decides one purchase request and durably records the outcome.
//
// Returns (result, nil) for both approvals and domain rejections; the
// rejection reason rides in the result. Validation, not-found and
// infrastructure failures return a zero result and an error.
func (c *Coordinator) Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error) {
	// Malformed input is rejected before any lock is taken: no side
	// effects, no event.
	if err := validateRequest(req); err != nil {
		return AuthorizationResult{}, err
	}

	var (
		tx     *Transaction
		events []Event
	)

	err := c.store.WithAuthorization(ctx, func(unit AuthorizationUnit) error {
		// Lock order is fixed: card first, then owning organization.
		card, err := unit.LockCardForUpdate(ctx, req.CardNumber)
		if err != nil {
			return err
		}

		org, err := unit.LockOrganizationForUpdate(ctx, card.OrganizationID)
		if err != nil {
			return err
		}

		reject := func(reason string) error {
			return &RejectionError{
				Reason:         reason,
				CardID:         card.ID,
				OrganizationID: org.ID,
				Amount:         req.Amount,
			}
		}

		if org.Balance.LessThan(req.Amount) {
			return reject(ReasonInsufficientBalance)
		}

		daily, err := c.usage.ConsumedDaily(ctx, unit, card.ID, req.TransactionAt)
		if err != nil {
			return fmt.Errorf("daily usage for card %d: %w", card.ID, err)
		}
		if daily.Add(req.Amount).GreaterThan(card.DailyLimit) {
			return reject(ReasonDailyLimitExceeded)
		}

		monthly, err := c.usage.ConsumedMonthly(ctx, unit, card.ID, req.TransactionAt)
		if err != nil {
			return fmt.Errorf("monthly usage for card %d: %w", card.ID, err)
		}
		if monthly.Add(req.Amount).GreaterThan(card.MonthlyLimit) {
			return reject(ReasonMonthlyLimitExceeded)
		}

		// All checks passed: append, decrement, touch - one unit.
		tx = &Transaction{
			CardID:         card.ID,
			OrganizationID: org.ID,
			FuelStationID:  req.FuelStationID,
			Amount:         req.Amount,
			Status:         StatusApproved,
			TransactionAt:  req.TransactionAt.UTC(),
		}
		if err := unit.AppendTransaction(ctx, tx); err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}
		if err := unit.AdjustOrganizationBalance(ctx, org.ID, req.Amount.Neg()); err != nil {
			return fmt.Errorf("adjust balance for organization %d: %w", org.ID, err)
		}
		if err := unit.TouchCardUsageMarker(ctx, card.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("touch usage marker for card %d: %w", card.ID, err)
		}
		return nil
	})

	// The unit is now terminal: committed on nil, rolled back on error.
	// Only from here on may events leave the process.
	var rejection *RejectionError
	switch {
	case err == nil:
		events = approvalEvents(tx)
		c.logger.Info("transaction approved",
			zap.Int64("transaction_id", tx.ID),
			zap.Int64("card_id", tx.CardID),
			zap.Int64("organization_id", tx.OrganizationID),
			zap.String("amount", tx.Amount.String()))
		c.emit(ctx, events)
		return AuthorizationResult{Success: true, TransactionID: tx.ID}, nil

	case errors.As(err, &rejection):
		events = append(events, rejectionEvent(rejection))
		c.logger.Warn("transaction rejected",
			zap.Int64("card_id", rejection.CardID),
			zap.Int64("organization_id", rejection.OrganizationID),
			zap.String("amount", rejection.Amount.String()),
			zap.String("reason", rejection.Reason))
		c.emit(ctx, events)
		return AuthorizationResult{Success: false, RejectionReason: rejection.Reason}, nil

	default:
		// Not-found and infrastructure faults: rolled back, no event.
		c.logger.Error("authorization failed", zap.Error(err))
		return AuthorizationResult{}, err
	}
}

func (c *Coordinator) emit(ctx context.Context, events []Event) {
	for _, e := range events {
		c.notifier.Notify(ctx, e)
	}
}

func approvalEvents(tx *Transaction) []Event {
	created := NewEvent(EventTransactionCreated)
	created.TransactionID = tx.ID
	created.CardID = tx.CardID
	created.OrganizationID = tx.OrganizationID
	created.Amount = tx.Amount
	created.Status = string(StatusApproved)

	approved := NewEvent(EventTransactionApproved)
	approved.TransactionID = tx.ID
	approved.CardID = tx.CardID
	approved.OrganizationID = tx.OrganizationID
	approved.Amount = tx.Amount

	return []Event{created, approved}
}

func rejectionEvent(rej *RejectionError) Event {
	// transactionId 0: rejections never persist a row.
	e := NewEvent(EventTransactionRejected)
	e.CardID = rej.CardID
	e.OrganizationID = rej.OrganizationID
	e.Amount = rej.Amount
	e.Reason = rej.Reason
	return e
}

func validateRequest(req AuthorizationRequest) error {
	if n := len(req.CardNumber); n < minCardNumberLen || n > maxCardNumberLen {
		return &ValidationError{Field: "card_number", Message: "must be between 13 and 19 characters"}
	}
	if !req.Amount.GreaterThan(decimal.Zero) {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if req.TransactionAt.IsZero() {
		return &ValidationError{Field: "transaction_at", Message: "must be provided"}
	}
	return nil
}

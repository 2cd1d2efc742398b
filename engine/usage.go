/*
usage.go - Daily/monthly consumption derived from the transaction log

PURPOSE:
  Recomputes a card's consumed amounts by summing APPROVED transactions
  whose business timestamp falls in the same UTC calendar day or month
  as the supplied date.

WHY DERIVE INSTEAD OF CACHING?
  A cached running counter updated outside the lock scope is subject to
  lost-update races: two concurrent authorizations each read the stale
  counter and both pass a limit check that, combined, violates it. The
  aggregator always reads the durable log through the caller's
  AuthorizationUnit, inside the same lock scope as the decision.
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// UsageAggregator computes consumed amounts from the transaction log.
// It holds no state of its own; pass the unit whose lock scope the
// answer must be consistent with.
type UsageAggregator struct{}

// ConsumedDaily returns the sum of APPROVED amounts for the card on the
// UTC calendar day containing at.
func (UsageAggregator) ConsumedDaily(ctx context.Context, unit AuthorizationUnit, cardID int64, at time.Time) (decimal.Decimal, error) {
	from, to := DayWindow(at)
	return unit.SumApproved(ctx, cardID, from, to)
}

// ConsumedMonthly returns the sum of APPROVED amounts for the card in
// the UTC calendar month containing at.
func (UsageAggregator) ConsumedMonthly(ctx context.Context, unit AuthorizationUnit, cardID int64, at time.Time) (decimal.Decimal, error) {
	from, to := MonthWindow(at)
	return unit.SumApproved(ctx, cardID, from, to)
}

// DayWindow returns the half-open UTC interval [start of day, start of
// next day) containing at.
func DayWindow(at time.Time) (time.Time, time.Time) {
	t := at.UTC()
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}

// MonthWindow returns the half-open UTC interval [start of month, start
// of next month) containing at.
func MonthWindow(at time.Time) (time.Time, time.Time) {
	t := at.UTC()
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

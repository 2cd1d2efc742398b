package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-ledger/engine"
	"github.com/warp/fuel-ledger/engine/store"
)

// =============================================================================
// WINDOW MATH
// =============================================================================

func TestDayWindow_HalfOpenUTCDay(t *testing.T) {
	at := time.Date(2025, time.June, 12, 23, 59, 59, 0, time.UTC)
	from, to := engine.DayWindow(at)

	assert.Equal(t, time.Date(2025, time.June, 12, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, time.June, 13, 0, 0, 0, 0, time.UTC), to)
}

func TestDayWindow_NormalizesToUTC(t *testing.T) {
	// 01:30+03:00 is 22:30 UTC the previous day; the window must follow
	// the UTC calendar day, not the local one.
	loc := time.FixedZone("UTC+3", 3*60*60)
	at := time.Date(2025, time.June, 13, 1, 30, 0, 0, loc)

	from, _ := engine.DayWindow(at)
	assert.Equal(t, time.Date(2025, time.June, 12, 0, 0, 0, 0, time.UTC), from)
}

func TestMonthWindow_HandlesYearRollover(t *testing.T) {
	at := time.Date(2025, time.December, 31, 12, 0, 0, 0, time.UTC)
	from, to := engine.MonthWindow(at)

	assert.Equal(t, time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), to)
}

// =============================================================================
// AGGREGATION OVER THE LOG
// =============================================================================

// seedApproved appends an approved transaction directly through a unit.
func seedApproved(t *testing.T, mem *store.Memory, cardID, orgID int64, amount string, at time.Time) {
	t.Helper()
	err := mem.WithAuthorization(context.Background(), func(u engine.AuthorizationUnit) error {
		return u.AppendTransaction(context.Background(), &engine.Transaction{
			CardID:         cardID,
			OrganizationID: orgID,
			Amount:         dec(amount),
			Status:         engine.StatusApproved,
			TransactionAt:  at,
		})
	})
	require.NoError(t, err)
}

func TestUsageAggregator_SumsOnlySameDayApproved(t *testing.T) {
	// GIVEN: approvals on June 12 (30 + 20), June 11 (99) and July 12 (77)
	// WHEN: asking for daily consumption as of June 12
	// THEN: only the June 12 amounts count

	ctx := context.Background()
	mem := store.NewMemory()

	org := engine.Organization{Name: "U", Code: "USAGE", Balance: dec("0")}
	require.NoError(t, mem.CreateOrganization(ctx, &org))
	card := engine.Card{
		Number: "4000111122227777", HolderName: "U", OrganizationID: org.ID,
		DailyLimit: dec("100"), MonthlyLimit: dec("1000"),
	}
	require.NoError(t, mem.CreateCard(ctx, &card))

	seedApproved(t, mem, card.ID, org.ID, "30.00", time.Date(2025, time.June, 12, 8, 0, 0, 0, time.UTC))
	seedApproved(t, mem, card.ID, org.ID, "20.00", time.Date(2025, time.June, 12, 20, 0, 0, 0, time.UTC))
	seedApproved(t, mem, card.ID, org.ID, "99.00", time.Date(2025, time.June, 11, 8, 0, 0, 0, time.UTC))
	seedApproved(t, mem, card.ID, org.ID, "77.00", time.Date(2025, time.July, 12, 8, 0, 0, 0, time.UTC))

	var agg engine.UsageAggregator
	err := mem.WithAuthorization(ctx, func(u engine.AuthorizationUnit) error {
		daily, err := agg.ConsumedDaily(ctx, u, card.ID, time.Date(2025, time.June, 12, 15, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.True(t, daily.Equal(dec("50.00")), "daily usage %s, want 50.00", daily)

		monthly, err := agg.ConsumedMonthly(ctx, u, card.ID, time.Date(2025, time.June, 12, 15, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.True(t, monthly.Equal(dec("149.00")), "monthly usage %s, want 149.00", monthly)
		return nil
	})
	require.NoError(t, err)
}

func TestUsageAggregator_IgnoresOtherCards(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	org := engine.Organization{Name: "U2", Code: "USAGE2", Balance: dec("0")}
	require.NoError(t, mem.CreateOrganization(ctx, &org))
	cardA := engine.Card{
		Number: "4000111122228881", HolderName: "A", OrganizationID: org.ID,
		DailyLimit: dec("100"), MonthlyLimit: dec("1000"),
	}
	cardB := engine.Card{
		Number: "4000111122228882", HolderName: "B", OrganizationID: org.ID,
		DailyLimit: dec("100"), MonthlyLimit: dec("1000"),
	}
	require.NoError(t, mem.CreateCard(ctx, &cardA))
	require.NoError(t, mem.CreateCard(ctx, &cardB))

	at := time.Date(2025, time.June, 12, 8, 0, 0, 0, time.UTC)
	seedApproved(t, mem, cardA.ID, org.ID, "40.00", at)
	seedApproved(t, mem, cardB.ID, org.ID, "60.00", at)

	var agg engine.UsageAggregator
	err := mem.WithAuthorization(ctx, func(u engine.AuthorizationUnit) error {
		daily, err := agg.ConsumedDaily(ctx, u, cardA.ID, at)
		require.NoError(t, err)
		assert.True(t, daily.Equal(dec("40.00")), "got %s", daily)
		return nil
	})
	require.NoError(t, err)
}

package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/fuel-ledger/engine"
	"github.com/warp/fuel-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err, "Failed to create store")
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedAccount creates an organization with one active card and returns both.
func seedAccount(t *testing.T, s *sqlite.Store, balance, daily, monthly string) (*engine.Organization, *engine.Card) {
	t.Helper()
	ctx := context.Background()

	org := &engine.Organization{
		Name:    "Acme Logistics",
		Code:    fmt.Sprintf("ACME-%d", time.Now().UnixNano()),
		Balance: dec(balance),
	}
	require.NoError(t, s.CreateOrganization(ctx, org))

	card := &engine.Card{
		Number:         fmt.Sprintf("400000%010d", time.Now().UnixNano()%1e10),
		HolderName:     "Dana Driver",
		OrganizationID: org.ID,
		DailyLimit:     dec(daily),
		MonthlyLimit:   dec(monthly),
	}
	require.NoError(t, s.CreateCard(ctx, card))
	return org, card
}

// =============================================================================
// ENTITY MANAGEMENT
// =============================================================================

func TestOrganizationPersistence(t *testing.T) {
	// GIVEN: a fresh store
	s := newTestStore(t)
	ctx := context.Background()

	// WHEN: creating and reading back an organization
	org := &engine.Organization{Name: "Warp Freight", Code: "WARP", Balance: dec("1000.00")}
	require.NoError(t, s.CreateOrganization(ctx, org))
	require.NotZero(t, org.ID)

	got, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)

	// THEN: persisted fields round-trip exactly
	require.Equal(t, "Warp Freight", got.Name)
	require.Equal(t, "WARP", got.Code)
	require.True(t, got.Balance.Equal(dec("1000.00")))
	require.True(t, got.IsActive)
}

func TestDuplicateOrganizationCodeRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// GIVEN: an existing organization code
	require.NoError(t, s.CreateOrganization(ctx, &engine.Organization{Name: "A", Code: "DUP"}))

	// WHEN: creating another organization with the same code
	err := s.CreateOrganization(ctx, &engine.Organization{Name: "B", Code: "DUP"})

	// THEN: the unique constraint surfaces as ErrDuplicateCode
	require.ErrorIs(t, err, engine.ErrDuplicateCode)
}

func TestCardRequiresExistingOrganization(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateCard(context.Background(), &engine.Card{
		Number:         "4000000000000001",
		HolderName:     "Nobody",
		OrganizationID: 9999,
		DailyLimit:     dec("100.00"),
		MonthlyLimit:   dec("1000.00"),
	})
	require.ErrorIs(t, err, engine.ErrOrganizationNotFound)
}

func TestUpdateCardLimits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, card := seedAccount(t, s, "500.00", "100.00", "1000.00")

	updated, err := s.UpdateCardLimits(ctx, card.ID, dec("250.00"), dec("2500.00"))
	require.NoError(t, err)
	require.True(t, updated.DailyLimit.Equal(dec("250.00")))
	require.True(t, updated.MonthlyLimit.Equal(dec("2500.00")))
}

func TestDeactivatedCardInvisibleToDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, card := seedAccount(t, s, "500.00", "100.00", "1000.00")

	// GIVEN: the card is deactivated
	require.NoError(t, s.DeactivateCard(ctx, card.ID))

	// THEN: the directory no longer resolves it, but GetCard still does
	_, err := s.FindActiveCardByNumber(ctx, card.Number)
	require.ErrorIs(t, err, engine.ErrCardNotFound)

	got, err := s.GetCard(ctx, card.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
}

func TestFuelStationAPIKeyResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := &engine.FuelStation{Name: "Shell I-95", Location: "Richmond, VA", APIKey: "sk-station-1"}
	require.NoError(t, s.CreateFuelStation(ctx, st))

	got, err := s.ResolveAPIKey(ctx, "sk-station-1")
	require.NoError(t, err)
	require.Equal(t, st.ID, got.ID)

	_, err = s.ResolveAPIKey(ctx, "sk-wrong")
	require.ErrorIs(t, err, engine.ErrStationNotFound)
}

func TestDepositsComposeRelatively(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org, _ := seedAccount(t, s, "100.00", "100.00", "1000.00")

	// WHEN: depositing twice
	_, err := s.DepositToOrganization(ctx, org.ID, dec("50.00"))
	require.NoError(t, err)
	got, err := s.DepositToOrganization(ctx, org.ID, dec("25.50"))
	require.NoError(t, err)

	// THEN: the balance reflects both relative updates
	require.True(t, got.Balance.Equal(dec("175.50")), "got %s", got.Balance)
}

// =============================================================================
// AUTHORIZATION UNIT SEMANTICS
// =============================================================================

func TestUnitRollbackDiscardsAllWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org, card := seedAccount(t, s, "500.00", "100.00", "1000.00")

	// GIVEN: a unit that writes a transaction, moves money, then fails
	boom := fmt.Errorf("boom")
	err := s.WithAuthorization(ctx, func(u engine.AuthorizationUnit) error {
		tx := &engine.Transaction{
			CardID:         card.ID,
			OrganizationID: org.ID,
			Amount:         dec("60.00"),
			Status:         engine.StatusApproved,
			TransactionAt:  time.Now().UTC(),
		}
		require.NoError(t, u.AppendTransaction(ctx, tx))
		require.NoError(t, u.AdjustOrganizationBalance(ctx, org.ID, dec("-60.00")))
		require.NoError(t, u.TouchCardUsageMarker(ctx, card.ID, time.Now().UTC()))
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN: nothing persisted
	gotOrg, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	require.True(t, gotOrg.Balance.Equal(dec("500.00")))

	txs, err := s.TransactionsByCard(ctx, card.ID)
	require.NoError(t, err)
	require.Empty(t, txs)

	gotCard, err := s.GetCard(ctx, card.ID)
	require.NoError(t, err)
	require.Nil(t, gotCard.LastUsedAt)
}

func TestSumApprovedHonorsWindowAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org, card := seedAccount(t, s, "1000.00", "500.00", "5000.00")

	at := time.Date(2025, time.March, 10, 14, 0, 0, 0, time.UTC)
	record := func(amount string, status engine.TransactionStatus, when time.Time) {
		require.NoError(t, s.WithAuthorization(ctx, func(u engine.AuthorizationUnit) error {
			return u.AppendTransaction(ctx, &engine.Transaction{
				CardID:         card.ID,
				OrganizationID: org.ID,
				Amount:         dec(amount),
				Status:         status,
				TransactionAt:  when,
			})
		}))
	}

	// GIVEN: same-day approvals, a same-day rejection, and a prior-day approval
	record("40.00", engine.StatusApproved, at)
	record("25.00", engine.StatusApproved, at.Add(2*time.Hour))
	record("99.00", engine.StatusRejected, at)
	record("77.00", engine.StatusApproved, at.AddDate(0, 0, -1))

	// WHEN: summing over the business day
	from, to := engine.DayWindow(at)
	sum, err := func() (decimal.Decimal, error) {
		var out decimal.Decimal
		err := s.WithAuthorization(ctx, func(u engine.AuthorizationUnit) error {
			var err error
			out, err = u.SumApproved(ctx, card.ID, from, to)
			return err
		})
		return out, err
	}()
	require.NoError(t, err)

	// THEN: only the same-day approvals count
	require.True(t, sum.Equal(dec("65.00")), "got %s", sum)
}

// =============================================================================
// COORDINATOR AGAINST SQLITE
// =============================================================================

func TestAuthorizationEndToEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org, card := seedAccount(t, s, "500.00", "200.00", "2000.00")

	coord := engine.NewCoordinator(s, nil, nil)

	// WHEN: an in-limit purchase
	res, err := coord.Authorize(ctx, engine.AuthorizationRequest{
		CardNumber:    card.Number,
		Amount:        dec("150.00"),
		TransactionAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	// THEN: balance decremented, approved row persisted
	gotOrg, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	require.True(t, gotOrg.Balance.Equal(dec("350.00")), "got %s", gotOrg.Balance)

	// AND WHEN: a second purchase exceeding the daily limit
	res, err = coord.Authorize(ctx, engine.AuthorizationRequest{
		CardNumber:    card.Number,
		Amount:        dec("100.00"),
		TransactionAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, engine.ReasonDailyLimitExceeded, res.RejectionReason)

	// THEN: the rejection left the store unchanged
	gotOrg, err = s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	require.True(t, gotOrg.Balance.Equal(dec("350.00")))

	txs, err := s.TransactionsByCard(ctx, card.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, engine.StatusApproved, txs[0].Status)
}

func TestConcurrentAuthorizationsNeverOverspend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, card := seedAccount(t, s, "500.00", "10000.00", "10000.00")

	coord := engine.NewCoordinator(s, nil, nil)

	// WHEN: two racing purchases that only fit one at a time
	var wg sync.WaitGroup
	results := make([]engine.AuthorizationResult, 2)
	for i, amt := range []string{"300.00", "250.00"} {
		wg.Add(1)
		go func(i int, amount string) {
			defer wg.Done()
			res, err := coord.Authorize(ctx, engine.AuthorizationRequest{
				CardNumber:    card.Number,
				Amount:        dec(amount),
				TransactionAt: time.Now().UTC(),
			})
			require.NoError(t, err)
			results[i] = res
		}(i, amt)
	}
	wg.Wait()

	// THEN: exactly one succeeds
	approved := 0
	for _, r := range results {
		if r.Success {
			approved++
		}
	}
	require.Equal(t, 1, approved)
}

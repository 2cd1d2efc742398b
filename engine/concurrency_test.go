package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-ledger/engine"
	"github.com/warp/fuel-ledger/engine/store"
)

// =============================================================================
// RACE PROPERTIES
// =============================================================================

func TestConcurrent_SharedBalance_AtMostOneSucceeds(t *testing.T) {
	// Scenario A: organization balance 500; two cards of the same
	// organization concurrently authorize 300 and 250. Their combined
	// amount exceeds the balance, so exactly one may succeed and the
	// final balance must equal initial minus the successful amount.

	ctx := context.Background()
	mem := store.NewMemory()

	org := engine.Organization{Name: "Shared Fleet", Code: "FLEET", Balance: dec("500.00")}
	require.NoError(t, mem.CreateOrganization(ctx, &org))

	cardX := engine.Card{
		Number: "4000111122220001", HolderName: "X", OrganizationID: org.ID,
		DailyLimit: dec("1000.00"), MonthlyLimit: dec("10000.00"),
	}
	cardY := engine.Card{
		Number: "4000111122220002", HolderName: "Y", OrganizationID: org.ID,
		DailyLimit: dec("1000.00"), MonthlyLimit: dec("10000.00"),
	}
	require.NoError(t, mem.CreateCard(ctx, &cardX))
	require.NoError(t, mem.CreateCard(ctx, &cardY))

	station := engine.FuelStation{Name: "S1", Location: "L1", APIKey: "key-1"}
	require.NoError(t, mem.CreateFuelStation(ctx, &station))

	coord := engine.NewCoordinator(mem, engine.NopNotifier{}, nil)
	at := time.Date(2025, time.June, 12, 8, 0, 0, 0, time.UTC)

	type outcome struct {
		result engine.AuthorizationResult
		err    error
		amount string
	}
	results := make([]outcome, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r, err := coord.Authorize(ctx, engine.AuthorizationRequest{
			CardNumber: cardX.Number, Amount: dec("300.00"), TransactionAt: at, FuelStationID: station.ID,
		})
		results[0] = outcome{r, err, "300.00"}
	}()
	go func() {
		defer wg.Done()
		r, err := coord.Authorize(ctx, engine.AuthorizationRequest{
			CardNumber: cardY.Number, Amount: dec("250.00"), TransactionAt: at, FuelStationID: station.ID,
		})
		results[1] = outcome{r, err, "250.00"}
	}()
	wg.Wait()

	var successes int
	var successfulAmount string
	for _, o := range results {
		require.NoError(t, o.err)
		if o.result.Success {
			successes++
			successfulAmount = o.amount
		} else {
			assert.Equal(t, engine.ReasonInsufficientBalance, o.result.RejectionReason)
		}
	}
	require.Equal(t, 1, successes, "combined amount exceeds balance: exactly one may win")

	final, err := mem.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	expected := dec("500.00").Sub(dec(successfulAmount))
	assert.True(t, final.Balance.Equal(expected),
		"final balance %s, want %s (initial - successful amount)", final.Balance, expected)
}

func TestConcurrent_SameCard_LimitNeverDoubleBooked(t *testing.T) {
	// Many concurrent authorizations against one card whose daily limit
	// only admits a subset. Whatever interleaving occurs, the sum of
	// approved amounts must never exceed the limit.

	ctx := context.Background()
	mem := store.NewMemory()

	org := engine.Organization{Name: "Hauler Co", Code: "HAUL", Balance: dec("100000.00")}
	require.NoError(t, mem.CreateOrganization(ctx, &org))

	card := engine.Card{
		Number: "4000111122224444", HolderName: "H", OrganizationID: org.ID,
		DailyLimit: dec("250.00"), MonthlyLimit: dec("100000.00"),
	}
	require.NoError(t, mem.CreateCard(ctx, &card))

	coord := engine.NewCoordinator(mem, engine.NopNotifier{}, nil)
	at := time.Date(2025, time.June, 12, 8, 0, 0, 0, time.UTC)

	const workers = 8 // 8 x 100 = 800 requested against a 250 limit
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, _ = coord.Authorize(ctx, engine.AuthorizationRequest{
				CardNumber: card.Number, Amount: dec("100.00"), TransactionAt: at,
			})
		}()
	}
	wg.Wait()

	txs, err := mem.TransactionsByCard(ctx, card.ID)
	require.NoError(t, err)

	total := dec("0")
	for _, tx := range txs {
		require.Equal(t, engine.StatusApproved, tx.Status)
		total = total.Add(tx.Amount)
	}
	assert.True(t, total.LessThanOrEqual(dec("250.00")),
		"approved total %s exceeds the daily limit", total)
	assert.Len(t, txs, 2, "exactly two of the 100.00 requests fit under 250.00")
}

func TestConcurrent_DisjointOrganizations_NoCrossEffect(t *testing.T) {
	// Independence property: two organizations, individually valid
	// authorizations run concurrently - both must succeed and each
	// balance moves only by its own amount.

	ctx := context.Background()
	mem := store.NewMemory()

	makeOrg := func(code, number string) (engine.Organization, engine.Card) {
		org := engine.Organization{Name: code, Code: code, Balance: dec("500.00")}
		require.NoError(t, mem.CreateOrganization(ctx, &org))
		card := engine.Card{
			Number: number, HolderName: code, OrganizationID: org.ID,
			DailyLimit: dec("1000.00"), MonthlyLimit: dec("10000.00"),
		}
		require.NoError(t, mem.CreateCard(ctx, &card))
		return org, card
	}

	orgA, cardA := makeOrg("ORG-A", "4000111122225551")
	orgB, cardB := makeOrg("ORG-B", "4000111122225552")

	coord := engine.NewCoordinator(mem, engine.NopNotifier{}, nil)
	at := time.Date(2025, time.June, 12, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	results := make([]engine.AuthorizationResult, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = coord.Authorize(ctx, engine.AuthorizationRequest{
			CardNumber: cardA.Number, Amount: dec("200.00"), TransactionAt: at,
		})
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = coord.Authorize(ctx, engine.AuthorizationRequest{
			CardNumber: cardB.Number, Amount: dec("150.00"), TransactionAt: at,
		})
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)

	a, err := mem.GetOrganization(ctx, orgA.ID)
	require.NoError(t, err)
	b, err := mem.GetOrganization(ctx, orgB.ID)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("300.00")), "org A balance %s", a.Balance)
	assert.True(t, b.Balance.Equal(dec("350.00")), "org B balance %s", b.Balance)
}

// =============================================================================
// LOCK WAIT BOUND
// =============================================================================

func TestConcurrent_LockWaitBound_SurfacesTimeout(t *testing.T) {
	// GIVEN: a unit holding the card lock for longer than the bound
	// WHEN: a second authorization arrives for the same card
	// THEN: it fails with ErrLockWaitTimeout instead of waiting forever

	ctx := context.Background()
	mem := store.NewMemory()
	mem.LockWait = 50 * time.Millisecond

	org := engine.Organization{Name: "Slow Co", Code: "SLOW", Balance: dec("500.00")}
	require.NoError(t, mem.CreateOrganization(ctx, &org))
	card := engine.Card{
		Number: "4000111122226666", HolderName: "S", OrganizationID: org.ID,
		DailyLimit: dec("1000.00"), MonthlyLimit: dec("10000.00"),
	}
	require.NoError(t, mem.CreateCard(ctx, &card))

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = mem.WithAuthorization(ctx, func(u engine.AuthorizationUnit) error {
			if _, err := u.LockCardForUpdate(ctx, card.Number); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	defer close(release)

	coord := engine.NewCoordinator(mem, engine.NopNotifier{}, nil)
	_, err := coord.Authorize(ctx, engine.AuthorizationRequest{
		CardNumber:    card.Number,
		Amount:        dec("10.00"),
		TransactionAt: time.Date(2025, time.June, 12, 8, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, engine.ErrLockWaitTimeout)
}

/*
Package store provides an in-memory LedgerStore implementation.

PURPOSE:
  Backs tests and local development without a database. Unlike a simple
  map-behind-a-mutex, it models the same concurrency contract as the SQL
  stores: per-row exclusive locks with a bounded wait, and atomic units
  whose writes stay invisible until commit.

HOW A UNIT WORKS:
  - LockCardForUpdate / LockOrganizationForUpdate acquire a per-row lock
    channel, waiting up to LockWait (ErrLockWaitTimeout beyond that).
  - Writes (append, balance delta, usage marker) are buffered on the
    unit, not applied to the shared maps.
  - On fn success the buffer is applied under the store mutex while the
    row locks are still held, then the locks release. On error the
    buffer is discarded. Either way no intermediate state is observable.

SEE ALSO:
  - engine/store.go: interface contracts
  - store/sqlite, store/postgres: durable implementations
*/
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-ledger/engine"
)

const defaultLockWait = 5 * time.Second

// Memory is an in-memory LedgerStore plus the directory and entity
// management operations the API surface needs.
type Memory struct {
	mu sync.Mutex

	orgs          map[int64]engine.Organization
	cards         map[int64]engine.Card
	cardByNumber  map[string]int64
	stations      map[int64]engine.FuelStation
	stationByKey  map[string]int64
	transactions  []engine.Transaction

	nextOrgID     int64
	nextCardID    int64
	nextStationID int64
	nextTxID      int64

	cardLocks map[int64]chan struct{}
	orgLocks  map[int64]chan struct{}

	// LockWait bounds how long a unit blocks on a contended row.
	LockWait time.Duration
}

func NewMemory() *Memory {
	return &Memory{
		orgs:         make(map[int64]engine.Organization),
		cards:        make(map[int64]engine.Card),
		cardByNumber: make(map[string]int64),
		stations:     make(map[int64]engine.FuelStation),
		stationByKey: make(map[string]int64),
		cardLocks:    make(map[int64]chan struct{}),
		orgLocks:     make(map[int64]chan struct{}),
		LockWait:     defaultLockWait,
	}
}

// =============================================================================
// AUTHORIZATION UNIT
// =============================================================================

type pendingTouch struct {
	cardID int64
	at     time.Time
}

type memoryUnit struct {
	store *Memory

	held []chan struct{} // acquired row locks, released when the unit ends

	appended []*engine.Transaction
	deltas   map[int64]decimal.Decimal
	touches  []pendingTouch
}

// WithAuthorization runs fn as one atomic unit. Buffered writes apply
// only on success; row locks release after the terminal state is reached.
func (m *Memory) WithAuthorization(ctx context.Context, fn func(engine.AuthorizationUnit) error) error {
	u := &memoryUnit{store: m, deltas: make(map[int64]decimal.Decimal)}
	defer u.releaseLocks()

	if err := fn(u); err != nil {
		return err // buffer discarded, nothing was ever visible
	}
	u.commit()
	return nil
}

func (u *memoryUnit) releaseLocks() {
	// Reverse acquisition order: organization before card.
	for i := len(u.held) - 1; i >= 0; i-- {
		<-u.held[i]
	}
	u.held = nil
}

func (u *memoryUnit) commit() {
	m := u.store
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, tx := range u.appended {
		tx.CreatedAt = now
		m.transactions = append(m.transactions, *tx)
	}
	for orgID, delta := range u.deltas {
		org := m.orgs[orgID]
		org.Balance = org.Balance.Add(delta)
		org.UpdatedAt = now
		m.orgs[orgID] = org
	}
	for _, t := range u.touches {
		card := m.cards[t.cardID]
		at := t.at
		card.LastUsedAt = &at
		card.UpdatedAt = now
		m.cards[t.cardID] = card
	}
}

func (u *memoryUnit) acquire(ctx context.Context, locks map[int64]chan struct{}, id int64) error {
	m := u.store

	m.mu.Lock()
	lock, ok := locks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		locks[id] = lock
	}
	wait := m.LockWait
	m.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		u.held = append(u.held, lock)
		return nil
	case <-timer.C:
		return engine.ErrLockWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *memoryUnit) LockCardForUpdate(ctx context.Context, number string) (*engine.Card, error) {
	m := u.store

	m.mu.Lock()
	id, ok := m.cardByNumber[number]
	m.mu.Unlock()
	if !ok {
		return nil, engine.ErrCardNotFound
	}

	if err := u.acquire(ctx, m.cardLocks, id); err != nil {
		return nil, err
	}

	// Re-read after the lock: the row may have changed while waiting.
	m.mu.Lock()
	card, ok := m.cards[id]
	m.mu.Unlock()
	if !ok || !card.IsActive {
		return nil, engine.ErrCardNotFound
	}
	return &card, nil
}

func (u *memoryUnit) LockOrganizationForUpdate(ctx context.Context, id int64) (*engine.Organization, error) {
	m := u.store

	if err := u.acquire(ctx, m.orgLocks, id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	org, ok := m.orgs[id]
	m.mu.Unlock()
	if !ok || !org.IsActive {
		return nil, engine.ErrOrganizationNotFound
	}
	return &org, nil
}

func (u *memoryUnit) SumApproved(_ context.Context, cardID int64, from, to time.Time) (decimal.Decimal, error) {
	m := u.store
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := decimal.Zero
	for _, tx := range m.transactions {
		if tx.CardID != cardID || tx.Status != engine.StatusApproved {
			continue
		}
		at := tx.TransactionAt
		if !at.Before(from) && at.Before(to) {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum, nil
}

func (u *memoryUnit) AppendTransaction(_ context.Context, tx *engine.Transaction) error {
	m := u.store
	m.mu.Lock()
	m.nextTxID++
	tx.ID = m.nextTxID
	m.mu.Unlock()

	u.appended = append(u.appended, tx)
	return nil
}

func (u *memoryUnit) AdjustOrganizationBalance(_ context.Context, id int64, delta decimal.Decimal) error {
	u.deltas[id] = u.deltas[id].Add(delta)
	return nil
}

func (u *memoryUnit) TouchCardUsageMarker(_ context.Context, cardID int64, at time.Time) error {
	u.touches = append(u.touches, pendingTouch{cardID: cardID, at: at})
	return nil
}

// =============================================================================
// DIRECTORIES
// =============================================================================

func (m *Memory) FindActiveCardByNumber(_ context.Context, number string) (*engine.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.cardByNumber[number]
	if !ok {
		return nil, engine.ErrCardNotFound
	}
	card := m.cards[id]
	if !card.IsActive {
		return nil, engine.ErrCardNotFound
	}
	return &card, nil
}

func (m *Memory) FindActiveOrganizationByID(_ context.Context, id int64) (*engine.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, ok := m.orgs[id]
	if !ok || !org.IsActive {
		return nil, engine.ErrOrganizationNotFound
	}
	return &org, nil
}

func (m *Memory) ResolveAPIKey(_ context.Context, apiKey string) (*engine.FuelStation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.stationByKey[apiKey]
	if !ok {
		return nil, engine.ErrStationNotFound
	}
	st := m.stations[id]
	if !st.IsActive {
		return nil, engine.ErrStationNotFound
	}
	return &st, nil
}

// =============================================================================
// ENTITY MANAGEMENT
// =============================================================================

func (m *Memory) CreateOrganization(_ context.Context, org *engine.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.orgs {
		if existing.Code == org.Code {
			return engine.ErrDuplicateCode
		}
	}

	m.nextOrgID++
	org.ID = m.nextOrgID
	org.IsActive = true
	org.CreatedAt = time.Now().UTC()
	org.UpdatedAt = org.CreatedAt
	m.orgs[org.ID] = *org
	return nil
}

func (m *Memory) GetOrganization(_ context.Context, id int64) (*engine.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, ok := m.orgs[id]
	if !ok {
		return nil, engine.ErrOrganizationNotFound
	}
	return &org, nil
}

func (m *Memory) ListOrganizations(_ context.Context) ([]engine.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]engine.Organization, 0, len(m.orgs))
	for _, org := range m.orgs {
		out = append(out, org)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DepositToOrganization applies a relative credit through the same
// atomic unit machinery the coordinator uses, so deposits compose with
// in-flight authorizations.
func (m *Memory) DepositToOrganization(ctx context.Context, id int64, amount decimal.Decimal) (*engine.Organization, error) {
	err := m.WithAuthorization(ctx, func(u engine.AuthorizationUnit) error {
		if _, err := u.LockOrganizationForUpdate(ctx, id); err != nil {
			return err
		}
		return u.AdjustOrganizationBalance(ctx, id, amount)
	})
	if err != nil {
		return nil, err
	}
	return m.GetOrganization(ctx, id)
}

func (m *Memory) DeactivateOrganization(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, ok := m.orgs[id]
	if !ok {
		return engine.ErrOrganizationNotFound
	}
	org.IsActive = false
	org.UpdatedAt = time.Now().UTC()
	m.orgs[id] = org
	return nil
}

func (m *Memory) CreateCard(_ context.Context, card *engine.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cardByNumber[card.Number]; exists {
		return engine.ErrDuplicateCode
	}
	if _, ok := m.orgs[card.OrganizationID]; !ok {
		return engine.ErrOrganizationNotFound
	}

	m.nextCardID++
	card.ID = m.nextCardID
	card.IsActive = true
	card.CreatedAt = time.Now().UTC()
	card.UpdatedAt = card.CreatedAt
	m.cards[card.ID] = *card
	m.cardByNumber[card.Number] = card.ID
	return nil
}

func (m *Memory) GetCard(_ context.Context, id int64) (*engine.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	card, ok := m.cards[id]
	if !ok {
		return nil, engine.ErrCardNotFound
	}
	return &card, nil
}

func (m *Memory) ListCards(_ context.Context) ([]engine.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]engine.Card, 0, len(m.cards))
	for _, card := range m.cards {
		out = append(out, card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateCardLimits(_ context.Context, id int64, daily, monthly decimal.Decimal) (*engine.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	card, ok := m.cards[id]
	if !ok {
		return nil, engine.ErrCardNotFound
	}
	card.DailyLimit = daily
	card.MonthlyLimit = monthly
	card.UpdatedAt = time.Now().UTC()
	m.cards[id] = card
	return &card, nil
}

func (m *Memory) DeactivateCard(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	card, ok := m.cards[id]
	if !ok {
		return engine.ErrCardNotFound
	}
	card.IsActive = false
	card.UpdatedAt = time.Now().UTC()
	m.cards[id] = card
	return nil
}

func (m *Memory) CreateFuelStation(_ context.Context, st *engine.FuelStation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.stationByKey[st.APIKey]; exists {
		return engine.ErrDuplicateCode
	}

	m.nextStationID++
	st.ID = m.nextStationID
	st.IsActive = true
	st.CreatedAt = time.Now().UTC()
	m.stations[st.ID] = *st
	m.stationByKey[st.APIKey] = st.ID
	return nil
}

func (m *Memory) ListFuelStations(_ context.Context) ([]engine.FuelStation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]engine.FuelStation, 0, len(m.stations))
	for _, st := range m.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// TRANSACTION QUERIES
// =============================================================================

func (m *Memory) GetTransaction(_ context.Context, id int64) (*engine.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.transactions {
		if tx.ID == id {
			return &tx, nil
		}
	}
	return nil, engine.ErrTransactionNotFound
}

func (m *Memory) ListTransactions(_ context.Context) ([]engine.Transaction, error) {
	return m.filterTransactions(func(engine.Transaction) bool { return true }), nil
}

func (m *Memory) TransactionsByCard(_ context.Context, cardID int64) ([]engine.Transaction, error) {
	return m.filterTransactions(func(tx engine.Transaction) bool { return tx.CardID == cardID }), nil
}

func (m *Memory) TransactionsByOrganization(_ context.Context, orgID int64) ([]engine.Transaction, error) {
	return m.filterTransactions(func(tx engine.Transaction) bool { return tx.OrganizationID == orgID }), nil
}

// filterTransactions returns matches newest first.
func (m *Memory) filterTransactions(keep func(engine.Transaction) bool) []engine.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []engine.Transaction
	for _, tx := range m.transactions {
		if keep(tx) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Compile-time interface checks.
var (
	_ engine.LedgerStore          = (*Memory)(nil)
	_ engine.CardDirectory        = (*Memory)(nil)
	_ engine.OrganizationDirectory = (*Memory)(nil)
	_ engine.FuelStationIdentity  = (*Memory)(nil)
)

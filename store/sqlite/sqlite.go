/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Embedded single-node deployments and integration tests. Implements the
  same contracts as store/postgres: engine.LedgerStore, the directories
  and the entity management surface the API uses.

CONCURRENCY MODEL:
  SQLite has no row locks, so the atomic unit leans on its single-writer
  model instead: connections are opened with _txlock=immediate, which
  takes the write lock at BEGIN, and the pool is capped at one
  connection. Any two units are therefore fully serialized, which is a
  strictly stronger guarantee than the card/organization row ordering
  the engine relies on. _busy_timeout bounds the wait for the write
  lock; exceeding it maps to engine.ErrLockWaitTimeout.

MONEY:
  Amounts are stored as integer cents. Relative balance updates are
  evaluated by the database (SET balance_cents = balance_cents + ?),
  never computed in application memory, and stay exact.

MIGRATION:
  Schema is auto-migrated on New(). For production-grade rollouts use a
  versioned migration tool instead.

SEE ALSO:
  - engine/store.go: interface contracts
  - store/postgres: production implementation with real row locks
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/fuel-ledger/engine"
)

// Store implements the storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) a SQLite store. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: keeps :memory: databases coherent and makes the
	// immediate-transaction serialization airtight.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		balance_cents INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		card_number TEXT NOT NULL UNIQUE,
		holder_name TEXT NOT NULL,
		organization_id INTEGER NOT NULL REFERENCES organizations(id),
		daily_limit_cents INTEGER NOT NULL,
		monthly_limit_cents INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_used_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cards_organization
		ON cards(organization_id);

	-- Transactions are append-only: no UPDATE or DELETE path exists.
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		card_id INTEGER NOT NULL REFERENCES cards(id),
		organization_id INTEGER NOT NULL REFERENCES organizations(id),
		fuel_station_id INTEGER NOT NULL DEFAULT 0,
		amount_cents INTEGER NOT NULL,
		status TEXT NOT NULL,
		rejection_reason TEXT,
		transaction_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Hot path: limit aggregation by card and business-time window.
	CREATE INDEX IF NOT EXISTS idx_transactions_card_status_at
		ON transactions(card_id, status, transaction_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_organization
		ON transactions(organization_id);

	CREATE TABLE IF NOT EXISTS fuel_stations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		location TEXT NOT NULL,
		api_key TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// MONEY / TIME HELPERS
// =============================================================================

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// Fixed-width layout so string range comparisons in SQL match time
// order even with sub-second precision.
const timeLayout = "2006-01-02 15:04:05.000000000"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.ParseInLocation(timeLayout, s, time.UTC)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "database table is locked"))
}

// mapErr translates driver-level failures into engine sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isBusyError(err):
		return engine.ErrLockWaitTimeout
	case isUniqueConstraintError(err):
		return engine.ErrDuplicateCode
	default:
		return err
	}
}

// =============================================================================
// AUTHORIZATION UNIT (engine.LedgerStore)
// =============================================================================

type sqliteUnit struct {
	tx *sql.Tx
}

// WithAuthorization executes fn within one immediate transaction.
// fn error => rollback; nil => commit.
func (s *Store) WithAuthorization(ctx context.Context, fn func(engine.AuthorizationUnit) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteUnit{tx: tx}); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

func (u *sqliteUnit) LockCardForUpdate(ctx context.Context, number string) (*engine.Card, error) {
	// The immediate transaction already holds the writer lock; a plain
	// SELECT is exclusive here.
	row := u.tx.QueryRowContext(ctx, `
		SELECT id, card_number, holder_name, organization_id,
		       daily_limit_cents, monthly_limit_cents, is_active, last_used_at
		FROM cards
		WHERE card_number = ? AND is_active = TRUE`, number)

	card, err := scanCardRow(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrCardNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return card, nil
}

func (u *sqliteUnit) LockOrganizationForUpdate(ctx context.Context, id int64) (*engine.Organization, error) {
	row := u.tx.QueryRowContext(ctx, `
		SELECT id, name, code, balance_cents, is_active
		FROM organizations
		WHERE id = ? AND is_active = TRUE`, id)

	org, err := scanOrgRow(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return org, nil
}

func (u *sqliteUnit) SumApproved(ctx context.Context, cardID int64, from, to time.Time) (decimal.Decimal, error) {
	var cents sql.NullInt64
	err := u.tx.QueryRowContext(ctx, `
		SELECT SUM(amount_cents)
		FROM transactions
		WHERE card_id = ? AND status = ?
		  AND transaction_at >= ? AND transaction_at < ?`,
		cardID, engine.StatusApproved, fmtTime(from), fmtTime(to),
	).Scan(&cents)
	if err != nil {
		return decimal.Zero, mapErr(err)
	}
	return fromCents(cents.Int64), nil
}

func (u *sqliteUnit) AppendTransaction(ctx context.Context, tx *engine.Transaction) error {
	now := time.Now().UTC()
	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO transactions
		(card_id, organization_id, fuel_station_id, amount_cents, status,
		 rejection_reason, transaction_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.CardID, tx.OrganizationID, tx.FuelStationID, toCents(tx.Amount),
		tx.Status, nullString(tx.RejectionReason), fmtTime(tx.TransactionAt), fmtTime(now),
	)
	if err != nil {
		return mapErr(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return mapErr(err)
	}
	tx.ID = id
	tx.CreatedAt = now
	return nil
}

func (u *sqliteUnit) AdjustOrganizationBalance(ctx context.Context, id int64, delta decimal.Decimal) error {
	_, err := u.tx.ExecContext(ctx, `
		UPDATE organizations
		SET balance_cents = balance_cents + ?, updated_at = ?
		WHERE id = ?`,
		toCents(delta), fmtTime(time.Now()), id)
	return mapErr(err)
}

func (u *sqliteUnit) TouchCardUsageMarker(ctx context.Context, cardID int64, at time.Time) error {
	_, err := u.tx.ExecContext(ctx, `
		UPDATE cards SET last_used_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(at), fmtTime(time.Now()), cardID)
	return mapErr(err)
}

// =============================================================================
// DIRECTORIES
// =============================================================================

func (s *Store) FindActiveCardByNumber(ctx context.Context, number string) (*engine.Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, card_number, holder_name, organization_id,
		       daily_limit_cents, monthly_limit_cents, is_active, last_used_at
		FROM cards
		WHERE card_number = ? AND is_active = TRUE`, number)

	card, err := scanCardRow(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrCardNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return card, nil
}

func (s *Store) FindActiveOrganizationByID(ctx context.Context, id int64) (*engine.Organization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, code, balance_cents, is_active
		FROM organizations
		WHERE id = ? AND is_active = TRUE`, id)

	org, err := scanOrgRow(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return org, nil
}

func (s *Store) ResolveAPIKey(ctx context.Context, apiKey string) (*engine.FuelStation, error) {
	var (
		st        engine.FuelStation
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, location, api_key, is_active, created_at
		FROM fuel_stations
		WHERE api_key = ? AND is_active = TRUE`, apiKey,
	).Scan(&st.ID, &st.Name, &st.Location, &st.APIKey, &st.IsActive, &createdAt)
	if err == sql.ErrNoRows {
		return nil, engine.ErrStationNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	st.CreatedAt = parseTime(createdAt)
	return &st, nil
}

// =============================================================================
// ENTITY MANAGEMENT
// =============================================================================

func (s *Store) CreateOrganization(ctx context.Context, org *engine.Organization) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (name, code, balance_cents, is_active, created_at, updated_at)
		VALUES (?, ?, ?, TRUE, ?, ?)`,
		org.Name, org.Code, toCents(org.Balance), fmtTime(now), fmtTime(now))
	if err != nil {
		return mapErr(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return mapErr(err)
	}
	org.ID = id
	org.IsActive = true
	org.CreatedAt = now
	org.UpdatedAt = now
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, id int64) (*engine.Organization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, code, balance_cents, is_active
		FROM organizations WHERE id = ?`, id)

	org, err := scanOrgRow(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return org, nil
}

func (s *Store) ListOrganizations(ctx context.Context) ([]engine.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, balance_cents, is_active
		FROM organizations ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []engine.Organization
	for rows.Next() {
		org, err := scanOrgRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *org)
	}
	return out, rows.Err()
}

// DepositToOrganization credits the balance through the same atomic
// unit the coordinator uses.
func (s *Store) DepositToOrganization(ctx context.Context, id int64, amount decimal.Decimal) (*engine.Organization, error) {
	err := s.WithAuthorization(ctx, func(u engine.AuthorizationUnit) error {
		if _, err := u.LockOrganizationForUpdate(ctx, id); err != nil {
			return err
		}
		return u.AdjustOrganizationBalance(ctx, id, amount)
	})
	if err != nil {
		return nil, err
	}
	return s.GetOrganization(ctx, id)
}

func (s *Store) DeactivateOrganization(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE organizations SET is_active = FALSE, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res, engine.ErrOrganizationNotFound)
}

func (s *Store) CreateCard(ctx context.Context, card *engine.Card) error {
	if _, err := s.GetOrganization(ctx, card.OrganizationID); err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cards
		(card_number, holder_name, organization_id, daily_limit_cents,
		 monthly_limit_cents, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, TRUE, ?, ?)`,
		card.Number, card.HolderName, card.OrganizationID,
		toCents(card.DailyLimit), toCents(card.MonthlyLimit), fmtTime(now), fmtTime(now))
	if err != nil {
		return mapErr(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return mapErr(err)
	}
	card.ID = id
	card.IsActive = true
	card.CreatedAt = now
	card.UpdatedAt = now
	return nil
}

func (s *Store) GetCard(ctx context.Context, id int64) (*engine.Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, card_number, holder_name, organization_id,
		       daily_limit_cents, monthly_limit_cents, is_active, last_used_at
		FROM cards WHERE id = ?`, id)

	card, err := scanCardRow(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrCardNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return card, nil
}

func (s *Store) ListCards(ctx context.Context) ([]engine.Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_number, holder_name, organization_id,
		       daily_limit_cents, monthly_limit_cents, is_active, last_used_at
		FROM cards ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []engine.Card
	for rows.Next() {
		card, err := scanCardRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *card)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCardLimits(ctx context.Context, id int64, daily, monthly decimal.Decimal) (*engine.Card, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cards
		SET daily_limit_cents = ?, monthly_limit_cents = ?, updated_at = ?
		WHERE id = ?`,
		toCents(daily), toCents(monthly), fmtTime(time.Now()), id)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := requireRow(res, engine.ErrCardNotFound); err != nil {
		return nil, err
	}
	return s.GetCard(ctx, id)
}

func (s *Store) DeactivateCard(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cards SET is_active = FALSE, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res, engine.ErrCardNotFound)
}

func (s *Store) CreateFuelStation(ctx context.Context, st *engine.FuelStation) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fuel_stations (name, location, api_key, is_active, created_at)
		VALUES (?, ?, ?, TRUE, ?)`,
		st.Name, st.Location, st.APIKey, fmtTime(now))
	if err != nil {
		return mapErr(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return mapErr(err)
	}
	st.ID = id
	st.IsActive = true
	st.CreatedAt = now
	return nil
}

func (s *Store) ListFuelStations(ctx context.Context) ([]engine.FuelStation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, location, api_key, is_active, created_at
		FROM fuel_stations ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []engine.FuelStation
	for rows.Next() {
		var (
			st        engine.FuelStation
			createdAt string
		)
		if err := rows.Scan(&st.ID, &st.Name, &st.Location, &st.APIKey, &st.IsActive, &createdAt); err != nil {
			return nil, err
		}
		st.CreatedAt = parseTime(createdAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTION QUERIES
// =============================================================================

const transactionColumns = `
	id, card_id, organization_id, fuel_station_id, amount_cents,
	status, rejection_reason, transaction_at, created_at`

func (s *Store) GetTransaction(ctx context.Context, id int64) (*engine.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)

	tx, err := scanTransactionRow(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrTransactionNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context) ([]engine.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions ORDER BY id DESC`)
}

func (s *Store) TransactionsByCard(ctx context.Context, cardID int64) ([]engine.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE card_id = ? ORDER BY id DESC`, cardID)
}

func (s *Store) TransactionsByOrganization(ctx context.Context, orgID int64) ([]engine.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE organization_id = ? ORDER BY id DESC`, orgID)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]engine.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []engine.Transaction
	for rows.Next() {
		tx, err := scanTransactionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// =============================================================================
// ROW SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrgRow(r rowScanner) (*engine.Organization, error) {
	var (
		org   engine.Organization
		cents int64
	)
	if err := r.Scan(&org.ID, &org.Name, &org.Code, &cents, &org.IsActive); err != nil {
		return nil, err
	}
	org.Balance = fromCents(cents)
	return &org, nil
}

func scanCardRow(r rowScanner) (*engine.Card, error) {
	var (
		card          engine.Card
		dailyCents    int64
		monthlyCents  int64
		lastUsedAtStr sql.NullString
	)
	err := r.Scan(&card.ID, &card.Number, &card.HolderName, &card.OrganizationID,
		&dailyCents, &monthlyCents, &card.IsActive, &lastUsedAtStr)
	if err != nil {
		return nil, err
	}
	card.DailyLimit = fromCents(dailyCents)
	card.MonthlyLimit = fromCents(monthlyCents)
	if lastUsedAtStr.Valid {
		t := parseTime(lastUsedAtStr.String)
		card.LastUsedAt = &t
	}
	return &card, nil
}

func scanTransactionRow(r rowScanner) (*engine.Transaction, error) {
	var (
		tx        engine.Transaction
		cents     int64
		reason    sql.NullString
		at        string
		createdAt string
	)
	err := r.Scan(&tx.ID, &tx.CardID, &tx.OrganizationID, &tx.FuelStationID,
		&cents, &tx.Status, &reason, &at, &createdAt)
	if err != nil {
		return nil, err
	}
	tx.Amount = fromCents(cents)
	tx.RejectionReason = reason.String
	tx.TransactionAt = parseTime(at)
	tx.CreatedAt = parseTime(createdAt)
	return &tx, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

// Compile-time interface checks.
var (
	_ engine.LedgerStore           = (*Store)(nil)
	_ engine.CardDirectory         = (*Store)(nil)
	_ engine.OrganizationDirectory = (*Store)(nil)
	_ engine.FuelStationIdentity   = (*Store)(nil)
)

/*
Package postgres provides the PostgreSQL-backed implementation of the
storage interfaces.

PURPOSE:
  Production deployments. This is the implementation the authorization
  contract was written for: SERIALIZABLE transactions, real row locks
  via SELECT ... FOR UPDATE, and relative balance updates evaluated by
  the database.

LOCKING:
  Each atomic unit sets a per-transaction lock_timeout (SET LOCAL), so
  a unit that cannot acquire a contended row within the bound fails
  with engine.ErrLockWaitTimeout instead of queueing indefinitely.
  Serialization failures (SQLSTATE 40001) map to
  engine.ErrConcurrentModification; callers decide whether to resubmit.

SEE ALSO:
  - engine/store.go: interface contracts
  - store/sqlite: embedded implementation with the same surface
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/warp/fuel-ledger/engine"
)

const defaultLockWait = 5 * time.Second

// Config carries connection settings for Open.
type Config struct {
	// DSN is a lib/pq connection string or postgres:// URL.
	DSN string
	// LockWait bounds how long a unit waits for a contended row lock.
	// Zero means the 5s default.
	LockWait time.Duration
}

// Store implements the storage interfaces on PostgreSQL.
type Store struct {
	db       *sql.DB
	lockWait time.Duration
}

// Open connects to PostgreSQL and migrates the schema.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}

	store := &Store{db: db, lockWait: lockWait}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		balance NUMERIC(12,2) NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS cards (
		id BIGSERIAL PRIMARY KEY,
		card_number TEXT NOT NULL UNIQUE,
		holder_name TEXT NOT NULL,
		organization_id BIGINT NOT NULL REFERENCES organizations(id),
		daily_limit NUMERIC(12,2) NOT NULL,
		monthly_limit NUMERIC(12,2) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_cards_organization
		ON cards(organization_id);

	-- Append-only: approved purchases only, usage is derived by
	-- aggregation over this table.
	CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		card_id BIGINT NOT NULL REFERENCES cards(id),
		organization_id BIGINT NOT NULL REFERENCES organizations(id),
		fuel_station_id BIGINT NOT NULL DEFAULT 0,
		amount NUMERIC(12,2) NOT NULL,
		status TEXT NOT NULL,
		rejection_reason TEXT,
		transaction_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_card_status_at
		ON transactions(card_id, status, transaction_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_organization
		ON transactions(organization_id);

	CREATE TABLE IF NOT EXISTS fuel_stations (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		location TEXT NOT NULL,
		api_key TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// SQLSTATE codes we translate into engine sentinels.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeUniqueViolation      = "23505"
)

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeLockNotAvailable:
			return engine.ErrLockWaitTimeout
		case codeSerializationFailure:
			return engine.ErrConcurrentModification
		case codeUniqueViolation:
			return engine.ErrDuplicateCode
		}
	}
	return err
}

// =============================================================================
// AUTHORIZATION UNIT (engine.LedgerStore)
// =============================================================================

type pgUnit struct {
	tx *sql.Tx
}

// WithAuthorization runs fn inside one SERIALIZABLE transaction with a
// bounded lock wait. fn error => rollback; nil => commit.
func (s *Store) WithAuthorization(ctx context.Context, fn func(engine.AuthorizationUnit) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	// SET LOCAL scopes the timeout to this transaction only.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait.Milliseconds())); err != nil {
		return mapErr(err)
	}

	if err := fn(&pgUnit{tx: tx}); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

func (u *pgUnit) LockCardForUpdate(ctx context.Context, number string) (*engine.Card, error) {
	row := u.tx.QueryRowContext(ctx, `
		SELECT id, card_number, holder_name, organization_id,
		       daily_limit, monthly_limit, is_active, last_used_at
		FROM cards
		WHERE card_number = $1 AND is_active = TRUE
		FOR UPDATE`, number)

	card, err := scanCardRow(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrCardNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return card, nil
}

func (u *pgUnit) LockOrganizationForUpdate(ctx context.Context, id int64) (*engine.Organization, error) {
	row := u.tx.QueryRowContext(ctx, `
		SELECT id, name, code, balance, is_active
		FROM organizations
		WHERE id = $1 AND is_active = TRUE
		FOR UPDATE`, id)

	org, err := scanOrgRow(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return org, nil
}

func (u *pgUnit) SumApproved(ctx context.Context, cardID int64, from, to time.Time) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := u.tx.QueryRowContext(ctx, `
		SELECT SUM(amount)
		FROM transactions
		WHERE card_id = $1 AND status = $2
		  AND transaction_at >= $3 AND transaction_at < $4`,
		cardID, engine.StatusApproved, from, to,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, mapErr(err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

func (u *pgUnit) AppendTransaction(ctx context.Context, tx *engine.Transaction) error {
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO transactions
		(card_id, organization_id, fuel_station_id, amount, status,
		 rejection_reason, transaction_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		RETURNING id, created_at`,
		tx.CardID, tx.OrganizationID, tx.FuelStationID, tx.Amount,
		tx.Status, tx.RejectionReason, tx.TransactionAt,
	).Scan(&tx.ID, &tx.CreatedAt)
	return mapErr(err)
}

func (u *pgUnit) AdjustOrganizationBalance(ctx context.Context, id int64, delta decimal.Decimal) error {
	_, err := u.tx.ExecContext(ctx, `
		UPDATE organizations
		SET balance = balance + $2, updated_at = now()
		WHERE id = $1`, id, delta)
	return mapErr(err)
}

func (u *pgUnit) TouchCardUsageMarker(ctx context.Context, cardID int64, at time.Time) error {
	_, err := u.tx.ExecContext(ctx, `
		UPDATE cards SET last_used_at = $2, updated_at = now() WHERE id = $1`,
		cardID, at)
	return mapErr(err)
}

// =============================================================================
// DIRECTORIES
// =============================================================================

func (s *Store) FindActiveCardByNumber(ctx context.Context, number string) (*engine.Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, card_number, holder_name, organization_id,
		       daily_limit, monthly_limit, is_active, last_used_at
		FROM cards
		WHERE card_number = $1 AND is_active = TRUE`, number)

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
		SELECT id, name, code, balance, is_active
		FROM organizations
		WHERE id = $1 AND is_active = TRUE`, id)

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
	var st engine.FuelStation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, location, api_key, is_active, created_at
		FROM fuel_stations
		WHERE api_key = $1 AND is_active = TRUE`, apiKey,
	).Scan(&st.ID, &st.Name, &st.Location, &st.APIKey, &st.IsActive, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, engine.ErrStationNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &st, nil
}

// =============================================================================
// ENTITY MANAGEMENT
// =============================================================================

func (s *Store) CreateOrganization(ctx context.Context, org *engine.Organization) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (name, code, balance)
		VALUES ($1, $2, $3)
		RETURNING id, is_active, created_at, updated_at`,
		org.Name, org.Code, org.Balance,
	).Scan(&org.ID, &org.IsActive, &org.CreatedAt, &org.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetOrganization(ctx context.Context, id int64) (*engine.Organization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, code, balance, is_active
		FROM organizations WHERE id = $1`, id)

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
		SELECT id, name, code, balance, is_active
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
		UPDATE organizations SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res, engine.ErrOrganizationNotFound)
}

func (s *Store) CreateCard(ctx context.Context, card *engine.Card) error {
	if _, err := s.GetOrganization(ctx, card.OrganizationID); err != nil {
		return err
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cards
		(card_number, holder_name, organization_id, daily_limit, monthly_limit)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, is_active, created_at, updated_at`,
		card.Number, card.HolderName, card.OrganizationID,
		card.DailyLimit, card.MonthlyLimit,
	).Scan(&card.ID, &card.IsActive, &card.CreatedAt, &card.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetCard(ctx context.Context, id int64) (*engine.Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, card_number, holder_name, organization_id,
		       daily_limit, monthly_limit, is_active, last_used_at
		FROM cards WHERE id = $1`, id)

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
		       daily_limit, monthly_limit, is_active, last_used_at
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
		SET daily_limit = $2, monthly_limit = $3, updated_at = now()
		WHERE id = $1`, id, daily, monthly)
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
		UPDATE cards SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res, engine.ErrCardNotFound)
}

func (s *Store) CreateFuelStation(ctx context.Context, st *engine.FuelStation) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO fuel_stations (name, location, api_key)
		VALUES ($1, $2, $3)
		RETURNING id, is_active, created_at`,
		st.Name, st.Location, st.APIKey,
	).Scan(&st.ID, &st.IsActive, &st.CreatedAt)
	return mapErr(err)
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
		var st engine.FuelStation
		if err := rows.Scan(&st.ID, &st.Name, &st.Location, &st.APIKey, &st.IsActive, &st.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTION QUERIES
// =============================================================================

const transactionColumns = `
	id, card_id, organization_id, fuel_station_id, amount,
	status, rejection_reason, transaction_at, created_at`

func (s *Store) GetTransaction(ctx context.Context, id int64) (*engine.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

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
		`SELECT `+transactionColumns+` FROM transactions WHERE card_id = $1 ORDER BY id DESC`, cardID)
}

func (s *Store) TransactionsByOrganization(ctx context.Context, orgID int64) ([]engine.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE organization_id = $1 ORDER BY id DESC`, orgID)
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
	var org engine.Organization
	if err := r.Scan(&org.ID, &org.Name, &org.Code, &org.Balance, &org.IsActive); err != nil {
		return nil, err
	}
	return &org, nil
}

func scanCardRow(r rowScanner) (*engine.Card, error) {
	var (
		card       engine.Card
		lastUsedAt sql.NullTime
	)
	err := r.Scan(&card.ID, &card.Number, &card.HolderName, &card.OrganizationID,
		&card.DailyLimit, &card.MonthlyLimit, &card.IsActive, &lastUsedAt)
	if err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		card.LastUsedAt = &t
	}
	return &card, nil
}

func scanTransactionRow(r rowScanner) (*engine.Transaction, error) {
	var (
		tx     engine.Transaction
		reason sql.NullString
	)
	err := r.Scan(&tx.ID, &tx.CardID, &tx.OrganizationID, &tx.FuelStationID,
		&tx.Amount, &tx.Status, &reason, &tx.TransactionAt, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.RejectionReason = reason.String
	return &tx, nil
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

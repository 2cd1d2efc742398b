/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts ride as JSON numbers with exact decimal semantics
  (shopspring/decimal accepts both numbers and quoted strings on the
  way in).

VALIDATION:
  Validation is done in handlers and in the engine, not in DTOs. DTOs
  are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fuel-ledger/engine"
)

// =============================================================================
// AUTHORIZATION
// =============================================================================

// ProcessTransactionRequest is the purchase authorization payload sent
// by fuel station terminals.
type ProcessTransactionRequest struct {
	CardNumber string          `json:"cardNumber"`
	Amount     decimal.Decimal `json:"amount"`
	// Optional RFC 3339 business timestamp; defaults to now.
	TransactionAt string `json:"transactionAt,omitempty"`
}

// ProcessTransactionResponse mirrors the engine's decision. Approvals
// carry the transaction ID; rejections carry a message and the reason.
type ProcessTransactionResponse struct {
	Success         bool   `json:"success"`
	TransactionID   int64  `json:"transactionId,omitempty"`
	Message         string `json:"message,omitempty"`
	RejectionReason string `json:"rejectionReason,omitempty"`
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

type OrganizationDTO struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Code     string          `json:"code"`
	Balance  decimal.Decimal `json:"balance"`
	IsActive bool            `json:"isActive"`
}

type CreateOrganizationRequest struct {
	Name    string          `json:"name"`
	Code    string          `json:"code"`
	Balance decimal.Decimal `json:"balance"`
}

type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func toOrganizationDTO(o *engine.Organization) OrganizationDTO {
	return OrganizationDTO{
		ID:       o.ID,
		Name:     o.Name,
		Code:     o.Code,
		Balance:  o.Balance,
		IsActive: o.IsActive,
	}
}

// =============================================================================
// CARDS
// =============================================================================

type CardDTO struct {
	ID             int64           `json:"id"`
	CardNumber     string          `json:"cardNumber"`
	HolderName     string          `json:"holderName"`
	OrganizationID int64           `json:"organizationId"`
	DailyLimit     decimal.Decimal `json:"dailyLimit"`
	MonthlyLimit   decimal.Decimal `json:"monthlyLimit"`
	IsActive       bool            `json:"isActive"`
	LastUsedAt     *time.Time      `json:"lastUsedAt,omitempty"`
}

type CreateCardRequest struct {
	CardNumber     string          `json:"cardNumber"`
	HolderName     string          `json:"holderName"`
	OrganizationID int64           `json:"organizationId"`
	DailyLimit     decimal.Decimal `json:"dailyLimit"`
	MonthlyLimit   decimal.Decimal `json:"monthlyLimit"`
}

type UpdateLimitsRequest struct {
	DailyLimit   decimal.Decimal `json:"dailyLimit"`
	MonthlyLimit decimal.Decimal `json:"monthlyLimit"`
}

func toCardDTO(c *engine.Card) CardDTO {
	return CardDTO{
		ID:             c.ID,
		CardNumber:     c.Number,
		HolderName:     c.HolderName,
		OrganizationID: c.OrganizationID,
		DailyLimit:     c.DailyLimit,
		MonthlyLimit:   c.MonthlyLimit,
		IsActive:       c.IsActive,
		LastUsedAt:     c.LastUsedAt,
	}
}

// =============================================================================
// FUEL STATIONS
// =============================================================================

type FuelStationDTO struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	// APIKey is only echoed back on creation.
	APIKey   string `json:"apiKey,omitempty"`
	IsActive bool   `json:"isActive"`
}

type CreateFuelStationRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	APIKey   string `json:"apiKey"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID              int64           `json:"id"`
	CardID          int64           `json:"cardId"`
	OrganizationID  int64           `json:"organizationId"`
	FuelStationID   int64           `json:"fuelStationId,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	TransactionAt   time.Time       `json:"transactionAt"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func toTransactionDTO(t *engine.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              t.ID,
		CardID:          t.CardID,
		OrganizationID:  t.OrganizationID,
		FuelStationID:   t.FuelStationID,
		Amount:          t.Amount,
		Status:          string(t.Status),
		RejectionReason: t.RejectionReason,
		TransactionAt:   t.TransactionAt,
		CreatedAt:       t.CreatedAt,
	}
}

func toTransactionDTOs(txs []engine.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i := range txs {
		dtos[i] = toTransactionDTO(&txs[i])
	}
	return dtos
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

/*
handlers.go - HTTP API handlers for the fuel-card authorization service

PURPOSE:
  Exposes the authorization engine and entity management via REST.
  Handles HTTP request/response, JSON serialization, and delegates to
  the coordinator and the store.

ENDPOINTS:
  Authorization (station API key required):
    POST   /api/transactions/process   Authorize a fuel purchase

  Transactions:
    GET    /api/transactions           List all decisions
    GET    /api/transactions/{id}      Get one transaction

  Organizations:
    GET    /api/organizations          List
    POST   /api/organizations          Create
    GET    /api/organizations/{id}     Get
    POST   /api/organizations/{id}/deposit  Credit the balance
    GET    /api/organizations/{id}/transactions
    DELETE /api/organizations/{id}     Deactivate

  Cards:
    GET    /api/cards                  List
    POST   /api/cards                  Create
    GET    /api/cards/{id}             Get
    PUT    /api/cards/{id}/limits      Replace spending limits
    GET    /api/cards/{id}/transactions
    DELETE /api/cards/{id}             Deactivate

  Stations:
    GET    /api/stations               List
    POST   /api/stations               Register (returns the API key once)

ERROR HANDLING:
  Engine errors map onto HTTP status codes in one place (writeEngineError):
  - 400: validation failures
  - 404: unknown card/organization/transaction
  - 409: duplicate code or card number
  - 503: lock wait timeout, serialization conflict (terminal may resubmit)
  - 500: everything else
  Domain rejections are not errors; they return 400 with the decision
  body carrying the rejection reason.

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Station API key authentication
  - server.go: Router setup
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/fuel-ledger/engine"
)

// =============================================================================
// BACKEND CONTRACT
// =============================================================================

// Backend is the storage surface the handlers need. Both store/sqlite
// and store/postgres satisfy it.
type Backend interface {
	engine.LedgerStore
	engine.FuelStationIdentity

	CreateOrganization(ctx context.Context, org *engine.Organization) error
	GetOrganization(ctx context.Context, id int64) (*engine.Organization, error)
	ListOrganizations(ctx context.Context) ([]engine.Organization, error)
	DepositToOrganization(ctx context.Context, id int64, amount decimal.Decimal) (*engine.Organization, error)
	DeactivateOrganization(ctx context.Context, id int64) error

	CreateCard(ctx context.Context, card *engine.Card) error
	GetCard(ctx context.Context, id int64) (*engine.Card, error)
	ListCards(ctx context.Context) ([]engine.Card, error)
	UpdateCardLimits(ctx context.Context, id int64, daily, monthly decimal.Decimal) (*engine.Card, error)
	DeactivateCard(ctx context.Context, id int64) error

	CreateFuelStation(ctx context.Context, st *engine.FuelStation) error
	ListFuelStations(ctx context.Context) ([]engine.FuelStation, error)

	GetTransaction(ctx context.Context, id int64) (*engine.Transaction, error)
	ListTransactions(ctx context.Context) ([]engine.Transaction, error)
	TransactionsByCard(ctx context.Context, cardID int64) ([]engine.Transaction, error)
	TransactionsByOrganization(ctx context.Context, orgID int64) ([]engine.Transaction, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend     Backend
	Coordinator *engine.Coordinator
	Logger      *zap.Logger
}

// NewHandler creates a handler around the store and coordinator.
func NewHandler(backend Backend, coordinator *engine.Coordinator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Backend: backend, Coordinator: coordinator, Logger: logger}
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

// ProcessTransaction authorizes a fuel purchase on behalf of the
// authenticated station.
func (h *Handler) ProcessTransaction(w http.ResponseWriter, r *http.Request) {
	var req ProcessTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	at := time.Now().UTC()
	if req.TransactionAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.TransactionAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid transactionAt format (use RFC 3339)", err)
			return
		}
		at = parsed
	}

	authReq := engine.AuthorizationRequest{
		CardNumber:    req.CardNumber,
		Amount:        req.Amount,
		TransactionAt: at,
	}
	if station, ok := StationFrom(r.Context()); ok {
		authReq.FuelStationID = station.ID
	}

	result, err := h.Coordinator.Authorize(r.Context(), authReq)
	if err != nil {
		h.writeEngineError(w, "Failed to process transaction", err)
		return
	}

	if !result.Success {
		writeJSON(w, http.StatusBadRequest, ProcessTransactionResponse{
			Success:         false,
			Message:         "Transaction rejected",
			RejectionReason: result.RejectionReason,
		})
		return
	}

	writeJSON(w, http.StatusOK, ProcessTransactionResponse{
		Success:       true,
		TransactionID: result.TransactionID,
	})
}

// =============================================================================
// TRANSACTION QUERIES
// =============================================================================

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Backend.ListTransactions(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tx, err := h.Backend.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (h *Handler) CardTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.Backend.GetCard(r.Context(), id); err != nil {
		h.writeEngineError(w, "Failed to get card", err)
		return
	}
	txs, err := h.Backend.TransactionsByCard(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) OrganizationTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.Backend.GetOrganization(r.Context(), id); err != nil {
		h.writeEngineError(w, "Failed to get organization", err)
		return
	}
	txs, err := h.Backend.TransactionsByOrganization(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// ORGANIZATION HANDLERS
// =============================================================================

func (h *Handler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Backend.ListOrganizations(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list organizations", err)
		return
	}
	dtos := make([]OrganizationDTO, len(orgs))
	for i := range orgs {
		dtos[i] = toOrganizationDTO(&orgs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req CreateOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "Name and code are required", nil)
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, http.StatusBadRequest, "Balance cannot be negative", nil)
		return
	}

	org := &engine.Organization{Name: req.Name, Code: req.Code, Balance: req.Balance}
	if err := h.Backend.CreateOrganization(r.Context(), org); err != nil {
		h.writeEngineError(w, "Failed to create organization", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrganizationDTO(org))
}

func (h *Handler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	org, err := h.Backend.GetOrganization(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get organization", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrganizationDTO(org))
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Amount must be positive", nil)
		return
	}

	org, err := h.Backend.DepositToOrganization(r.Context(), id, req.Amount)
	if err != nil {
		h.writeEngineError(w, "Failed to deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrganizationDTO(org))
}

func (h *Handler) DeactivateOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Backend.DeactivateOrganization(r.Context(), id); err != nil {
		h.writeEngineError(w, "Failed to deactivate organization", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}

// =============================================================================
// CARD HANDLERS
// =============================================================================

func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.Backend.ListCards(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list cards", err)
		return
	}
	dtos := make([]CardDTO, len(cards))
	for i := range cards {
		dtos[i] = toCardDTO(&cards[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var req CreateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.CardNumber == "" || req.HolderName == "" {
		writeError(w, http.StatusBadRequest, "Card number and holder name are required", nil)
		return
	}
	if !req.DailyLimit.IsPositive() || !req.MonthlyLimit.IsPositive() {
		writeError(w, http.StatusBadRequest, "Limits must be positive", nil)
		return
	}

	card := &engine.Card{
		Number:         req.CardNumber,
		HolderName:     req.HolderName,
		OrganizationID: req.OrganizationID,
		DailyLimit:     req.DailyLimit,
		MonthlyLimit:   req.MonthlyLimit,
	}
	if err := h.Backend.CreateCard(r.Context(), card); err != nil {
		h.writeEngineError(w, "Failed to create card", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCardDTO(card))
}

func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	card, err := h.Backend.GetCard(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get card", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

func (h *Handler) UpdateCardLimits(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdateLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !req.DailyLimit.IsPositive() || !req.MonthlyLimit.IsPositive() {
		writeError(w, http.StatusBadRequest, "Limits must be positive", nil)
		return
	}

	card, err := h.Backend.UpdateCardLimits(r.Context(), id, req.DailyLimit, req.MonthlyLimit)
	if err != nil {
		h.writeEngineError(w, "Failed to update limits", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

func (h *Handler) DeactivateCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Backend.DeactivateCard(r.Context(), id); err != nil {
		h.writeEngineError(w, "Failed to deactivate card", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}

// =============================================================================
// FUEL STATION HANDLERS
// =============================================================================

func (h *Handler) ListFuelStations(w http.ResponseWriter, r *http.Request) {
	stations, err := h.Backend.ListFuelStations(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list stations", err)
		return
	}
	dtos := make([]FuelStationDTO, len(stations))
	for i, st := range stations {
		// The key never leaves the system after registration.
		dtos[i] = FuelStationDTO{ID: st.ID, Name: st.Name, Location: st.Location, IsActive: st.IsActive}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateFuelStation(w http.ResponseWriter, r *http.Request) {
	var req CreateFuelStationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "Name and apiKey are required", nil)
		return
	}

	st := &engine.FuelStation{Name: req.Name, Location: req.Location, APIKey: req.APIKey}
	if err := h.Backend.CreateFuelStation(r.Context(), st); err != nil {
		h.writeEngineError(w, "Failed to create station", err)
		return
	}
	writeJSON(w, http.StatusCreated, FuelStationDTO{
		ID:       st.ID,
		Name:     st.Name,
		Location: st.Location,
		APIKey:   st.APIKey,
		IsActive: st.IsActive,
	})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

// writeEngineError maps engine errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, msg string, err error) {
	switch {
	case engine.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, msg, err)
	case errors.Is(err, engine.ErrDuplicateCode):
		writeError(w, http.StatusConflict, msg, err)
	case errors.Is(err, engine.ErrLockWaitTimeout), errors.Is(err, engine.ErrConcurrentModification):
		// The terminal may resubmit; the engine never retries internally.
		writeError(w, http.StatusServiceUnavailable, "Authorization contention, please retry", err)
	default:
		h.Logger.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg, err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/swipe/banklink-service/internal/app"
	"github.com/swipe/banklink-service/internal/domain"
	"github.com/swipe/banklink-service/internal/store"
)

const maxBodyBytes = 1 << 20

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies for the HTTP handlers.
type Handler struct {
	link     *app.LinkService
	registry *app.RegistryService
	sync     *app.SyncService
	health   HealthChecker
	scrubber *app.Scrubber
	logger   *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(link *app.LinkService, registry *app.RegistryService, sync *app.SyncService, health HealthChecker, scrubber *app.Scrubber, logger *slog.Logger) *Handler {
	if scrubber == nil {
		scrubber = app.NewScrubber()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		link:     link,
		registry: registry,
		sync:     sync,
		health:   health,
		scrubber: scrubber,
		logger:   logger,
	}
}

type linkTokenRequest struct {
	UserID string `json:"userId"`
}

type exchangeMetadata struct {
	Institution *app.LinkInstitution `json:"institution"`
	Accounts    []app.LinkAccount    `json:"accounts"`
}

type exchangeTokenRequest struct {
	PublicToken string               `json:"public_token"`
	UserID      string               `json:"userId"`
	Institution *app.LinkInstitution `json:"institution"`
	Accounts    []app.LinkAccount    `json:"accounts"`
	Metadata    *exchangeMetadata    `json:"metadata"`
}

type transactionsRequest struct {
	UserID        string `json:"userId"`
	InstitutionID string `json:"institutionId"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
}

type patchBankRequest struct {
	Status                   domain.Optional[string] `json:"status"`
	LastSyncTransactionCount domain.Optional[int]    `json:"lastSyncTransactionCount"`
	ErrorMessage             domain.Optional[string] `json:"errorMessage"`
	Nickname                 domain.Optional[string] `json:"nickname"`
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Plaid Backend Server Running",
		"status":  "OK",
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Error("health check failed", "error", err)
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateLinkToken(w http.ResponseWriter, r *http.Request) {
	var req linkTokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := authorizeUser(w, r, req.UserID)
	if !ok {
		return
	}

	linkToken, err := h.link.CreateLinkToken(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "Failed to create link token")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"link_token": linkToken})
}

func (h *Handler) handleExchangeToken(w http.ResponseWriter, r *http.Request) {
	var req exchangeTokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := authorizeUser(w, r, req.UserID)
	if !ok {
		return
	}

	input := app.ExchangeInput{
		PublicToken: req.PublicToken,
		UserID:      userID,
		Institution: req.Institution,
		Accounts:    req.Accounts,
	}
	if req.Metadata != nil {
		if input.Institution == nil {
			input.Institution = req.Metadata.Institution
		}
		if input.Accounts == nil {
			input.Accounts = req.Metadata.Accounts
		}
	}

	result, err := h.link.ExchangePublicToken(r.Context(), input)
	if err != nil {
		h.writeError(w, err, "Failed to exchange token", req.PublicToken)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"item_id": result.ItemID,
	})
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	var req transactionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := authorizeUser(w, r, req.UserID)
	if !ok {
		return
	}

	result, err := h.sync.FetchTransactions(r.Context(), app.TransactionsInput{
		UserID:        userID,
		InstitutionID: req.InstitutionID,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
	})
	if err != nil {
		h.writeError(w, err, "Failed to fetch transactions")
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListBanks(w http.ResponseWriter, r *http.Request) {
	userID, ok := authorizeUser(w, r, chi.URLParam(r, "userId"))
	if !ok {
		return
	}

	banks, err := h.registry.ListBanks(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "Failed to fetch banks")
		return
	}
	if banks == nil {
		banks = []domain.ConnectedBank{}
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"banks": banks})
}

func (h *Handler) handleUpsertBank(w http.ResponseWriter, r *http.Request) {
	userID, ok := authorizeUser(w, r, chi.URLParam(r, "userId"))
	if !ok {
		return
	}
	var input app.UpsertBankInput
	if !h.decode(w, r, &input) {
		return
	}
	input.UserID = userID

	bank, err := h.registry.UpsertBank(r.Context(), input)
	if err != nil {
		h.writeError(w, err, "Failed to save bank", input.AccessToken)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"bank": bank})
}

func (h *Handler) handlePatchBank(w http.ResponseWriter, r *http.Request) {
	userID, ok := authorizeUser(w, r, chi.URLParam(r, "userId"))
	if !ok {
		return
	}
	var req patchBankRequest
	if !h.decode(w, r, &req) {
		return
	}

	patch := domain.BankPatch{
		Status:                   req.Status,
		LastSyncTransactionCount: req.LastSyncTransactionCount,
		ErrorMessage:             req.ErrorMessage,
		Nickname:                 req.Nickname,
	}
	// An empty or null status leaves the stored status untouched.
	if patch.Status.Value == nil || *patch.Status.Value == "" {
		patch.Status = domain.Optional[string]{}
	}

	bank, err := h.registry.PatchBank(r.Context(), userID, chi.URLParam(r, "institutionId"), patch)
	if err != nil {
		h.writeError(w, err, "Failed to update bank")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"bank": bank})
}

func (h *Handler) handleDeleteBank(w http.ResponseWriter, r *http.Request) {
	userID, ok := authorizeUser(w, r, chi.URLParam(r, "userId"))
	if !ok {
		return
	}

	if err := h.registry.DeleteBank(r.Context(), userID, chi.URLParam(r, "institutionId")); err != nil {
		h.writeError(w, err, "Failed to delete bank")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Bank disconnected",
	})
}

// decode reads an optional JSON body. An empty body leaves dst untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
	return false
}

// writeError maps service errors onto status codes. fallback is the message
// used for unexpected failures; secrets are scrubbed from their details.
func (h *Handler) writeError(w http.ResponseWriter, err error, fallback string, secrets ...string) {
	var inputErr *app.InputError
	var providerErr *app.ProviderError

	switch {
	case errors.As(err, &inputErr):
		respondWithError(w, http.StatusBadRequest, inputErr.Message)
	case errors.Is(err, app.ErrNoBanksConnected), errors.Is(err, app.ErrBankNotFound):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUserNotFound):
		respondWithError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, store.ErrBankNotFound):
		respondWithError(w, http.StatusNotFound, "Bank not found")
	case errors.As(err, &providerErr):
		respondWithJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   providerErr.Message,
			Details: providerErr.Details,
		})
	default:
		details := h.scrubber.ScrubString(err.Error(), secrets...)
		h.logger.Error(fallback, "error", details)
		respondWithJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   fallback,
			Details: details,
		})
	}
}

// authorizeUser checks the requested user against the token subject. With
// auth disabled the requested id is returned unchanged.
func authorizeUser(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	subject, ok := UserFromContext(r.Context())
	if !ok {
		return requested, true
	}
	if requested == "" {
		return subject, true
	}
	if requested != subject {
		respondWithError(w, http.StatusForbidden, "Forbidden")
		return "", false
	}
	return requested, true
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lindero/lindero/internal/platform/httpx"
)

// Handler manages credit ledger read endpoints. Mutation happens only
// through the billing workflows.
type Handler struct {
	logger  *slog.Logger
	service *Service
	pool    *pgxpool.Pool
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, pool *pgxpool.Pool) *Handler {
	return &Handler{logger: logger, service: service, pool: pool}
}

// MountRoutes registers ledger routes under a tenant subtree.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/credit", h.listBalances)
	r.Get("/units/{unitID}/credit", h.getAccount)
}

type balanceResponse struct {
	UnitID  string  `json:"unitId"`
	Balance int64   `json:"balance"`
	History []Entry `json:"history"`
}

// getAccount returns one unit's balance and full history.
func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	unitID := chi.URLParam(r, "unitID")

	account, err := h.service.GetAccount(r.Context(), h.pool, tenantID, unitID)
	if errors.Is(err, ErrAccountNotFound) {
		// A unit that never paid simply has a zero balance.
		httpx.JSON(w, http.StatusOK, balanceResponse{UnitID: unitID, Balance: 0, History: []Entry{}})
		return
	}
	if err != nil {
		h.logger.Error("get credit account", slog.Any("error", err), slog.String("unit", unitID))
		httpx.RespondError(w, err)
		return
	}

	history := account.History
	if history == nil {
		history = []Entry{}
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{UnitID: unitID, Balance: account.Balance, History: history})
}

// listBalances returns every account balance of the tenant in one read.
func (h *Handler) listBalances(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	accounts, err := h.service.ListBalances(r.Context(), h.pool, tenantID)
	if err != nil {
		h.logger.Error("list credit balances", slog.Any("error", err), slog.String("tenant", tenantID))
		httpx.RespondError(w, err)
		return
	}

	type row struct {
		UnitID     string `json:"unitId"`
		Balance    int64  `json:"balance"`
		LastChange *Entry `json:"lastChange,omitempty"`
	}
	out := make([]row, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, row{UnitID: account.UnitID, Balance: account.Balance, LastChange: account.LastChange})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tenantId": tenantID, "balances": out})
}

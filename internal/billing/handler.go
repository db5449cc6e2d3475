package billing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lindero/lindero/internal/allocation"
	"github.com/lindero/lindero/internal/currency"
	"github.com/lindero/lindero/internal/penalty"
	"github.com/lindero/lindero/internal/platform/httpx"
	"github.com/lindero/lindero/internal/shared"
)

// Handler exposes the billing engine over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	recalc   RecalculatorPort
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, recalc RecalculatorPort) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		recalc:   recalc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers billing routes under a tenant subtree.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/bills", h.listBills)
	r.Post("/units/{unitID}/payments", h.recordPayment)
	r.Get("/units/{unitID}/payments", h.listTransactions)
	r.Get("/units/{unitID}/statement", h.statement)
	r.Get("/periods", h.listPeriods)
	r.Post("/periods/{periodKey}/generate", h.generatePeriod)
	r.Post("/periods/{periodKey}/status", h.setPeriodStatus)
	r.Post("/penalties/recalculate", h.recalculatePenalties)
	r.Delete("/transactions/{transactionID}", h.deleteTransaction)
}

type recordPaymentRequest struct {
	Amount any    `json:"amount" validate:"required"`
	PaidAt string `json:"paidAt,omitempty"`
	Note   string `json:"note,omitempty" validate:"max=500"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	unitID := chi.URLParam(r, "unitID")

	var req recordPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid request body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	var paidAt time.Time
	if req.PaidAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.PaidAt)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: paidAt must be RFC3339", httpx.ErrValidation))
			return
		}
		paidAt = parsed
	}

	result, err := h.service.RecordPayment(r.Context(), RecordPaymentInput{
		TenantID:       tenantID,
		UnitID:         unitID,
		Amount:         req.Amount,
		PaidAt:         paidAt,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondPaymentError(w, err, tenantID, unitID)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) respondPaymentError(w http.ResponseWriter, err error, tenantID, unitID string) {
	var precisionErr *currency.PrecisionError
	var sumErr *allocation.SumMismatchError
	switch {
	case errors.As(err, &precisionErr):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrUnprocessable, err.Error()))
	case errors.As(err, &sumErr):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrUnprocessable, err.Error()))
	case errors.Is(err, ErrNonPositiveAmount):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrDuplicate, err.Error()))
	case errors.Is(err, shared.ErrLockNotAcquired):
		httpx.RespondError(w, fmt.Errorf("%w: account busy, retry shortly", httpx.ErrConflict))
	default:
		h.logger.Error("record payment",
			slog.Any("error", err),
			slog.String("tenant", tenantID),
			slog.String("unit", unitID))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	unitID := chi.URLParam(r, "unitID")

	transactions, err := h.service.ListTransactions(r.Context(), tenantID, unitID)
	if err != nil {
		h.logger.Error("list transactions", slog.Any("error", err), slog.String("unit", unitID))
		httpx.RespondError(w, err)
		return
	}
	if transactions == nil {
		transactions = []Transaction{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transactions": transactions})
}

func (h *Handler) listBills(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	query := r.URL.Query()

	status := BillStatus(query.Get("status"))
	switch status {
	case "", StatusUnpaid, StatusPartial, StatusPaid:
	default:
		httpx.RespondError(w, fmt.Errorf("%w: unknown status %q", httpx.ErrValidation, status))
		return
	}

	page, perPage := parsePage(query.Get("page")), parsePage(query.Get("perPage"))
	bills, pagination, err := h.service.ListBills(r.Context(), tenantID, query.Get("unitId"), status, page, perPage)
	if err != nil {
		h.logger.Error("list bills", slog.Any("error", err), slog.String("tenant", tenantID))
		httpx.RespondError(w, err)
		return
	}
	if bills == nil {
		bills = []Bill{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"bills": bills, "pagination": pagination})
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	unitID := chi.URLParam(r, "unitID")

	statement, err := h.service.BuildStatement(r.Context(), tenantID, unitID)
	if err != nil {
		h.logger.Error("build statement", slog.Any("error", err), slog.String("unit", unitID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statement)
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	periods, err := h.service.ListPeriods(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("list periods", slog.Any("error", err), slog.String("tenant", tenantID))
		httpx.RespondError(w, err)
		return
	}
	if periods == nil {
		periods = []PeriodInfo{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": periods})
}

type generatePeriodRequest struct {
	Charges []UnitCharge `json:"charges" validate:"required,min=1,dive"`
}

func (h *Handler) generatePeriod(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	period := shared.PeriodKey(chi.URLParam(r, "periodKey"))
	if !period.Valid() {
		httpx.RespondError(w, fmt.Errorf("%w: invalid period key %q", httpx.ErrValidation, period))
		return
	}

	var req generatePeriodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid request body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	result, err := h.service.GeneratePeriod(r.Context(), GeneratePeriodInput{
		TenantID: tenantID,
		Period:   period,
		Charges:  req.Charges,
	})
	if err != nil {
		var precisionErr *currency.PrecisionError
		switch {
		case errors.As(err, &precisionErr):
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrUnprocessable, err.Error()))
		case errors.Is(err, shared.ErrPeriodLocked):
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, err.Error()))
		default:
			h.logger.Error("generate period", slog.Any("error", err), slog.String("period", string(period)))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type setPeriodStatusRequest struct {
	Status   string `json:"status" validate:"required,oneof=OPEN CLOSED LOCKED"`
	Override bool   `json:"override,omitempty"`
}

func (h *Handler) setPeriodStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	period := shared.PeriodKey(chi.URLParam(r, "periodKey"))
	if !period.Valid() {
		httpx.RespondError(w, fmt.Errorf("%w: invalid period key %q", httpx.ErrValidation, period))
		return
	}

	var req setPeriodStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid request body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	err := h.service.SetPeriodStatus(r.Context(), tenantID, period, req.Status, req.Override)
	if err != nil {
		if errors.Is(err, shared.ErrInvalidPeriodTransition) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, err.Error()))
			return
		}
		h.logger.Error("set period status", slog.Any("error", err), slog.String("period", string(period)))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periodKey": period, "status": req.Status})
}

type recalculateRequest struct {
	UnitIDs []string `json:"unitIds,omitempty"`
	AsOf    string   `json:"asOf,omitempty"`
}

// recalculatePenalties triggers a recalculation run. An absent unitIds field
// sweeps the whole tenant; a present one, even empty, is surgical.
func (h *Handler) recalculatePenalties(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req recalculateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid request body", httpx.ErrValidation))
		return
	}

	asOf := time.Now().UTC()
	if req.AsOf != "" {
		parsed, err := time.Parse(time.RFC3339, req.AsOf)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: asOf must be RFC3339", httpx.ErrValidation))
			return
		}
		asOf = parsed
	}

	result, err := h.recalc.Recalculate(r.Context(), tenantID, asOf, req.UnitIDs)
	if err != nil {
		var policyErr *penalty.PolicyConfigError
		if errors.As(err, &policyErr) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrUnprocessable, err.Error()))
			return
		}
		h.logger.Error("penalty recalculation", slog.Any("error", err), slog.String("tenant", tenantID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")

	result, err := h.service.DeleteTransaction(r.Context(), transactionID)
	if err != nil {
		var partial *PartialReversalError
		if errors.As(err, &partial) {
			// 500 with detail: the operator must reconcile before retrying.
			httpx.Problem(w, http.StatusInternalServerError, "Partial Reversal", partial.Error())
			return
		}
		h.logger.Error("delete transaction", slog.Any("error", err), slog.String("transaction", transactionID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func parsePage(raw string) int {
	var n int
	_, err := fmt.Sscanf(raw, "%d", &n)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lindero/lindero/internal/allocation"
	"github.com/lindero/lindero/internal/currency"
	"github.com/lindero/lindero/internal/ledger"
	"github.com/lindero/lindero/internal/penalty"
	"github.com/lindero/lindero/internal/platform/db"
	"github.com/lindero/lindero/internal/shared"
	"github.com/lindero/lindero/internal/tenant"
)

// RepositoryPort defines data access for the billing service.
type RepositoryPort interface {
	ListOutstanding(ctx context.Context, q db.Querier, tenantID, unitID string) ([]Bill, error)
	GetBill(ctx context.Context, q db.Querier, tenantID, unitID string, period shared.PeriodKey) (*Bill, error)
	ListBills(ctx context.Context, q db.Querier, tenantID, unitID string, status BillStatus, page, perPage int) ([]Bill, shared.Pagination, error)
	ApplyBillUpdate(ctx context.Context, q db.Querier, tenantID string, update BillUpdate) error
	InsertBills(ctx context.Context, q db.Querier, bills []Bill) (int, error)
	InsertTransaction(ctx context.Context, q db.Querier, tx *Transaction) error
	GetTransaction(ctx context.Context, q db.Querier, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, q db.Querier, tenantID, unitID string) ([]Transaction, error)
	DeleteTransaction(ctx context.Context, q db.Querier, id string) error
	GetPeriodStatus(ctx context.Context, q db.Querier, tenantID string, period shared.PeriodKey) (string, error)
	UpsertPeriodStatus(ctx context.Context, q db.Querier, tenantID string, period shared.PeriodKey, status string) error
	ListPeriods(ctx context.Context, q db.Querier, tenantID string) ([]PeriodInfo, error)
	GetReversalProgress(ctx context.Context, q db.Querier, transactionID string) (string, error)
	SetReversalProgress(ctx context.Context, q db.Querier, transactionID, step string, at time.Time) error
}

// LedgerPort is the slice of the credit ledger the billing workflows use.
type LedgerPort interface {
	GetBalance(ctx context.Context, q db.Querier, tenantID, unitID string) (int64, error)
	Apply(ctx context.Context, q db.Querier, input ledger.ApplyInput) (int64, *ledger.Entry, error)
	Reverse(ctx context.Context, q db.Querier, tenantID, unitID, transactionID string) (int64, error)
}

// ConfigSourcePort supplies tenant billing configuration.
type ConfigSourcePort interface {
	Get(ctx context.Context, tenantID string) (*tenant.Config, error)
}

// RecalculatorPort triggers penalty recomputation after payments mutate
// bill state.
type RecalculatorPort interface {
	Recalculate(ctx context.Context, tenantID string, asOf time.Time, unitIDs []string) (*penalty.Result, error)
}

// LockerPort serializes operations per account.
type LockerPort interface {
	Acquire(ctx context.Context, tenantID, unitID string) (func(), error)
}

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against duplicate payment submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsPort receives engine timings. Optional.
type MetricsPort interface {
	ObserveDistribution(seconds float64)
	ObserveReversal(seconds float64)
}

// ErrNonPositiveAmount rejects zero and negative payments.
var ErrNonPositiveAmount = errors.New("billing: payment amount must be positive")

// Service orchestrates payment distribution, reversal and period lifecycle.
type Service struct {
	pool        *pgxpool.Pool
	repo        RepositoryPort
	ledger      LedgerPort
	config      ConfigSourcePort
	recalc      RecalculatorPort
	locker      LockerPort
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     MetricsPort
	logger      *slog.Logger
}

// NewService builds Service instance. audit, idempotency and metrics may be
// nil; locker may be nil only in tests.
func NewService(pool *pgxpool.Pool, repo RepositoryPort, ledgerSvc LedgerPort, config ConfigSourcePort,
	recalc RecalculatorPort, locker LockerPort, logger *slog.Logger) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		ledger: ledgerSvc,
		config: config,
		recalc: recalc,
		locker: locker,
		logger: logger,
	}
}

// WithAudit attaches an audit sink.
func (s *Service) WithAudit(audit AuditPort) *Service { s.audit = audit; return s }

// WithIdempotency attaches a duplicate-submission guard.
func (s *Service) WithIdempotency(store IdempotencyPort) *Service { s.idempotency = store; return s }

// WithMetrics attaches engine timing metrics.
func (s *Service) WithMetrics(metrics MetricsPort) *Service { s.metrics = metrics; return s }

// withTx runs fn inside one database transaction. Without a pool (unit
// tests against in-memory ports) fn runs directly.
func (s *Service) withTx(ctx context.Context, fn func(q db.Querier) error) error {
	if s.pool == nil {
		return fn(nil)
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error { return fn(tx) })
}

// querier returns the shared pool for reads outside a transaction.
func (s *Service) querier() db.Querier {
	if s.pool == nil {
		return nil
	}
	return s.pool
}

// normFor builds a currency normalizer honoring the tenant's tolerance.
func (s *Service) normFor(cfg *tenant.Config) *currency.Normalizer {
	return currency.New(cfg.CurrencyTolerance, s.logger)
}

func (s *Service) lock(ctx context.Context, tenantID, unitID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Acquire(ctx, tenantID, unitID)
}

// RecordPaymentInput describes one incoming payment.
type RecordPaymentInput struct {
	TenantID       string
	UnitID         string
	Amount         any
	PaidAt         time.Time
	Note           string
	IdempotencyKey string
}

// RecordPaymentResult reports where the money went.
type RecordPaymentResult struct {
	Transaction   *Transaction `json:"transaction"`
	BillUpdates   []BillUpdate `json:"billUpdates"`
	CreditDelta   int64        `json:"creditDelta"`
	CreditBalance int64        `json:"creditBalance"`
}

// RecordPayment validates, distributes and persists one payment atomically:
// the transaction record, every bill update and the ledger entry commit
// together or not at all. The per-account lock serializes concurrent
// payments for the same unit; a surgical penalty recalculation for the unit
// runs after commit.
func (s *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (*RecordPaymentResult, error) {
	started := time.Now()

	cfg, err := s.config.Get(ctx, input.TenantID)
	if err != nil {
		return nil, fmt.Errorf("billing: load tenant config: %w", err)
	}
	norm := s.normFor(cfg)

	amount, err := norm.Normalize(input.Amount, "paymentAmount")
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}

	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, shared.IdempotencyModulePayments); err != nil {
			return nil, err
		}
	}

	release, err := s.lock(ctx, input.TenantID, input.UnitID)
	if err != nil {
		s.dropIdempotencyKey(ctx, input.IdempotencyKey)
		return nil, err
	}
	defer release()

	paidAt := input.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}

	result := &RecordPaymentResult{}
	err = s.withTx(ctx, func(q db.Querier) error {
		bills, err := s.repo.ListOutstanding(ctx, q, input.TenantID, input.UnitID)
		if err != nil {
			return fmt.Errorf("billing: list outstanding bills: %w", err)
		}
		creditBalance, err := s.ledger.GetBalance(ctx, q, input.TenantID, input.UnitID)
		if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
			return fmt.Errorf("billing: read credit balance: %w", err)
		}

		dist := Distribute(amount, creditBalance, bills)
		allocations, summary, err := allocation.Build(norm, dist.Items, amount)
		if err != nil {
			return err
		}

		txRecord := &Transaction{
			ID:          uuid.NewString(),
			TenantID:    input.TenantID,
			UnitID:      input.UnitID,
			Amount:      amount,
			PaidAt:      paidAt,
			Allocations: allocations,
			Summary:     summary,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.repo.InsertTransaction(ctx, q, txRecord); err != nil {
			return fmt.Errorf("billing: insert transaction: %w", err)
		}
		for _, update := range dist.BillUpdates {
			if err := s.repo.ApplyBillUpdate(ctx, q, input.TenantID, update); err != nil {
				return fmt.Errorf("billing: update bill %s: %w", update.PeriodKey, err)
			}
		}

		newBalance := creditBalance + dist.CreditDelta
		if dist.CreditDelta != 0 {
			newBalance, _, err = s.ledger.Apply(ctx, q, ledger.ApplyInput{
				TenantID:      input.TenantID,
				UnitID:        input.UnitID,
				Amount:        dist.CreditDelta,
				Note:          input.Note,
				TransactionID: txRecord.ID,
				Source:        ledger.SourcePayment,
				At:            paidAt,
			})
			if err != nil {
				return err
			}
		}

		result.Transaction = txRecord
		result.BillUpdates = dist.BillUpdates
		result.CreditDelta = dist.CreditDelta
		result.CreditBalance = newBalance
		return nil
	})
	if err != nil {
		s.dropIdempotencyKey(ctx, input.IdempotencyKey)
		return nil, err
	}

	s.recalcUnit(ctx, input.TenantID, input.UnitID, paidAt)
	s.recordAudit(ctx, shared.AuditLog{
		TenantID: input.TenantID,
		Action:   shared.AuditActionPaymentRecorded,
		Entity:   "transaction",
		EntityID: result.Transaction.ID,
		Meta: map[string]any{
			"unitId":       input.UnitID,
			"amount":       amount,
			"billsTouched": len(result.BillUpdates),
			"creditDelta":  result.CreditDelta,
		},
	})
	if s.metrics != nil {
		s.metrics.ObserveDistribution(time.Since(started).Seconds())
	}

	s.logger.Info("payment recorded",
		slog.String("tenant", input.TenantID),
		slog.String("unit", input.UnitID),
		slog.String("transaction", result.Transaction.ID),
		slog.Int64("amount", amount),
		slog.Int("bills", len(result.BillUpdates)),
		slog.Int64("credit_delta", result.CreditDelta))
	return result, nil
}

// dropIdempotencyKey releases a reserved key after a failed payment so the
// client can retry with the same key.
func (s *Service) dropIdempotencyKey(ctx context.Context, key string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.Delete(ctx, key); err != nil {
		s.logger.Warn("release idempotency key", slog.Any("error", err), slog.String("key", key))
	}
}

// recalcUnit runs a surgical penalty recalculation for one unit. The payment
// is already committed, so failures are logged, not returned.
func (s *Service) recalcUnit(ctx context.Context, tenantID, unitID string, asOf time.Time) {
	if s.recalc == nil {
		return
	}
	if _, err := s.recalc.Recalculate(ctx, tenantID, asOf, []string{unitID}); err != nil {
		s.logger.Error("post-payment penalty recalculation failed",
			slog.Any("error", err),
			slog.String("tenant", tenantID),
			slog.String("unit", unitID))
	}
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err), slog.String("action", log.Action))
	}
}

// UnitCharge is one unit's base charge for a generated period.
type UnitCharge struct {
	UnitID     string `json:"unitId" validate:"required"`
	BaseCharge any    `json:"baseCharge" validate:"required"`
}

// GeneratePeriodInput describes a period generation request.
type GeneratePeriodInput struct {
	TenantID string
	Period   shared.PeriodKey
	Charges  []UnitCharge
}

// GeneratePeriodResult reports what generation created.
type GeneratePeriodResult struct {
	Period       shared.PeriodKey `json:"periodKey"`
	BillsCreated int              `json:"billsCreated"`
	DueAt        time.Time        `json:"dueAt"`
}

// GeneratePeriod creates the period's bills from per-unit charges. Existing
// bills are preserved, so rerunning generation only fills gaps.
func (s *Service) GeneratePeriod(ctx context.Context, input GeneratePeriodInput) (*GeneratePeriodResult, error) {
	cfg, err := s.config.Get(ctx, input.TenantID)
	if err != nil {
		return nil, fmt.Errorf("billing: load tenant config: %w", err)
	}
	norm := s.normFor(cfg)

	dueAt, err := input.Period.DueDate(cfg.DueDay)
	if err != nil {
		return nil, err
	}

	status, err := s.repo.GetPeriodStatus(ctx, s.querier(), input.TenantID, input.Period)
	if err != nil {
		return nil, err
	}
	if status != shared.PeriodStatusOpen {
		return nil, shared.ErrPeriodLocked
	}

	bills := make([]Bill, 0, len(input.Charges))
	for i, charge := range input.Charges {
		base, err := norm.Normalize(charge.BaseCharge, fmt.Sprintf("charges[%d].baseCharge", i))
		if err != nil {
			return nil, err
		}
		if base <= 0 {
			return nil, fmt.Errorf("billing: charge for unit %s must be positive", charge.UnitID)
		}
		bills = append(bills, Bill{
			TenantID:   input.TenantID,
			UnitID:     charge.UnitID,
			PeriodKey:  input.Period,
			BaseCharge: base,
			DueAt:      dueAt,
		})
	}

	result := &GeneratePeriodResult{Period: input.Period, DueAt: dueAt}
	err = s.withTx(ctx, func(q db.Querier) error {
		if err := s.repo.UpsertPeriodStatus(ctx, q, input.TenantID, input.Period, shared.PeriodStatusOpen); err != nil {
			return err
		}
		created, err := s.repo.InsertBills(ctx, q, bills)
		if err != nil {
			return err
		}
		result.BillsCreated = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, shared.AuditLog{
		TenantID: input.TenantID,
		Action:   shared.AuditActionPeriodGenerated,
		Entity:   "billing_period",
		EntityID: string(input.Period),
		Meta:     map[string]any{"billsCreated": result.BillsCreated},
	})
	s.logger.Info("billing period generated",
		slog.String("tenant", input.TenantID),
		slog.String("period", string(input.Period)),
		slog.Int("bills_created", result.BillsCreated))
	return result, nil
}

// SetPeriodStatus transitions a billing period through its lifecycle.
// Reopening a locked period requires the override flag.
func (s *Service) SetPeriodStatus(ctx context.Context, tenantID string, period shared.PeriodKey, target string, override bool) error {
	current, err := s.repo.GetPeriodStatus(ctx, s.querier(), tenantID, period)
	if err != nil {
		return err
	}
	if err := shared.ValidatePeriodTransition(current, target, override); err != nil {
		return err
	}
	if err := s.repo.UpsertPeriodStatus(ctx, s.querier(), tenantID, period, target); err != nil {
		return err
	}

	s.recordAudit(ctx, shared.AuditLog{
		TenantID: tenantID,
		Action:   shared.AuditActionPeriodClosed,
		Entity:   "billing_period",
		EntityID: string(period),
		Meta:     map[string]any{"from": current, "to": target, "override": override},
	})
	s.logger.Info("billing period status changed",
		slog.String("tenant", tenantID),
		slog.String("period", string(period)),
		slog.String("from", current),
		slog.String("to", target))
	return nil
}

// ListPeriods returns the tenant's billing periods, newest first.
func (s *Service) ListPeriods(ctx context.Context, tenantID string) ([]PeriodInfo, error) {
	return s.repo.ListPeriods(ctx, s.querier(), tenantID)
}

// ListBills returns a page of the tenant's bills.
func (s *Service) ListBills(ctx context.Context, tenantID, unitID string, status BillStatus, page, perPage int) ([]Bill, shared.Pagination, error) {
	return s.repo.ListBills(ctx, s.querier(), tenantID, unitID, status, page, perPage)
}

// ListTransactions returns the unit's payment history, newest first.
func (s *Service) ListTransactions(ctx context.Context, tenantID, unitID string) ([]Transaction, error) {
	return s.repo.ListTransactions(ctx, s.querier(), tenantID, unitID)
}

// StatementLine is one bill on a unit statement.
type StatementLine struct {
	PeriodKey     shared.PeriodKey `json:"periodKey"`
	Status        BillStatus       `json:"status"`
	BaseCharge    int64            `json:"baseCharge"`
	PenaltyAmount int64            `json:"penaltyAmount"`
	TotalAmount   int64            `json:"totalAmount"`
	Paid          int64            `json:"paid"`
	RemainingDue  int64            `json:"remainingDue"`
	Display       string           `json:"display"`
	DueAt         time.Time        `json:"dueAt"`
}

// Statement is a unit's full account picture.
type Statement struct {
	TenantID         string          `json:"tenantId"`
	UnitID           string          `json:"unitId"`
	Lines            []StatementLine `json:"lines"`
	TotalDue         int64           `json:"totalDue"`
	TotalDueDisplay  string          `json:"totalDueDisplay"`
	CreditBalance    int64           `json:"creditBalance"`
	CreditDisplay    string          `json:"creditDisplay"`
	GeneratedAt      time.Time       `json:"generatedAt"`
	OutstandingBills int             `json:"outstandingBills"`
}

// BuildStatement assembles the unit's outstanding bills and credit balance
// into a display-ready statement.
func (s *Service) BuildStatement(ctx context.Context, tenantID, unitID string) (*Statement, error) {
	bills, err := s.repo.ListOutstanding(ctx, s.querier(), tenantID, unitID)
	if err != nil {
		return nil, err
	}
	creditBalance, err := s.ledger.GetBalance(ctx, s.querier(), tenantID, unitID)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, err
	}

	statement := &Statement{
		TenantID:      tenantID,
		UnitID:        unitID,
		Lines:         make([]StatementLine, 0, len(bills)),
		CreditBalance: creditBalance,
		CreditDisplay: FormatCentavos(creditBalance),
		GeneratedAt:   time.Now().UTC(),
	}
	for _, bill := range bills {
		remaining := bill.RemainingDue()
		statement.TotalDue += remaining
		statement.Lines = append(statement.Lines, StatementLine{
			PeriodKey:     bill.PeriodKey,
			Status:        bill.Status,
			BaseCharge:    bill.BaseCharge,
			PenaltyAmount: bill.PenaltyAmount,
			TotalAmount:   bill.TotalAmount,
			Paid:          bill.BasePaid + bill.PenaltyPaid,
			RemainingDue:  remaining,
			Display:       FormatCentavos(remaining),
			DueAt:         bill.DueAt,
		})
	}
	statement.OutstandingBills = len(statement.Lines)
	statement.TotalDueDisplay = FormatCentavos(statement.TotalDue)
	return statement, nil
}

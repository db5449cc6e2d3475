package penalty

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/lindero/lindero/internal/shared"
	"github.com/lindero/lindero/internal/tenant"
)

// accrualBlockDays is the length of one accrual block. A bill one day past
// its grace window has accrued one block.
const accrualBlockDays = 30

// BillStorePort defines data access for the engine.
type BillStorePort interface {
	// ListForTenant returns every bill of the tenant outside locked periods.
	ListForTenant(ctx context.Context, tenantID string) ([]Bill, error)
	// UpdatePenalty rewrites a bill's penalty and total amounts.
	UpdatePenalty(ctx context.Context, tenantID, unitID string, periodKey shared.PeriodKey, penaltyAmount, totalAmount int64) error
}

// ConfigSourcePort supplies tenant billing configuration.
type ConfigSourcePort interface {
	Get(ctx context.Context, tenantID string) (*tenant.Config, error)
}

// Engine recalculates penalties.
type Engine struct {
	store  BillStorePort
	config ConfigSourcePort
	logger *slog.Logger

	// updateTolerance suppresses writes when the recomputed penalty moved
	// by no more than this many centavos.
	updateTolerance int64
	// sweepWorkers bounds per-unit parallelism in full sweeps.
	sweepWorkers int
}

// NewEngine builds the engine. The update tolerance defaults to zero: every
// changed penalty is written.
func NewEngine(store BillStorePort, config ConfigSourcePort, logger *slog.Logger) *Engine {
	return &Engine{
		store:        store,
		config:       config,
		logger:       logger,
		sweepWorkers: 4,
	}
}

// WithUpdateTolerance suppresses writes for penalty moves of at most
// centavos. Like the currency tolerance, it is a policy parameter; negative
// values are treated as zero.
func (e *Engine) WithUpdateTolerance(centavos int64) *Engine {
	if centavos < 0 {
		centavos = 0
	}
	e.updateTolerance = centavos
	return e
}

// Recalculate recomputes penalties for the tenant's bills as of asOf.
// unitIDs == nil sweeps the whole tenant; a non-nil slice restricts the
// working set to those units (surgical mode) and counts everything else as
// out of scope.
func (e *Engine) Recalculate(ctx context.Context, tenantID string, asOf time.Time, unitIDs []string) (*Result, error) {
	started := time.Now()

	cfg, err := e.config.Get(ctx, tenantID)
	if err != nil {
		return nil, &PolicyConfigError{TenantID: tenantID, Reason: err.Error()}
	}
	if err := validatePolicy(cfg); err != nil {
		return nil, err
	}

	bills, err := e.store.ListForTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("penalty: list bills: %w", err)
	}

	scope := scopeSet(unitIDs)
	result := &Result{}
	var inScope []Bill
	for _, bill := range bills {
		result.BillsProcessed++
		if scope != nil && !scope[bill.UnitID] {
			result.BillsSkippedOutOfScope++
			continue
		}
		if bill.Status == StatusPaid {
			// A fully paid bill cannot accrue further penalty.
			result.BillsSkippedPaid++
			continue
		}
		inScope = append(inScope, bill)
	}

	updated, err := e.applyAll(ctx, tenantID, cfg, asOf, inScope, scope == nil)
	if err != nil {
		return nil, err
	}
	result.BillsUpdated = updated
	result.ProcessingTimeMs = time.Since(started).Milliseconds()

	e.logger.Info("penalty recalculation finished",
		slog.String("tenant", tenantID),
		slog.Bool("surgical", scope != nil),
		slog.Int("processed", result.BillsProcessed),
		slog.Int("updated", result.BillsUpdated),
		slog.Int("skipped_paid", result.BillsSkippedPaid),
		slog.Int("skipped_out_of_scope", result.BillsSkippedOutOfScope),
		slog.Int64("ms", result.ProcessingTimeMs))
	return result, nil
}

// applyAll recomputes and persists penalties. Full sweeps fan out per unit;
// units are independent so the only shared state is the counter.
func (e *Engine) applyAll(ctx context.Context, tenantID string, cfg *tenant.Config, asOf time.Time, bills []Bill, parallel bool) (int, error) {
	if !parallel || len(bills) < 2 {
		updated := 0
		for _, bill := range bills {
			changed, err := e.applyOne(ctx, tenantID, cfg, asOf, bill)
			if err != nil {
				return updated, err
			}
			if changed {
				updated++
			}
		}
		return updated, nil
	}

	byUnit := make(map[string][]Bill)
	for _, bill := range bills {
		byUnit[bill.UnitID] = append(byUnit[bill.UnitID], bill)
	}
	units := make([]string, 0, len(byUnit))
	for unit := range byUnit {
		units = append(units, unit)
	}
	sort.Strings(units)

	var mu sync.Mutex
	updated := 0
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.sweepWorkers)
	for _, unit := range units {
		unitBills := byUnit[unit]
		g.Go(func() error {
			for _, bill := range unitBills {
				changed, err := e.applyOne(ctx, tenantID, cfg, asOf, bill)
				if err != nil {
					return err
				}
				if changed {
					mu.Lock()
					updated++
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return updated, err
	}
	return updated, nil
}

func (e *Engine) applyOne(ctx context.Context, tenantID string, cfg *tenant.Config, asOf time.Time, bill Bill) (bool, error) {
	newPenalty := Compute(cfg.Penalty, bill, asOf)
	diff := newPenalty - bill.PenaltyAmount
	if diff < 0 {
		diff = -diff
	}
	if diff <= e.updateTolerance {
		return false, nil
	}
	total := bill.BaseCharge + newPenalty
	if err := e.store.UpdatePenalty(ctx, tenantID, bill.UnitID, bill.PeriodKey, newPenalty, total); err != nil {
		return false, fmt.Errorf("penalty: update bill %s/%s: %w", bill.UnitID, bill.PeriodKey, err)
	}
	return true, nil
}

// Compute returns the penalty in centavos for a bill as of a date.
// Accrual starts one day after the due date plus grace days and grows per
// started 30-day block; compounding policies apply the rate to base plus
// accrued penalty. The result never drops below what was already paid in
// penalty, so penaltyPaid <= penaltyAmount always holds.
func Compute(policy tenant.PenaltyPolicy, bill Bill, asOf time.Time) int64 {
	accrualStart := bill.DueAt.AddDate(0, 0, policy.GraceDays)
	overdueDays := int(asOf.Sub(accrualStart).Hours() / 24)

	var penalty int64
	if overdueDays > 0 && bill.BaseCharge > 0 {
		blocks := (overdueDays-1)/accrualBlockDays + 1
		base := decimal.NewFromInt(bill.BaseCharge)
		var accrued decimal.Decimal
		if policy.Compounding {
			factor := decimal.NewFromInt(1).Add(policy.Rate).Pow(decimal.NewFromInt(int64(blocks)))
			accrued = base.Mul(factor.Sub(decimal.NewFromInt(1)))
		} else {
			accrued = base.Mul(policy.Rate).Mul(decimal.NewFromInt(int64(blocks)))
		}
		penalty = accrued.Round(0).IntPart()
	}

	if penalty < bill.PenaltyPaid {
		penalty = bill.PenaltyPaid
	}
	return penalty
}

func validatePolicy(cfg *tenant.Config) error {
	switch {
	case cfg == nil:
		return &PolicyConfigError{Reason: "missing tenant config"}
	case cfg.Penalty.Rate.IsNegative():
		return &PolicyConfigError{TenantID: cfg.ID, Reason: "negative penalty rate"}
	case cfg.Penalty.Rate.GreaterThan(decimal.NewFromInt(1)):
		return &PolicyConfigError{TenantID: cfg.ID, Reason: "penalty rate above 100% per block"}
	case cfg.Penalty.GraceDays < 0:
		return &PolicyConfigError{TenantID: cfg.ID, Reason: "negative grace days"}
	case cfg.DueDay < 1 || cfg.DueDay > 31:
		return &PolicyConfigError{TenantID: cfg.ID, Reason: "due day out of range"}
	}
	return nil
}

func scopeSet(unitIDs []string) map[string]bool {
	if unitIDs == nil {
		return nil
	}
	set := make(map[string]bool, len(unitIDs))
	for _, id := range unitIDs {
		set[id] = true
	}
	return set
}

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lindero/lindero/internal/allocation"
	"github.com/lindero/lindero/internal/ledger"
	"github.com/lindero/lindero/internal/platform/db"
	"github.com/lindero/lindero/internal/shared"
)

// ReversalResult reports what a transaction deletion undid.
type ReversalResult struct {
	TransactionID string `json:"transactionId"`
	Found         bool   `json:"found"`
	BillsRestored int    `json:"billsRestored"`
	CreditBalance int64  `json:"creditBalance"`
}

// DeleteTransaction undoes one payment end to end: the ledger entries are
// removed and replayed first, then every touched bill is restored, then the
// transaction record is deleted. Each step commits before the next and the
// completed step is recorded, so an interrupted reversal resumes where it
// stopped instead of repeating work.
//
// A missing transaction is success, not an error: the caller's goal state
// (transaction gone) already holds, and retries of a finished reversal land
// here.
func (s *Service) DeleteTransaction(ctx context.Context, transactionID string) (*ReversalResult, error) {
	started := time.Now()

	tx, err := s.repo.GetTransaction(ctx, s.querier(), transactionID)
	if errors.Is(err, ErrTransactionNotFound) {
		s.logger.Info("transaction already gone", slog.String("transaction", transactionID))
		return &ReversalResult{TransactionID: transactionID, Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("billing: load transaction: %w", err)
	}

	release, err := s.lock(ctx, tx.TenantID, tx.UnitID)
	if err != nil {
		return nil, err
	}
	defer release()

	step, err := s.repo.GetReversalProgress(ctx, s.querier(), transactionID)
	if err != nil {
		return nil, err
	}
	if step == "" {
		step = StepLocated
		if err := s.repo.SetReversalProgress(ctx, s.querier(), transactionID, step, time.Now().UTC()); err != nil {
			return nil, err
		}
	}

	result := &ReversalResult{TransactionID: transactionID, Found: true}

	if step == StepLocated {
		if err := s.reverseCredit(ctx, tx, result); err != nil {
			return nil, err
		}
		step = StepCreditReversed
	}

	if step == StepCreditReversed {
		restored, err := s.restoreBills(ctx, tx)
		result.BillsRestored = restored
		if err != nil {
			return nil, err
		}
		if err := s.repo.SetReversalProgress(ctx, s.querier(), transactionID, StepBillsReversed, time.Now().UTC()); err != nil {
			return nil, err
		}
		step = StepBillsReversed
	}

	if step == StepBillsReversed {
		err = s.withTx(ctx, func(q db.Querier) error {
			if err := s.repo.DeleteTransaction(ctx, q, transactionID); err != nil {
				return err
			}
			return s.repo.SetReversalProgress(ctx, q, transactionID, StepDone, time.Now().UTC())
		})
		if err != nil {
			return nil, fmt.Errorf("billing: delete transaction record: %w", err)
		}
	}

	s.recalcUnit(ctx, tx.TenantID, tx.UnitID, time.Now().UTC())
	s.recordAudit(ctx, shared.AuditLog{
		TenantID: tx.TenantID,
		Action:   shared.AuditActionTransactionReversed,
		Entity:   "transaction",
		EntityID: transactionID,
		Meta: map[string]any{
			"unitId":        tx.UnitID,
			"amount":        tx.Amount,
			"billsRestored": result.BillsRestored,
		},
	})
	if s.metrics != nil {
		s.metrics.ObserveReversal(time.Since(started).Seconds())
	}

	s.logger.Info("transaction reversed",
		slog.String("tenant", tx.TenantID),
		slog.String("unit", tx.UnitID),
		slog.String("transaction", transactionID),
		slog.Int("bills_restored", result.BillsRestored),
		slog.Int64("credit_balance", result.CreditBalance))
	return result, nil
}

// reverseCredit removes the transaction's ledger entries and replays the
// remainder. A transaction that never touched the ledger has nothing to
// undo and the step still completes.
func (s *Service) reverseCredit(ctx context.Context, tx *Transaction, result *ReversalResult) error {
	return s.withTx(ctx, func(q db.Querier) error {
		balance, err := s.ledger.Reverse(ctx, q, tx.TenantID, tx.UnitID, tx.ID)
		switch {
		case errors.Is(err, ledger.ErrEntryNotFound), errors.Is(err, ledger.ErrAccountNotFound):
			result.CreditBalance = balance
		case err != nil:
			return fmt.Errorf("billing: reverse credit: %w", err)
		default:
			result.CreditBalance = balance
		}
		return s.repo.SetReversalProgress(ctx, q, tx.ID, StepCreditReversed, time.Now().UTC())
	})
}

// restoreBills undoes the transaction's effect on each touched bill. Every
// restoration commits on its own; the first failure stops the walk and
// surfaces a PartialReversalError naming how far it got, because at that
// point the credit side is already reversed and an operator has to
// reconcile. A retry resumes bill restoration, so amounts already restored
// to zero can only be clamped, not double-credited.
func (s *Service) restoreBills(ctx context.Context, tx *Transaction) (int, error) {
	allocations := tx.Allocations
	if len(allocations) == 0 && len(tx.LegacySplits) > 0 {
		allocations, _ = allocation.FromLegacy(tx.LegacySplits, s.logger)
	}

	restored := 0
	for _, alloc := range allocations {
		if !alloc.Metadata.CleanupRequired {
			continue
		}
		periodKey := allocationPeriod(alloc)
		err := s.withTx(ctx, func(q db.Querier) error {
			return s.restoreBill(ctx, q, tx, alloc)
		})
		if err != nil {
			partial := &PartialReversalError{
				TransactionID: tx.ID,
				RestoredBills: restored,
				FailedPeriod:  periodKey,
				Err:           err,
			}
			s.logger.Error("partial reversal needs reconciliation",
				slog.String("tenant", tx.TenantID),
				slog.String("unit", tx.UnitID),
				slog.String("transaction", tx.ID),
				slog.String("failed_period", string(periodKey)),
				slog.Int("restored", restored),
				slog.Any("error", err))
			return restored, partial
		}
		restored++
	}
	return restored, nil
}

// restoreBill subtracts one allocation's contribution from the bill's paid
// amounts, clamped at zero, and recomputes the status. Legacy lines carry
// only a flat amount; it is attributed base first, mirroring how the old
// distribution applied it.
func (s *Service) restoreBill(ctx context.Context, q db.Querier, tx *Transaction, alloc allocation.Allocation) error {
	unitID := dataString(alloc.Data, "unitId")
	if unitID == "" {
		unitID = tx.UnitID
	}
	periodKey := allocationPeriod(alloc)

	bill, err := s.repo.GetBill(ctx, q, tx.TenantID, unitID, periodKey)
	if err != nil {
		return fmt.Errorf("load bill %s/%s: %w", unitID, periodKey, err)
	}

	baseApplied, okBase := dataInt64(alloc.Data, "baseApplied")
	penaltyApplied, okPenalty := dataInt64(alloc.Data, "penaltyApplied")
	if !okBase && !okPenalty {
		baseApplied = min64(alloc.Amount, bill.BasePaid)
		penaltyApplied = min64(alloc.Amount-baseApplied, bill.PenaltyPaid)
	}

	bill.BasePaid = clampZero(bill.BasePaid - baseApplied)
	bill.PenaltyPaid = clampZero(bill.PenaltyPaid - penaltyApplied)
	bill.RecomputeStatus()

	return s.repo.ApplyBillUpdate(ctx, q, tx.TenantID, BillUpdate{
		UnitID:         unitID,
		PeriodKey:      periodKey,
		BaseApplied:    -baseApplied,
		PenaltyApplied: -penaltyApplied,
		BasePaid:       bill.BasePaid,
		PenaltyPaid:    bill.PenaltyPaid,
		Status:         bill.Status,
		RemainingDue:   bill.RemainingDue(),
	})
}

func allocationPeriod(alloc allocation.Allocation) shared.PeriodKey {
	if key := dataString(alloc.Data, "periodKey"); key != "" {
		return shared.PeriodKey(key)
	}
	return shared.PeriodKey(alloc.TargetID)
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func dataString(data map[string]any, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

// dataInt64 reads an integer out of allocation data, which holds int64 when
// built in process and float64 or json.Number after a JSON round trip.
func dataInt64(data map[string]any, key string) (int64, bool) {
	switch v := data[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

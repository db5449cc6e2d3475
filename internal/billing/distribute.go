package billing

import (
	"sort"

	"github.com/lindero/lindero/internal/allocation"
	"github.com/lindero/lindero/internal/shared"
)

// BillUpdate is one bill's state change produced by a distribution run.
// BaseApplied and PenaltyApplied are the deltas; the remaining fields are
// the resulting bill state to persist.
type BillUpdate struct {
	UnitID         string           `json:"unitId"`
	PeriodKey      shared.PeriodKey `json:"periodKey"`
	BaseApplied    int64            `json:"baseApplied"`
	PenaltyApplied int64            `json:"penaltyApplied"`
	BasePaid       int64            `json:"basePaid"`
	PenaltyPaid    int64            `json:"penaltyPaid"`
	Status         BillStatus       `json:"status"`
	RemainingDue   int64            `json:"remainingDue"`
}

// DistributionResult is the full outcome of spreading one payment.
type DistributionResult struct {
	Items            []allocation.Item
	BillUpdates      []BillUpdate
	CreditDelta      int64
	CreditRepaired   int64
	CreditUsed       int64
	LeftoverToCredit int64
}

// Distribute spreads a payment across the unit's outstanding bills.
//
// Order is fixed: a negative credit balance is repaired first, then bills
// are settled oldest period first, base charge before penalty within each
// bill, and whatever remains becomes stored credit. Stored positive credit
// is spent alongside the cash, cash first, so the allocation lines always
// sum to exactly the payment amount.
//
// The function is pure: it never touches storage and the same inputs always
// produce the same result.
func Distribute(payment, creditBalance int64, bills []Bill) DistributionResult {
	sorted := make([]Bill, len(bills))
	copy(sorted, bills)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PeriodKey < sorted[j].PeriodKey })

	var result DistributionResult

	cash := payment
	if creditBalance < 0 {
		repair := -creditBalance
		if repair > cash {
			repair = cash
		}
		result.CreditRepaired = repair
		cash -= repair
	}

	// Funds available for bills: remaining cash plus any stored credit.
	funds := cash
	storedCredit := creditBalance
	if storedCredit > 0 {
		funds += storedCredit
	}

	cashLeft := cash
	for i := range sorted {
		bill := &sorted[i]
		if funds <= 0 {
			break
		}
		if bill.Status == StatusPaid {
			continue
		}

		baseApplied := min64(bill.OutstandingBase(), funds)
		funds -= baseApplied
		penaltyApplied := min64(bill.OutstandingPenalty(), funds)
		funds -= penaltyApplied

		applied := baseApplied + penaltyApplied
		if applied == 0 {
			continue
		}

		bill.BasePaid += baseApplied
		bill.PenaltyPaid += penaltyApplied
		bill.RecomputeStatus()

		// Cash is attributed to the allocation line before stored credit.
		cashPart := min64(cashLeft, applied)
		cashLeft -= cashPart

		result.Items = append(result.Items, allocation.Item{
			Type:        allocation.TypePeriod,
			TargetID:    string(bill.PeriodKey),
			TargetLabel: string(bill.PeriodKey),
			Amount:      cashPart,
			Data: map[string]any{
				"unitId":         bill.UnitID,
				"periodKey":      string(bill.PeriodKey),
				"baseApplied":    baseApplied,
				"penaltyApplied": penaltyApplied,
			},
			Metadata: allocation.Metadata{
				ProcessingStrategy: allocation.StrategyBillRestore,
				CleanupRequired:    true,
			},
		})
		result.BillUpdates = append(result.BillUpdates, BillUpdate{
			UnitID:         bill.UnitID,
			PeriodKey:      bill.PeriodKey,
			BaseApplied:    baseApplied,
			PenaltyApplied: penaltyApplied,
			BasePaid:       bill.BasePaid,
			PenaltyPaid:    bill.PenaltyPaid,
			Status:         bill.Status,
			RemainingDue:   bill.RemainingDue(),
		})
	}

	if storedCredit > 0 {
		// Whatever funds remain beyond the leftover cash is untouched credit.
		result.CreditUsed = storedCredit - (funds - cashLeft)
	}
	result.LeftoverToCredit = cashLeft
	result.CreditDelta = result.CreditRepaired - result.CreditUsed + result.LeftoverToCredit

	if creditAmount := result.CreditRepaired + result.LeftoverToCredit; creditAmount > 0 {
		result.Items = append(result.Items, allocation.Item{
			Type:        allocation.TypeCredit,
			TargetID:    "credit",
			TargetLabel: "Credit balance",
			Amount:      creditAmount,
			Data: map[string]any{
				"repaired": result.CreditRepaired,
				"leftover": result.LeftoverToCredit,
			},
			Metadata: allocation.Metadata{
				ProcessingStrategy: allocation.StrategyLedgerReverse,
				CleanupRequired:    false,
			},
		})
	}

	return result
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

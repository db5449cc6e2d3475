// Package allocation models how one transaction amount is split across
// billing targets. Allocations are immutable after creation; correcting a
// split means deleting and recreating the owning transaction.
package allocation

import (
	"fmt"
	"log/slog"

	"github.com/lindero/lindero/internal/currency"
)

// Allocation types. The discriminator lets the payment and reversal engines
// handle period splits, category splits and credit top-ups through one shape.
const (
	TypePeriod   = "period"
	TypeCategory = "category"
	TypeCredit   = "credit"
)

// Processing strategies tell the reversal workflow how to undo a line.
const (
	StrategyBillRestore   = "bill_restore"
	StrategyLedgerReverse = "ledger_reverse"
)

// Metadata carries reversal instructions for a single line.
type Metadata struct {
	ProcessingStrategy string `json:"processingStrategy"`
	CleanupRequired    bool   `json:"cleanupRequired"`
}

// Allocation is one line of a payment's breakdown.
type Allocation struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	TargetID    string         `json:"targetId"`
	TargetLabel string         `json:"targetLabel"`
	Amount      int64          `json:"amount"`
	Data        map[string]any `json:"data,omitempty"`
	Metadata    Metadata       `json:"metadata"`
}

// Summary is derived once at build time and cached with the transaction so
// totals are available without re-walking the lines.
type Summary struct {
	TotalAllocated int64  `json:"totalAllocated"`
	Count          int    `json:"count"`
	DominantType   string `json:"dominantType"`
}

// Item is the caller-facing input for one allocation line.
type Item struct {
	Type        string
	TargetID    string
	TargetLabel string
	Amount      any
	Data        map[string]any
	Metadata    Metadata
}

// SumMismatchError reports a declared transaction amount that does not equal
// the sum of its allocation lines. Tolerance is zero: this is a logical
// correctness check, not floating noise.
type SumMismatchError struct {
	Declared  int64
	Allocated int64
}

func (e *SumMismatchError) Error() string {
	return fmt.Sprintf("allocation: declared amount %d does not match allocated sum %d", e.Declared, e.Allocated)
}

// Build converts items into allocations with sequential stable IDs, passing
// every amount through the currency layer, and fails if the declared
// transaction amount differs from the exact integer sum.
func Build(norm *currency.Normalizer, items []Item, declaredAmount int64) ([]Allocation, Summary, error) {
	allocations := make([]Allocation, 0, len(items))
	typeCounts := make(map[string]int)
	var total int64

	for i, item := range items {
		amount, err := norm.Normalize(item.Amount, fmt.Sprintf("allocations[%d].amount", i))
		if err != nil {
			return nil, Summary{}, err
		}
		allocations = append(allocations, Allocation{
			ID:          i + 1,
			Type:        item.Type,
			TargetID:    item.TargetID,
			TargetLabel: item.TargetLabel,
			Amount:      amount,
			Data:        item.Data,
			Metadata:    item.Metadata,
		})
		typeCounts[item.Type]++
		total += amount
	}

	if total != declaredAmount {
		return nil, Summary{}, &SumMismatchError{Declared: declaredAmount, Allocated: total}
	}

	return allocations, Summary{
		TotalAllocated: total,
		Count:          len(allocations),
		DominantType:   dominantType(typeCounts),
	}, nil
}

func dominantType(counts map[string]int) string {
	var dominant string
	best := -1
	for typ, count := range counts {
		if count > best || (count == best && typ < dominant) {
			dominant = typ
			best = count
		}
	}
	return dominant
}

// LegacyPeriodSplit is the old billing-period-only distribution shape kept
// on transactions recorded before the generalized model existed.
type LegacyPeriodSplit struct {
	UnitID    string `json:"unitId"`
	PeriodKey string `json:"periodKey"`
	Amount    int64  `json:"amount"`
}

// FromLegacy converts a legacy split list into the generalized shape.
// The original values are preserved in Data for audit, so the migration is
// reversible record by record.
func FromLegacy(splits []LegacyPeriodSplit, logger *slog.Logger) ([]Allocation, Summary) {
	allocations := make([]Allocation, 0, len(splits))
	var total int64
	for i, split := range splits {
		allocations = append(allocations, Allocation{
			ID:          i + 1,
			Type:        TypePeriod,
			TargetID:    split.PeriodKey,
			TargetLabel: split.PeriodKey,
			Amount:      split.Amount,
			Data: map[string]any{
				"unitId":    split.UnitID,
				"periodKey": split.PeriodKey,
				"legacy":    true,
			},
			Metadata: Metadata{
				ProcessingStrategy: StrategyBillRestore,
				CleanupRequired:    true,
			},
		})
		total += split.Amount
	}
	if logger != nil && len(splits) > 0 {
		logger.Info("migrated legacy period splits",
			slog.Int("lines", len(splits)),
			slog.Int64("total", total))
	}
	return allocations, Summary{
		TotalAllocated: total,
		Count:          len(allocations),
		DominantType:   TypePeriod,
	}
}

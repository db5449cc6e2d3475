package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lindero/lindero/internal/allocation"
	"github.com/lindero/lindero/internal/shared"
)

func testBill(period string, base, penalty int64) Bill {
	return Bill{
		TenantID:      "t-1",
		UnitID:        "u-1",
		PeriodKey:     shared.PeriodKey(period),
		BaseCharge:    base,
		PenaltyAmount: penalty,
		TotalAmount:   base + penalty,
		Status:        StatusUnpaid,
		DueAt:         time.Date(2026, time.June, 10, 0, 0, 0, 0, time.UTC),
	}
}

func allocationSum(items []allocation.Item) int64 {
	var total int64
	for _, item := range items {
		total += item.Amount.(int64)
	}
	return total
}

func TestDistributeOldestFirstBaseBeforePenalty(t *testing.T) {
	bills := []Bill{
		testBill("2026-03", 5000, 0),
		testBill("2026-01", 5000, 1000),
		testBill("2026-02", 5000, 1000),
	}

	result := Distribute(15000, 0, bills)

	require.Len(t, result.BillUpdates, 3)
	require.Equal(t, shared.PeriodKey("2026-01"), result.BillUpdates[0].PeriodKey)
	require.Equal(t, shared.PeriodKey("2026-02"), result.BillUpdates[1].PeriodKey)
	require.Equal(t, shared.PeriodKey("2026-03"), result.BillUpdates[2].PeriodKey)

	// January and February settle in full, base before penalty.
	require.EqualValues(t, 5000, result.BillUpdates[0].BaseApplied)
	require.EqualValues(t, 1000, result.BillUpdates[0].PenaltyApplied)
	require.Equal(t, StatusPaid, result.BillUpdates[0].Status)
	require.Equal(t, StatusPaid, result.BillUpdates[1].Status)

	// March gets the remainder against its base only.
	require.EqualValues(t, 3000, result.BillUpdates[2].BaseApplied)
	require.EqualValues(t, 0, result.BillUpdates[2].PenaltyApplied)
	require.Equal(t, StatusPartial, result.BillUpdates[2].Status)
	require.EqualValues(t, 2000, result.BillUpdates[2].RemainingDue)

	require.EqualValues(t, 0, result.CreditDelta)
	require.EqualValues(t, 15000, allocationSum(result.Items))
}

func TestDistributeRepairsNegativeCreditFirst(t *testing.T) {
	bills := []Bill{testBill("2026-01", 4000, 0)}

	result := Distribute(5000, -5000, bills)

	// The whole payment goes into the hole; no bill is touched.
	require.EqualValues(t, 5000, result.CreditRepaired)
	require.EqualValues(t, 5000, result.CreditDelta)
	require.Empty(t, result.BillUpdates)

	require.Len(t, result.Items, 1)
	require.Equal(t, allocation.TypeCredit, result.Items[0].Type)
	require.EqualValues(t, 5000, result.Items[0].Amount)
	require.False(t, result.Items[0].Metadata.CleanupRequired)
}

func TestDistributeRepairThenBillsThenLeftover(t *testing.T) {
	bills := []Bill{testBill("2026-01", 3000, 0)}

	result := Distribute(10000, -2000, bills)

	require.EqualValues(t, 2000, result.CreditRepaired)
	require.Len(t, result.BillUpdates, 1)
	require.Equal(t, StatusPaid, result.BillUpdates[0].Status)
	require.EqualValues(t, 5000, result.LeftoverToCredit)
	// Delta: +2000 repair +5000 leftover.
	require.EqualValues(t, 7000, result.CreditDelta)
	require.EqualValues(t, 10000, allocationSum(result.Items))
}

func TestDistributeOverpaymentBecomesCredit(t *testing.T) {
	bills := []Bill{
		testBill("2026-01", 10000, 0),
		testBill("2026-02", 10000, 0),
	}

	result := Distribute(25000, 0, bills)

	require.Len(t, result.BillUpdates, 2)
	require.Equal(t, StatusPaid, result.BillUpdates[0].Status)
	require.Equal(t, StatusPaid, result.BillUpdates[1].Status)
	require.EqualValues(t, 5000, result.LeftoverToCredit)
	require.EqualValues(t, 5000, result.CreditDelta)

	require.Len(t, result.Items, 3)
	require.Equal(t, allocation.TypeCredit, result.Items[2].Type)
	require.EqualValues(t, 25000, allocationSum(result.Items))
}

func TestDistributeSpendsStoredCreditCashFirst(t *testing.T) {
	bills := []Bill{testBill("2026-01", 6000, 0)}

	result := Distribute(4000, 3000, bills)

	require.Len(t, result.BillUpdates, 1)
	require.Equal(t, StatusPaid, result.BillUpdates[0].Status)
	require.EqualValues(t, 2000, result.CreditUsed)
	require.EqualValues(t, -2000, result.CreditDelta)

	// The allocation line carries only the cash portion, so the lines still
	// sum to the payment amount; the full application is in Data.
	require.Len(t, result.Items, 1)
	require.EqualValues(t, 4000, result.Items[0].Amount)
	require.EqualValues(t, 6000, result.Items[0].Data["baseApplied"])
	require.EqualValues(t, 4000, allocationSum(result.Items))
}

func TestDistributeBillPaidEntirelyFromCredit(t *testing.T) {
	bills := []Bill{testBill("2026-01", 2000, 0)}

	result := Distribute(0, 5000, bills)

	require.Len(t, result.BillUpdates, 1)
	require.Equal(t, StatusPaid, result.BillUpdates[0].Status)
	require.EqualValues(t, 2000, result.CreditUsed)
	require.EqualValues(t, -2000, result.CreditDelta)

	// A zero-amount line still records the bill application for reversal.
	require.Len(t, result.Items, 1)
	require.EqualValues(t, 0, result.Items[0].Amount)
	require.True(t, result.Items[0].Metadata.CleanupRequired)
	require.EqualValues(t, 0, allocationSum(result.Items))
}

func TestDistributeSkipsPaidBills(t *testing.T) {
	paid := testBill("2026-01", 5000, 0)
	paid.BasePaid = 5000
	paid.Status = StatusPaid
	bills := []Bill{paid, testBill("2026-02", 5000, 0)}

	result := Distribute(5000, 0, bills)

	require.Len(t, result.BillUpdates, 1)
	require.Equal(t, shared.PeriodKey("2026-02"), result.BillUpdates[0].PeriodKey)
}

func TestDistributeIsPureAndDeterministic(t *testing.T) {
	bills := []Bill{
		testBill("2026-02", 5000, 1000),
		testBill("2026-01", 5000, 1000),
	}

	first := Distribute(7500, 1000, bills)
	second := Distribute(7500, 1000, bills)
	require.Equal(t, first, second)

	// Inputs are untouched.
	require.EqualValues(t, 0, bills[0].BasePaid)
	require.EqualValues(t, 0, bills[1].BasePaid)
	require.Equal(t, shared.PeriodKey("2026-02"), bills[0].PeriodKey)
}

func TestDistributeBuildsValidAllocations(t *testing.T) {
	bills := []Bill{
		testBill("2026-01", 5000, 500),
		testBill("2026-02", 5000, 0),
	}

	result := Distribute(12000, 0, bills)

	norm := newTestNormalizer()
	allocations, summary, err := allocation.Build(norm, result.Items, 12000)
	require.NoError(t, err)
	require.EqualValues(t, 12000, summary.TotalAllocated)
	require.Equal(t, allocation.TypePeriod, summary.DominantType)
	require.Len(t, allocations, 3)
}

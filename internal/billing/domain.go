// Package billing owns bills, payment distribution and transaction reversal.
package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/lindero/lindero/internal/allocation"
	"github.com/lindero/lindero/internal/shared"
)

// BillStatus enumerates bill payment states.
type BillStatus string

const (
	StatusUnpaid  BillStatus = "unpaid"
	StatusPartial BillStatus = "partial"
	StatusPaid    BillStatus = "paid"
)

// Bill represents one unit's obligation for one billing period. Bills are
// created at period generation and never deleted; only the distribution
// engine, the penalty engine and the reversal workflow mutate them.
type Bill struct {
	TenantID      string           `json:"tenantId"`
	UnitID        string           `json:"unitId"`
	PeriodKey     shared.PeriodKey `json:"periodKey"`
	BaseCharge    int64            `json:"baseCharge"`
	PenaltyAmount int64            `json:"penaltyAmount"`
	TotalAmount   int64            `json:"totalAmount"`
	BasePaid      int64            `json:"basePaid"`
	PenaltyPaid   int64            `json:"penaltyPaid"`
	Status        BillStatus       `json:"status"`
	DueAt         time.Time        `json:"dueAt"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// OutstandingBase returns the unpaid base remainder.
func (b *Bill) OutstandingBase() int64 { return b.BaseCharge - b.BasePaid }

// OutstandingPenalty returns the unpaid penalty remainder.
func (b *Bill) OutstandingPenalty() int64 { return b.PenaltyAmount - b.PenaltyPaid }

// RemainingDue returns the total unpaid remainder.
func (b *Bill) RemainingDue() int64 { return b.OutstandingBase() + b.OutstandingPenalty() }

// RecomputeStatus derives the status from the paid amounts.
// paid holds iff base and penalty are both settled in full.
func (b *Bill) RecomputeStatus() {
	switch {
	case b.BasePaid == b.BaseCharge && b.PenaltyPaid == b.PenaltyAmount:
		b.Status = StatusPaid
	case b.BasePaid == 0 && b.PenaltyPaid == 0:
		b.Status = StatusUnpaid
	default:
		b.Status = StatusPartial
	}
}

// Transaction records one payment and the allocations that break it down.
// Legacy records carry a period-split list instead of allocations.
type Transaction struct {
	ID           string                         `json:"id"`
	TenantID     string                         `json:"tenantId"`
	UnitID       string                         `json:"unitId"`
	Amount       int64                          `json:"amount"`
	PaidAt       time.Time                      `json:"paidAt"`
	Allocations  []allocation.Allocation        `json:"allocations"`
	Summary      allocation.Summary             `json:"allocationSummary"`
	LegacySplits []allocation.LegacyPeriodSplit `json:"legacySplits,omitempty"`
	CreatedAt    time.Time                      `json:"createdAt"`
}

// PeriodInfo is one billing period and its lifecycle status.
type PeriodInfo struct {
	PeriodKey shared.PeriodKey `json:"periodKey"`
	Status    string           `json:"status"`
}

// Reversal workflow steps, committed in order. Credit reversal is the cheap
// low-risk step and goes first; bill restoration follows.
const (
	StepLocated        = "located"
	StepCreditReversed = "credit_reversed"
	StepBillsReversed  = "bills_reversed"
	StepDone           = "done"
)

// ErrTransactionNotFound indicates nothing to reverse. Deletion treats it
// as success so retries stay idempotent.
var ErrTransactionNotFound = errors.New("billing: transaction not found")

// PartialReversalError is a reconciliation-grade alert: the credit ledger
// was already reversed but one or more bill restorations failed. It must be
// surfaced to an operator, never swallowed.
type PartialReversalError struct {
	TransactionID string
	RestoredBills int
	FailedPeriod  shared.PeriodKey
	Err           error
}

func (e *PartialReversalError) Error() string {
	return fmt.Sprintf("billing: partial reversal of %s: credit reversed, %d bill(s) restored, failed at period %s: %v",
		e.TransactionID, e.RestoredBills, e.FailedPeriod, e.Err)
}

func (e *PartialReversalError) Unwrap() error { return e.Err }

// Package penalty recomputes accrued penalties on outstanding bills, either
// for a whole tenant (batch sweep) or a scoped set of units (surgical,
// post-payment). Re-running it is idempotent: the penalty is a deterministic
// function of current bill state, policy and date.
package penalty

import (
	"fmt"
	"time"

	"github.com/lindero/lindero/internal/shared"
)

// Bill is the engine's view of one unit's obligation for one period.
type Bill struct {
	UnitID        string
	PeriodKey     shared.PeriodKey
	BaseCharge    int64
	PenaltyAmount int64
	PenaltyPaid   int64
	Status        string
	DueAt         time.Time
}

// Bill statuses mirrored from the billing module.
const (
	StatusUnpaid  = "unpaid"
	StatusPartial = "partial"
	StatusPaid    = "paid"
)

// Result reports what a recalculation pass did. It is returned to the
// caller for observability and never persisted.
type Result struct {
	ProcessingTimeMs       int64 `json:"processingTimeMs"`
	BillsProcessed         int   `json:"billsProcessed"`
	BillsUpdated           int   `json:"billsUpdated"`
	BillsSkippedPaid       int   `json:"billsSkippedPaid"`
	BillsSkippedOutOfScope int   `json:"billsSkippedOutOfScope"`
}

// PolicyConfigError indicates a missing or invalid penalty policy. It is
// fatal for the whole recalculation call; no partial policy is ever applied.
type PolicyConfigError struct {
	TenantID string
	Reason   string
}

func (e *PolicyConfigError) Error() string {
	return fmt.Sprintf("penalty: tenant %s policy invalid: %s", e.TenantID, e.Reason)
}

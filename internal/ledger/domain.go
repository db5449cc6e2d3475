// Package ledger maintains each account's credit balance together with a
// replayable history of every balance-changing event. The balance is always
// consistent with the history: reversal removes entries and replays the
// remainder instead of appending compensating noise.
package ledger

import (
	"errors"
	"time"
)

// Entry is one balance-changing event. Amount is signed: positive adds
// credit, negative consumes it. BalanceAfter is recomputed on every replay.
type Entry struct {
	ID            string    `json:"id"`
	At            time.Time `json:"timestamp"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balanceAfter"`
	TransactionID string    `json:"transactionId,omitempty"`
	Note          string    `json:"note,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// Entry sources.
const (
	SourcePayment = "payment"
	SourceImport  = "import"
	SourceManual  = "manual"
)

// Account is the stored per-account ledger document: running balance,
// last change for O(1) display, and the full history.
type Account struct {
	TenantID   string  `json:"tenantId"`
	UnitID     string  `json:"unitId"`
	Balance    int64   `json:"creditBalance"`
	LastChange *Entry  `json:"lastChange,omitempty"`
	History    []Entry `json:"history"`
}

var (
	// ErrAccountNotFound indicates the unit has no ledger document.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrEntryNotFound indicates no history entry matches the transaction.
	// Idempotent callers treat it as success: there is nothing to undo.
	ErrEntryNotFound = errors.New("ledger: entry not found")
)

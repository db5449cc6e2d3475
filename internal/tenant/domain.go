// Package tenant exposes per-tenant billing configuration consumed by the
// distribution and penalty engines.
package tenant

import (
	"time"

	"github.com/shopspring/decimal"
)

// PenaltyPolicy configures how penalties accrue on overdue bills.
type PenaltyPolicy struct {
	// Rate is the per-month penalty rate, e.g. 0.02 for 2%.
	Rate decimal.Decimal
	// Compounding applies the rate to base plus accrued penalty instead of
	// base alone.
	Compounding bool
	// GraceDays delays accrual after the due date.
	GraceDays int
}

// Config is the tenant-level billing configuration.
type Config struct {
	ID                   string
	Name                 string
	FiscalYearStartMonth time.Month
	DueDay               int
	Penalty              PenaltyPolicy
	// CurrencyTolerance feeds the currency normalizer; zero means the
	// engine default.
	CurrencyTolerance float64
}

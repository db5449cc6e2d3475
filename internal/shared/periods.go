package shared

import (
	"errors"
	"fmt"
	"time"
)

// Billing period statuses. A LOCKED period is permanently closed at year-end
// and its bills become immutable.
const (
	PeriodStatusOpen   = "OPEN"
	PeriodStatusClosed = "CLOSED"
	PeriodStatusLocked = "LOCKED"
)

// ErrInvalidPeriodTransition indicates status change not allowed.
var ErrInvalidPeriodTransition = errors.New("period transition invalid")

// ValidatePeriodTransition checks transitions according to policy.
// Reopening a LOCKED period requires an explicit override.
func ValidatePeriodTransition(current, target string, hasOverride bool) error {
	if current == target {
		return nil
	}
	switch current {
	case PeriodStatusOpen:
		if target == PeriodStatusClosed || target == PeriodStatusLocked {
			return nil
		}
	case PeriodStatusClosed:
		if target == PeriodStatusOpen || target == PeriodStatusLocked {
			return nil
		}
	case PeriodStatusLocked:
		if target == PeriodStatusClosed && hasOverride {
			return nil
		}
	}
	return ErrInvalidPeriodTransition
}

// PeriodKey identifies one billing cycle as "YYYY-MM". The format sorts
// lexicographically in chronological order, which the payment distribution
// engine relies on for oldest-first ordering.
type PeriodKey string

// NewPeriodKey builds a key from year and month.
func NewPeriodKey(year int, month time.Month) PeriodKey {
	return PeriodKey(fmt.Sprintf("%04d-%02d", year, int(month)))
}

// PeriodKeyFor returns the period containing t.
func PeriodKeyFor(t time.Time) PeriodKey {
	return NewPeriodKey(t.Year(), t.Month())
}

// Parse returns the year and month encoded in the key.
func (p PeriodKey) Parse() (int, time.Month, error) {
	var year, month int
	if _, err := fmt.Sscanf(string(p), "%4d-%2d", &year, &month); err != nil {
		return 0, 0, fmt.Errorf("shared: invalid period key %q: %w", p, err)
	}
	if month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("shared: invalid period key %q: month out of range", p)
	}
	return year, time.Month(month), nil
}

// Valid reports whether the key parses.
func (p PeriodKey) Valid() bool {
	_, _, err := p.Parse()
	return err == nil
}

// Start returns midnight UTC on the first day of the period.
func (p PeriodKey) Start() (time.Time, error) {
	year, month, err := p.Parse()
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), nil
}

// DueDate returns the configured due day within the period, clamped to the
// period's last day for short months.
func (p PeriodKey) DueDate(dueDay int) (time.Time, error) {
	start, err := p.Start()
	if err != nil {
		return time.Time{}, err
	}
	if dueDay < 1 {
		dueDay = 1
	}
	lastDay := start.AddDate(0, 1, -1).Day()
	if dueDay > lastDay {
		dueDay = lastDay
	}
	return start.AddDate(0, 0, dueDay-1), nil
}

// Next returns the following period.
func (p PeriodKey) Next() (PeriodKey, error) {
	start, err := p.Start()
	if err != nil {
		return "", err
	}
	next := start.AddDate(0, 1, 0)
	return PeriodKeyFor(next), nil
}

// FiscalYearStart returns the first period of the fiscal year containing p,
// for a tenant whose fiscal year begins in startMonth.
func (p PeriodKey) FiscalYearStart(startMonth time.Month) (PeriodKey, error) {
	year, month, err := p.Parse()
	if err != nil {
		return "", err
	}
	if month < startMonth {
		year--
	}
	return NewPeriodKey(year, startMonth), nil
}

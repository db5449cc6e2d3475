package penalty

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lindero/lindero/internal/shared"
)

// Repository provides PostgreSQL backed bill access for the engine. Bills in
// LOCKED periods are invisible to it: year-end closed history never accrues.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListForTenant returns every bill of the tenant outside locked periods.
func (r *Repository) ListForTenant(ctx context.Context, tenantID string) ([]Bill, error) {
	query := `
		SELECT b.unit_id, b.period_key, b.base_charge, b.penalty_amount, b.penalty_paid, b.status, b.due_at
		FROM bills b
		LEFT JOIN billing_periods p ON p.tenant_id = b.tenant_id AND p.period_key = b.period_key
		WHERE b.tenant_id = $1 AND COALESCE(p.status, 'OPEN') <> 'LOCKED'
		ORDER BY b.unit_id, b.period_key`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []Bill
	for rows.Next() {
		var bill Bill
		if err := rows.Scan(
			&bill.UnitID, &bill.PeriodKey, &bill.BaseCharge,
			&bill.PenaltyAmount, &bill.PenaltyPaid, &bill.Status, &bill.DueAt,
		); err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	return bills, rows.Err()
}

// UpdatePenalty rewrites a bill's penalty and total amounts.
func (r *Repository) UpdatePenalty(ctx context.Context, tenantID, unitID string, periodKey shared.PeriodKey, penaltyAmount, totalAmount int64) error {
	query := `
		UPDATE bills
		SET penalty_amount = $4, total_amount = $5, updated_at = NOW()
		WHERE tenant_id = $1 AND unit_id = $2 AND period_key = $3`

	tag, err := r.pool.Exec(ctx, query, tenantID, unitID, string(periodKey), penaltyAmount, totalAmount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lindero/lindero/internal/platform/db"
	"github.com/lindero/lindero/internal/shared"
)

// Repository provides PostgreSQL backed persistence for bills, transactions,
// billing periods and reversal progress. Every method takes a db.Querier so
// the service can run groups of writes inside one transaction.
type Repository struct{}

// NewRepository constructs a repository.
func NewRepository() *Repository {
	return &Repository{}
}

const billColumns = `tenant_id, unit_id, period_key, base_charge, penalty_amount,
	total_amount, base_paid, penalty_paid, status, due_at, created_at, updated_at`

func scanBill(row pgx.Row) (Bill, error) {
	var b Bill
	err := row.Scan(&b.TenantID, &b.UnitID, &b.PeriodKey, &b.BaseCharge, &b.PenaltyAmount,
		&b.TotalAmount, &b.BasePaid, &b.PenaltyPaid, &b.Status, &b.DueAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// ListOutstanding fetches the unit's unsettled bills in period order,
// excluding bills whose period is locked.
func (r *Repository) ListOutstanding(ctx context.Context, q db.Querier, tenantID, unitID string) ([]Bill, error) {
	query := `
		SELECT ` + billColumns + `
		FROM bills b
		WHERE b.tenant_id = $1 AND b.unit_id = $2 AND b.status <> 'paid'
		AND NOT EXISTS (
			SELECT 1 FROM billing_periods p
			WHERE p.tenant_id = b.tenant_id AND p.period_key = b.period_key AND p.status = 'LOCKED'
		)
		ORDER BY b.period_key`

	rows, err := q.Query(ctx, query, tenantID, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	return bills, rows.Err()
}

// GetBill loads one bill.
func (r *Repository) GetBill(ctx context.Context, q db.Querier, tenantID, unitID string, period shared.PeriodKey) (*Bill, error) {
	query := `
		SELECT ` + billColumns + `
		FROM bills b
		WHERE b.tenant_id = $1 AND b.unit_id = $2 AND b.period_key = $3`

	bill, err := scanBill(q.QueryRow(ctx, query, tenantID, unitID, period))
	if err == pgx.ErrNoRows {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bill, nil
}

// ListBills fetches a page of the tenant's bills, newest period first,
// optionally filtered by unit and status.
func (r *Repository) ListBills(ctx context.Context, q db.Querier, tenantID, unitID string, status BillStatus, page, perPage int) ([]Bill, shared.Pagination, error) {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}

	where := ` WHERE tenant_id = $1
		AND ($2 = '' OR unit_id = $2)
		AND ($3 = '' OR status = $3)`

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM bills`+where, tenantID, unitID, status).Scan(&total); err != nil {
		return nil, shared.Pagination{}, err
	}

	query := `
		SELECT ` + billColumns + `
		FROM bills b` + where + `
		ORDER BY period_key DESC, unit_id
		LIMIT $4 OFFSET $5`

	rows, err := q.Query(ctx, query, tenantID, unitID, status, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	defer rows.Close()

	var bills []Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, shared.Pagination{}, err
		}
		bills = append(bills, bill)
	}
	return bills, shared.NewPagination(page, perPage, total), rows.Err()
}

// ApplyBillUpdate persists new paid amounts and status for one bill.
func (r *Repository) ApplyBillUpdate(ctx context.Context, q db.Querier, tenantID string, update BillUpdate) error {
	query := `
		UPDATE bills
		SET base_paid = $4, penalty_paid = $5, status = $6, updated_at = NOW()
		WHERE tenant_id = $1 AND unit_id = $2 AND period_key = $3`

	tag, err := q.Exec(ctx, query, tenantID, update.UnitID, update.PeriodKey,
		update.BasePaid, update.PenaltyPaid, update.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// InsertBills creates bills for a generated period. Existing bills are left
// untouched so regeneration is safe; the returned count is new rows only.
func (r *Repository) InsertBills(ctx context.Context, q db.Querier, bills []Bill) (int, error) {
	query := `
		INSERT INTO bills (tenant_id, unit_id, period_key, base_charge, penalty_amount,
			total_amount, base_paid, penalty_paid, status, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $4, 0, 0, $5, $6, NOW(), NOW())
		ON CONFLICT (tenant_id, unit_id, period_key) DO NOTHING`

	created := 0
	for _, bill := range bills {
		tag, err := q.Exec(ctx, query, bill.TenantID, bill.UnitID, bill.PeriodKey,
			bill.BaseCharge, StatusUnpaid, bill.DueAt)
		if err != nil {
			return created, err
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

// InsertTransaction stores a payment record with its allocation lines.
func (r *Repository) InsertTransaction(ctx context.Context, q db.Querier, tx *Transaction) error {
	allocJSON, err := json.Marshal(tx.Allocations)
	if err != nil {
		return err
	}
	summaryJSON, err := json.Marshal(tx.Summary)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (id, tenant_id, unit_id, amount, paid_at, allocations, allocation_summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`

	_, err = q.Exec(ctx, query, tx.ID, tx.TenantID, tx.UnitID, tx.Amount, tx.PaidAt, allocJSON, summaryJSON)
	return err
}

// GetTransaction loads one payment record. Legacy rows predating the
// generalized allocation model carry period splits instead of allocations.
func (r *Repository) GetTransaction(ctx context.Context, q db.Querier, id string) (*Transaction, error) {
	query := `
		SELECT id, tenant_id, unit_id, amount, paid_at, allocations, allocation_summary, legacy_splits, created_at
		FROM transactions
		WHERE id = $1`

	var tx Transaction
	var allocJSON, summaryJSON, legacyJSON []byte
	err := q.QueryRow(ctx, query, id).Scan(&tx.ID, &tx.TenantID, &tx.UnitID, &tx.Amount,
		&tx.PaidAt, &allocJSON, &summaryJSON, &legacyJSON, &tx.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(allocJSON) > 0 {
		if err := json.Unmarshal(allocJSON, &tx.Allocations); err != nil {
			return nil, err
		}
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &tx.Summary); err != nil {
			return nil, err
		}
	}
	if len(legacyJSON) > 0 {
		if err := json.Unmarshal(legacyJSON, &tx.LegacySplits); err != nil {
			return nil, err
		}
	}
	return &tx, nil
}

// ListTransactions fetches the unit's payment records, newest first.
func (r *Repository) ListTransactions(ctx context.Context, q db.Querier, tenantID, unitID string) ([]Transaction, error) {
	query := `
		SELECT id, tenant_id, unit_id, amount, paid_at, allocations, allocation_summary, legacy_splits, created_at
		FROM transactions
		WHERE tenant_id = $1 AND unit_id = $2
		ORDER BY paid_at DESC, id`

	rows, err := q.Query(ctx, query, tenantID, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var allocJSON, summaryJSON, legacyJSON []byte
		if err := rows.Scan(&tx.ID, &tx.TenantID, &tx.UnitID, &tx.Amount,
			&tx.PaidAt, &allocJSON, &summaryJSON, &legacyJSON, &tx.CreatedAt); err != nil {
			return nil, err
		}
		if len(allocJSON) > 0 {
			if err := json.Unmarshal(allocJSON, &tx.Allocations); err != nil {
				return nil, err
			}
		}
		if len(summaryJSON) > 0 {
			if err := json.Unmarshal(summaryJSON, &tx.Summary); err != nil {
				return nil, err
			}
		}
		if len(legacyJSON) > 0 {
			if err := json.Unmarshal(legacyJSON, &tx.LegacySplits); err != nil {
				return nil, err
			}
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// DeleteTransaction removes the payment record.
func (r *Repository) DeleteTransaction(ctx context.Context, q db.Querier, id string) error {
	_, err := q.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	return err
}

// GetPeriodStatus returns the period's status, or OPEN if no row exists.
func (r *Repository) GetPeriodStatus(ctx context.Context, q db.Querier, tenantID string, period shared.PeriodKey) (string, error) {
	var status string
	err := q.QueryRow(ctx,
		`SELECT status FROM billing_periods WHERE tenant_id = $1 AND period_key = $2`,
		tenantID, period).Scan(&status)
	if err == pgx.ErrNoRows {
		return shared.PeriodStatusOpen, nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// UpsertPeriodStatus creates or updates the period row.
func (r *Repository) UpsertPeriodStatus(ctx context.Context, q db.Querier, tenantID string, period shared.PeriodKey, status string) error {
	query := `
		INSERT INTO billing_periods (tenant_id, period_key, status, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, period_key) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()`

	_, err := q.Exec(ctx, query, tenantID, period, status)
	return err
}

// ListPeriods returns the tenant's period rows, newest first.
func (r *Repository) ListPeriods(ctx context.Context, q db.Querier, tenantID string) ([]PeriodInfo, error) {
	rows, err := q.Query(ctx,
		`SELECT period_key, status FROM billing_periods WHERE tenant_id = $1 ORDER BY period_key DESC`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeriodInfo
	for rows.Next() {
		var info PeriodInfo
		if err := rows.Scan(&info.PeriodKey, &info.Status); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// GetReversalProgress returns the recorded step for a reversal in flight,
// or the empty string when none has been recorded.
func (r *Repository) GetReversalProgress(ctx context.Context, q db.Querier, transactionID string) (string, error) {
	var step string
	err := q.QueryRow(ctx,
		`SELECT step FROM reversal_progress WHERE transaction_id = $1`,
		transactionID).Scan(&step)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return step, nil
}

// SetReversalProgress records the last completed reversal step. Each step is
// committed before the next begins so an interrupted reversal resumes
// instead of repeating work.
func (r *Repository) SetReversalProgress(ctx context.Context, q db.Querier, transactionID, step string, at time.Time) error {
	query := `
		INSERT INTO reversal_progress (transaction_id, step, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id) DO UPDATE
		SET step = EXCLUDED.step, updated_at = EXCLUDED.updated_at`

	_, err := q.Exec(ctx, query, transactionID, step, at)
	return err
}

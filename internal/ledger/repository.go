package ledger

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/lindero/lindero/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for ledger documents.
// One row per account keeps per-account updates atomic without a tenant-wide
// lock, while a single indexed scan still fetches every balance of a tenant.
type Repository struct{}

// NewRepository constructs a repository.
func NewRepository() *Repository {
	return &Repository{}
}

// Get loads one account document.
func (r *Repository) Get(ctx context.Context, q db.Querier, tenantID, unitID string) (*Account, error) {
	query := `
		SELECT tenant_id, unit_id, balance, last_change, history
		FROM credit_ledgers
		WHERE tenant_id = $1 AND unit_id = $2`

	account, err := scanAccount(q.QueryRow(ctx, query, tenantID, unitID))
	if err == pgx.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return account, err
}

// Save upserts the account document.
func (r *Repository) Save(ctx context.Context, q db.Querier, account *Account) error {
	historyJSON, err := json.Marshal(account.History)
	if err != nil {
		return err
	}
	var lastChangeJSON []byte
	if account.LastChange != nil {
		lastChangeJSON, err = json.Marshal(account.LastChange)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO credit_ledgers (tenant_id, unit_id, balance, last_change, history, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, unit_id) DO UPDATE
		SET balance = EXCLUDED.balance,
			last_change = EXCLUDED.last_change,
			history = EXCLUDED.history,
			updated_at = NOW()`

	_, err = q.Exec(ctx, query, account.TenantID, account.UnitID, account.Balance, lastChangeJSON, historyJSON)
	return err
}

// ListForTenant fetches every account document of the tenant.
func (r *Repository) ListForTenant(ctx context.Context, q db.Querier, tenantID string) ([]Account, error) {
	query := `
		SELECT tenant_id, unit_id, balance, last_change, history
		FROM credit_ledgers
		WHERE tenant_id = $1
		ORDER BY unit_id`

	rows, err := q.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func scanAccount(row pgx.Row) (*Account, error) {
	var account Account
	var lastChangeJSON, historyJSON []byte
	if err := row.Scan(&account.TenantID, &account.UnitID, &account.Balance, &lastChangeJSON, &historyJSON); err != nil {
		return nil, err
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &account.History); err != nil {
			return nil, err
		}
	}
	if len(lastChangeJSON) > 0 {
		var entry Entry
		if err := json.Unmarshal(lastChangeJSON, &entry); err != nil {
			return nil, err
		}
		account.LastChange = &entry
	}
	return &account, nil
}

package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound indicates the tenant does not exist.
var ErrNotFound = errors.New("tenant: not found")

// Repository provides PostgreSQL backed tenant configuration.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads a tenant's billing configuration.
func (r *Repository) Get(ctx context.Context, tenantID string) (*Config, error) {
	query := `
		SELECT id, name, fiscal_year_start_month, due_day,
			penalty_rate, penalty_compounding, grace_days, currency_tolerance
		FROM tenants
		WHERE id = $1`

	var cfg Config
	var startMonth int
	var rate string

	err := r.pool.QueryRow(ctx, query, tenantID).Scan(
		&cfg.ID, &cfg.Name, &startMonth, &cfg.DueDay,
		&rate, &cfg.Penalty.Compounding, &cfg.Penalty.GraceDays,
		&cfg.CurrencyTolerance,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.FiscalYearStartMonth = time.Month(startMonth)
	cfg.Penalty.Rate, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListIDs returns every tenant identifier, for whole-fleet sweeps.
func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

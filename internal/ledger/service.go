package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lindero/lindero/internal/currency"
	"github.com/lindero/lindero/internal/platform/db"
)

// RepositoryPort defines data access for ledger documents. Methods take an
// explicit querier so Apply and Reverse can run inside the payment
// transaction.
type RepositoryPort interface {
	Get(ctx context.Context, q db.Querier, tenantID, unitID string) (*Account, error)
	Save(ctx context.Context, q db.Querier, account *Account) error
	ListForTenant(ctx context.Context, q db.Querier, tenantID string) ([]Account, error)
}

// ApplyInput describes one balance change.
type ApplyInput struct {
	TenantID      string
	UnitID        string
	Amount        any
	Note          string
	TransactionID string
	Source        string
	At            time.Time
}

// Service handles credit ledger business logic.
//
// Apply and Reverse are the only mutators of the balance; callers must hold
// the per-account lock (the billing service does) because both
// read-then-write the running balance.
type Service struct {
	repo   RepositoryPort
	norm   *currency.Normalizer
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, norm *currency.Normalizer, logger *slog.Logger) *Service {
	return &Service{repo: repo, norm: norm, logger: logger}
}

// GetBalance returns the account's current credit balance.
func (s *Service) GetBalance(ctx context.Context, q db.Querier, tenantID, unitID string) (int64, error) {
	account, err := s.repo.Get(ctx, q, tenantID, unitID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// GetAccount returns the full ledger document.
func (s *Service) GetAccount(ctx context.Context, q db.Querier, tenantID, unitID string) (*Account, error) {
	return s.repo.Get(ctx, q, tenantID, unitID)
}

// ListBalances returns every account document of the tenant in one read.
func (s *Service) ListBalances(ctx context.Context, q db.Querier, tenantID string) ([]Account, error) {
	return s.repo.ListForTenant(ctx, q, tenantID)
}

// Apply validates the amount, appends an entry with the new running balance
// and persists the document. A unit without a ledger document gets one with
// a zero starting balance.
func (s *Service) Apply(ctx context.Context, q db.Querier, input ApplyInput) (int64, *Entry, error) {
	amount, err := s.norm.Normalize(input.Amount, "creditAmount")
	if err != nil {
		return 0, nil, err
	}

	account, err := s.repo.Get(ctx, q, input.TenantID, input.UnitID)
	if errors.Is(err, ErrAccountNotFound) {
		account = &Account{TenantID: input.TenantID, UnitID: input.UnitID}
	} else if err != nil {
		return 0, nil, err
	}

	balance, err := s.norm.Normalize(account.Balance, "creditBalance")
	if err != nil {
		return 0, nil, err
	}

	at := input.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	entry := Entry{
		ID:            uuid.NewString(),
		At:            at,
		Amount:        amount,
		BalanceAfter:  balance + amount,
		TransactionID: input.TransactionID,
		Note:          input.Note,
		Source:        input.Source,
	}

	account.Balance = entry.BalanceAfter
	account.History = append(account.History, entry)
	account.LastChange = &entry

	if err := s.repo.Save(ctx, q, account); err != nil {
		return 0, nil, fmt.Errorf("ledger: save account: %w", err)
	}
	return account.Balance, &entry, nil
}

// Reverse removes the entry(ies) tagged with transactionID from the
// account's history, replays the remaining entries in chronological order
// recomputing every subsequent balanceAfter, and persists the result.
// No inverse entry is appended; the history stays clean.
func (s *Service) Reverse(ctx context.Context, q db.Querier, tenantID, unitID, transactionID string) (int64, error) {
	account, err := s.repo.Get(ctx, q, tenantID, unitID)
	if err != nil {
		return 0, err
	}

	remaining := make([]Entry, 0, len(account.History))
	removed := 0
	for _, entry := range account.History {
		if transactionID != "" && entry.TransactionID == transactionID {
			removed++
			continue
		}
		remaining = append(remaining, entry)
	}
	if removed == 0 {
		return account.Balance, ErrEntryNotFound
	}

	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].At.Before(remaining[j].At)
	})

	var balance int64
	for i := range remaining {
		balance += remaining[i].Amount
		remaining[i].BalanceAfter = balance
	}

	account.History = remaining
	account.Balance = balance
	account.LastChange = nil
	if len(remaining) > 0 {
		last := remaining[len(remaining)-1]
		account.LastChange = &last
	}

	if err := s.repo.Save(ctx, q, account); err != nil {
		return 0, fmt.Errorf("ledger: save account: %w", err)
	}

	s.logger.Info("reversed ledger entries",
		slog.String("tenant", tenantID),
		slog.String("unit", unitID),
		slog.String("transaction", transactionID),
		slog.Int("removed", removed),
		slog.Int64("balance", balance))
	return balance, nil
}

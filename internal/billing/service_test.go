package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lindero/lindero/internal/currency"
	"github.com/lindero/lindero/internal/ledger"
	"github.com/lindero/lindero/internal/penalty"
	"github.com/lindero/lindero/internal/platform/db"
	"github.com/lindero/lindero/internal/shared"
	"github.com/lindero/lindero/internal/tenant"
)

func newTestNormalizer() *currency.Normalizer {
	return currency.New(currency.DefaultTolerance, slog.Default())
}

type memoryBillingRepo struct {
	bills        map[string]*Bill
	transactions map[string]*Transaction
	periods      map[string]string
	progress     map[string]string

	failUpdates map[shared.PeriodKey]error
}

func newMemoryBillingRepo() *memoryBillingRepo {
	return &memoryBillingRepo{
		bills:        make(map[string]*Bill),
		transactions: make(map[string]*Transaction),
		periods:      make(map[string]string),
		progress:     make(map[string]string),
		failUpdates:  make(map[shared.PeriodKey]error),
	}
}

func billKey(tenantID, unitID string, period shared.PeriodKey) string {
	return fmt.Sprintf("%s/%s/%s", tenantID, unitID, period)
}

func (r *memoryBillingRepo) seedBill(bill Bill) {
	bill.TotalAmount = bill.BaseCharge + bill.PenaltyAmount
	copied := bill
	r.bills[billKey(bill.TenantID, bill.UnitID, bill.PeriodKey)] = &copied
}

func (r *memoryBillingRepo) ListOutstanding(ctx context.Context, q db.Querier, tenantID, unitID string) ([]Bill, error) {
	var out []Bill
	for _, bill := range r.bills {
		if bill.TenantID != tenantID || bill.UnitID != unitID || bill.Status == StatusPaid {
			continue
		}
		if r.periods[tenantID+"/"+string(bill.PeriodKey)] == shared.PeriodStatusLocked {
			continue
		}
		out = append(out, *bill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodKey < out[j].PeriodKey })
	return out, nil
}

func (r *memoryBillingRepo) GetBill(ctx context.Context, q db.Querier, tenantID, unitID string, period shared.PeriodKey) (*Bill, error) {
	bill, ok := r.bills[billKey(tenantID, unitID, period)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *bill
	return &copied, nil
}

func (r *memoryBillingRepo) ListBills(ctx context.Context, q db.Querier, tenantID, unitID string, status BillStatus, page, perPage int) ([]Bill, shared.Pagination, error) {
	var out []Bill
	for _, bill := range r.bills {
		if bill.TenantID != tenantID {
			continue
		}
		if unitID != "" && bill.UnitID != unitID {
			continue
		}
		if status != "" && bill.Status != status {
			continue
		}
		out = append(out, *bill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodKey > out[j].PeriodKey })
	return out, shared.NewPagination(page, perPage, len(out)), nil
}

func (r *memoryBillingRepo) ApplyBillUpdate(ctx context.Context, q db.Querier, tenantID string, update BillUpdate) error {
	if err := r.failUpdates[update.PeriodKey]; err != nil {
		return err
	}
	bill, ok := r.bills[billKey(tenantID, update.UnitID, update.PeriodKey)]
	if !ok {
		return shared.ErrNotFound
	}
	bill.BasePaid = update.BasePaid
	bill.PenaltyPaid = update.PenaltyPaid
	bill.Status = update.Status
	return nil
}

func (r *memoryBillingRepo) InsertBills(ctx context.Context, q db.Querier, bills []Bill) (int, error) {
	created := 0
	for _, bill := range bills {
		key := billKey(bill.TenantID, bill.UnitID, bill.PeriodKey)
		if _, exists := r.bills[key]; exists {
			continue
		}
		bill.TotalAmount = bill.BaseCharge
		bill.Status = StatusUnpaid
		copied := bill
		r.bills[key] = &copied
		created++
	}
	return created, nil
}

func (r *memoryBillingRepo) InsertTransaction(ctx context.Context, q db.Querier, tx *Transaction) error {
	copied := *tx
	r.transactions[tx.ID] = &copied
	return nil
}

func (r *memoryBillingRepo) GetTransaction(ctx context.Context, q db.Querier, id string) (*Transaction, error) {
	tx, ok := r.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	copied := *tx
	return &copied, nil
}

func (r *memoryBillingRepo) ListTransactions(ctx context.Context, q db.Querier, tenantID, unitID string) ([]Transaction, error) {
	var out []Transaction
	for _, tx := range r.transactions {
		if tx.TenantID == tenantID && tx.UnitID == unitID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (r *memoryBillingRepo) DeleteTransaction(ctx context.Context, q db.Querier, id string) error {
	delete(r.transactions, id)
	return nil
}

func (r *memoryBillingRepo) GetPeriodStatus(ctx context.Context, q db.Querier, tenantID string, period shared.PeriodKey) (string, error) {
	if status, ok := r.periods[tenantID+"/"+string(period)]; ok {
		return status, nil
	}
	return shared.PeriodStatusOpen, nil
}

func (r *memoryBillingRepo) UpsertPeriodStatus(ctx context.Context, q db.Querier, tenantID string, period shared.PeriodKey, status string) error {
	r.periods[tenantID+"/"+string(period)] = status
	return nil
}

func (r *memoryBillingRepo) ListPeriods(ctx context.Context, q db.Querier, tenantID string) ([]PeriodInfo, error) {
	var out []PeriodInfo
	for key, status := range r.periods {
		tenantPrefix := tenantID + "/"
		if !strings.HasPrefix(key, tenantPrefix) {
			continue
		}
		out = append(out, PeriodInfo{PeriodKey: shared.PeriodKey(strings.TrimPrefix(key, tenantPrefix)), Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodKey > out[j].PeriodKey })
	return out, nil
}

func (r *memoryBillingRepo) GetReversalProgress(ctx context.Context, q db.Querier, transactionID string) (string, error) {
	return r.progress[transactionID], nil
}

func (r *memoryBillingRepo) SetReversalProgress(ctx context.Context, q db.Querier, transactionID, step string, at time.Time) error {
	r.progress[transactionID] = step
	return nil
}

type memoryLedgerStore struct {
	accounts map[string]*ledger.Account
}

func newMemoryLedgerStore() *memoryLedgerStore {
	return &memoryLedgerStore{accounts: make(map[string]*ledger.Account)}
}

func (r *memoryLedgerStore) Get(ctx context.Context, q db.Querier, tenantID, unitID string) (*ledger.Account, error) {
	account, ok := r.accounts[tenantID+"/"+unitID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	copied := *account
	copied.History = append([]ledger.Entry(nil), account.History...)
	return &copied, nil
}

func (r *memoryLedgerStore) Save(ctx context.Context, q db.Querier, account *ledger.Account) error {
	copied := *account
	copied.History = append([]ledger.Entry(nil), account.History...)
	r.accounts[account.TenantID+"/"+account.UnitID] = &copied
	return nil
}

func (r *memoryLedgerStore) ListForTenant(ctx context.Context, q db.Querier, tenantID string) ([]ledger.Account, error) {
	var out []ledger.Account
	for _, account := range r.accounts {
		if account.TenantID == tenantID {
			out = append(out, *account)
		}
	}
	return out, nil
}

type staticConfig struct{ cfg *tenant.Config }

func (c *staticConfig) Get(ctx context.Context, tenantID string) (*tenant.Config, error) {
	return c.cfg, nil
}

type recalcRecorder struct {
	calls [][]string
	err   error
}

func (r *recalcRecorder) Recalculate(ctx context.Context, tenantID string, asOf time.Time, unitIDs []string) (*penalty.Result, error) {
	r.calls = append(r.calls, unitIDs)
	return &penalty.Result{}, r.err
}

type memoryIdempotency struct{ keys map[string]bool }

func (s *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}

type billingFixture struct {
	service *Service
	repo    *memoryBillingRepo
	ledger  *memoryLedgerStore
	recalc  *recalcRecorder
}

func newBillingFixture() *billingFixture {
	repo := newMemoryBillingRepo()
	ledgerStore := newMemoryLedgerStore()
	logger := slog.Default()
	ledgerSvc := ledger.NewService(ledgerStore, newTestNormalizer(), logger)
	recalc := &recalcRecorder{}
	config := &staticConfig{cfg: &tenant.Config{
		ID:     "t-1",
		DueDay: 10,
	}}
	svc := NewService(nil, repo, ledgerSvc, config, recalc, nil, logger)
	return &billingFixture{service: svc, repo: repo, ledger: ledgerStore, recalc: recalc}
}

func (f *billingFixture) creditBalance(t *testing.T, unitID string) int64 {
	t.Helper()
	account, ok := f.ledger.accounts["t-1/"+unitID]
	if !ok {
		return 0
	}
	return account.Balance
}

func TestRecordPaymentSettlesOldestFirst(t *testing.T) {
	f := newBillingFixture()
	f.repo.seedBill(testBill("2026-02", 5000, 0))
	f.repo.seedBill(testBill("2026-01", 5000, 0))

	result, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(7500),
	})
	require.NoError(t, err)

	require.Len(t, result.BillUpdates, 2)
	require.Equal(t, shared.PeriodKey("2026-01"), result.BillUpdates[0].PeriodKey)
	require.Equal(t, StatusPaid, result.BillUpdates[0].Status)
	require.Equal(t, StatusPartial, result.BillUpdates[1].Status)
	require.EqualValues(t, 2500, result.BillUpdates[1].RemainingDue)
	require.EqualValues(t, 0, result.CreditDelta)

	january := f.repo.bills[billKey("t-1", "u-1", "2026-01")]
	require.EqualValues(t, 5000, january.BasePaid)
	require.Equal(t, StatusPaid, january.Status)

	require.EqualValues(t, 7500, result.Transaction.Summary.TotalAllocated)
	require.Contains(t, f.repo.transactions, result.Transaction.ID)

	// Post-payment recalculation is surgical for the paying unit.
	require.Equal(t, [][]string{{"u-1"}}, f.recalc.calls)
}

func TestRecordPaymentOverpaymentCreatesCredit(t *testing.T) {
	f := newBillingFixture()
	f.repo.seedBill(testBill("2026-01", 10000, 0))
	f.repo.seedBill(testBill("2026-02", 10000, 0))

	result, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(25000),
	})
	require.NoError(t, err)

	require.EqualValues(t, 5000, result.CreditDelta)
	require.EqualValues(t, 5000, result.CreditBalance)
	require.EqualValues(t, 5000, f.creditBalance(t, "u-1"))

	// Ledger entry is tagged with the transaction for later reversal.
	account := f.ledger.accounts["t-1/u-1"]
	require.Len(t, account.History, 1)
	require.Equal(t, result.Transaction.ID, account.History[0].TransactionID)
	require.Equal(t, ledger.SourcePayment, account.History[0].Source)
}

func TestRecordPaymentSpendsStoredCredit(t *testing.T) {
	f := newBillingFixture()
	f.repo.seedBill(testBill("2026-01", 6000, 0))
	f.ledger.accounts["t-1/u-1"] = &ledger.Account{TenantID: "t-1", UnitID: "u-1", Balance: 3000}

	result, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(4000),
	})
	require.NoError(t, err)

	require.EqualValues(t, -2000, result.CreditDelta)
	require.EqualValues(t, 1000, result.CreditBalance)
	require.Equal(t, StatusPaid, result.BillUpdates[0].Status)
	require.EqualValues(t, 4000, result.Transaction.Amount)
}

func TestRecordPaymentRepairsNegativeCredit(t *testing.T) {
	f := newBillingFixture()
	f.repo.seedBill(testBill("2026-01", 4000, 0))
	f.ledger.accounts["t-1/u-1"] = &ledger.Account{TenantID: "t-1", UnitID: "u-1", Balance: -3000}

	result, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(3000),
	})
	require.NoError(t, err)

	// All cash repairs the hole; the bill stays untouched.
	require.EqualValues(t, 3000, result.CreditDelta)
	require.EqualValues(t, 0, result.CreditBalance)
	require.Empty(t, result.BillUpdates)
	require.Equal(t, StatusUnpaid, f.repo.bills[billKey("t-1", "u-1", "2026-01")].Status)
}

func TestRecordPaymentRejectsFractionalAmount(t *testing.T) {
	f := newBillingFixture()

	_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: 100.5,
	})
	var precisionErr *currency.PrecisionError
	require.ErrorAs(t, err, &precisionErr)
	require.Empty(t, f.repo.transactions)
}

func TestRecordPaymentRejectsNonPositiveAmount(t *testing.T) {
	f := newBillingFixture()

	_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(0),
	})
	require.ErrorIs(t, err, ErrNonPositiveAmount)
}

func TestRecordPaymentIdempotencyKey(t *testing.T) {
	f := newBillingFixture()
	f.service.WithIdempotency(&memoryIdempotency{keys: make(map[string]bool)})
	f.repo.seedBill(testBill("2026-01", 5000, 0))

	_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(5000), IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	_, err = f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(5000), IdempotencyKey: "key-1",
	})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, f.repo.transactions, 1)
}

func TestRecordPaymentReleasesKeyOnFailure(t *testing.T) {
	f := newBillingFixture()
	store := &memoryIdempotency{keys: make(map[string]bool)}
	f.service.WithIdempotency(store)
	f.repo.seedBill(testBill("2026-01", 5000, 0))
	f.repo.failUpdates["2026-01"] = errors.New("storage down")

	_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(5000), IdempotencyKey: "key-1",
	})
	require.Error(t, err)
	require.False(t, store.keys["key-1"], "failed payment must release its key")
}

func TestDeleteTransactionRoundTrip(t *testing.T) {
	f := newBillingFixture()
	f.repo.seedBill(testBill("2026-01", 10000, 0))
	f.repo.seedBill(testBill("2026-02", 10000, 500))

	payment, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(25000),
	})
	require.NoError(t, err)
	require.EqualValues(t, 4500, f.creditBalance(t, "u-1"))

	result, err := f.service.DeleteTransaction(context.Background(), payment.Transaction.ID)
	require.NoError(t, err)
	require.True(t, result.Found)
	require.Equal(t, 2, result.BillsRestored)
	require.EqualValues(t, 0, result.CreditBalance)

	// Bills are back to their pre-payment state.
	for _, period := range []shared.PeriodKey{"2026-01", "2026-02"} {
		bill := f.repo.bills[billKey("t-1", "u-1", period)]
		require.EqualValues(t, 0, bill.BasePaid, "period %s", period)
		require.EqualValues(t, 0, bill.PenaltyPaid, "period %s", period)
		require.Equal(t, StatusUnpaid, bill.Status, "period %s", period)
	}
	require.NotContains(t, f.repo.transactions, payment.Transaction.ID)
	require.Equal(t, StepDone, f.repo.progress[payment.Transaction.ID])
	require.Empty(t, f.ledger.accounts["t-1/u-1"].History)
}

func TestDeleteTransactionIdempotent(t *testing.T) {
	f := newBillingFixture()
	f.repo.seedBill(testBill("2026-01", 5000, 0))

	payment, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(5000),
	})
	require.NoError(t, err)

	first, err := f.service.DeleteTransaction(context.Background(), payment.Transaction.ID)
	require.NoError(t, err)
	require.True(t, first.Found)

	second, err := f.service.DeleteTransaction(context.Background(), payment.Transaction.ID)
	require.NoError(t, err)
	require.False(t, second.Found)
}

func TestDeleteTransactionPartialFailureThenResume(t *testing.T) {
	f := newBillingFixture()
	f.repo.seedBill(testBill("2026-01", 10000, 0))
	f.repo.seedBill(testBill("2026-02", 10000, 0))

	payment, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(25000),
	})
	require.NoError(t, err)

	f.repo.failUpdates["2026-02"] = errors.New("storage down")
	_, err = f.service.DeleteTransaction(context.Background(), payment.Transaction.ID)

	var partial *PartialReversalError
	require.ErrorAs(t, err, &partial)
	require.Equal(t, 1, partial.RestoredBills)
	require.Equal(t, shared.PeriodKey("2026-02"), partial.FailedPeriod)

	// Credit step already done, bill step incomplete; the transaction stays.
	require.Equal(t, StepCreditReversed, f.repo.progress[payment.Transaction.ID])
	require.Contains(t, f.repo.transactions, payment.Transaction.ID)

	// Retry resumes at bill restoration and finishes the job.
	delete(f.repo.failUpdates, "2026-02")
	result, err := f.service.DeleteTransaction(context.Background(), payment.Transaction.ID)
	require.NoError(t, err)
	require.True(t, result.Found)

	for _, period := range []shared.PeriodKey{"2026-01", "2026-02"} {
		bill := f.repo.bills[billKey("t-1", "u-1", period)]
		require.EqualValues(t, 0, bill.BasePaid, "period %s", period)
		require.Equal(t, StatusUnpaid, bill.Status, "period %s", period)
	}
	require.NotContains(t, f.repo.transactions, payment.Transaction.ID)
}

func TestGeneratePeriodCreatesBillsOnce(t *testing.T) {
	f := newBillingFixture()

	result, err := f.service.GeneratePeriod(context.Background(), GeneratePeriodInput{
		TenantID: "t-1",
		Period:   "2026-05",
		Charges: []UnitCharge{
			{UnitID: "u-1", BaseCharge: int64(5000)},
			{UnitID: "u-2", BaseCharge: int64(7000)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.BillsCreated)
	require.Equal(t, time.Date(2026, time.May, 10, 0, 0, 0, 0, time.UTC), result.DueAt)

	// Rerunning only fills gaps.
	again, err := f.service.GeneratePeriod(context.Background(), GeneratePeriodInput{
		TenantID: "t-1",
		Period:   "2026-05",
		Charges: []UnitCharge{
			{UnitID: "u-1", BaseCharge: int64(5000)},
			{UnitID: "u-3", BaseCharge: int64(6000)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, again.BillsCreated)
}

func TestGeneratePeriodRejectsLocked(t *testing.T) {
	f := newBillingFixture()
	f.repo.periods["t-1/2026-05"] = shared.PeriodStatusLocked

	_, err := f.service.GeneratePeriod(context.Background(), GeneratePeriodInput{
		TenantID: "t-1",
		Period:   "2026-05",
		Charges:  []UnitCharge{{UnitID: "u-1", BaseCharge: int64(5000)}},
	})
	require.ErrorIs(t, err, shared.ErrPeriodLocked)
}

func TestSetPeriodStatusLifecycle(t *testing.T) {
	f := newBillingFixture()
	ctx := context.Background()

	require.NoError(t, f.service.SetPeriodStatus(ctx, "t-1", "2026-05", shared.PeriodStatusClosed, false))
	require.NoError(t, f.service.SetPeriodStatus(ctx, "t-1", "2026-05", shared.PeriodStatusLocked, false))

	err := f.service.SetPeriodStatus(ctx, "t-1", "2026-05", shared.PeriodStatusClosed, false)
	require.ErrorIs(t, err, shared.ErrInvalidPeriodTransition)

	// Explicit override reopens a locked period.
	require.NoError(t, f.service.SetPeriodStatus(ctx, "t-1", "2026-05", shared.PeriodStatusClosed, true))
}

func TestListPeriodsNewestFirst(t *testing.T) {
	f := newBillingFixture()
	f.repo.periods["t-1/2026-04"] = shared.PeriodStatusLocked
	f.repo.periods["t-1/2026-05"] = shared.PeriodStatusClosed
	f.repo.periods["t-1/2026-06"] = shared.PeriodStatusOpen
	f.repo.periods["t-2/2026-06"] = shared.PeriodStatusOpen

	periods, err := f.service.ListPeriods(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, []PeriodInfo{
		{PeriodKey: "2026-06", Status: shared.PeriodStatusOpen},
		{PeriodKey: "2026-05", Status: shared.PeriodStatusClosed},
		{PeriodKey: "2026-04", Status: shared.PeriodStatusLocked},
	}, periods)
}

func TestPaymentsIgnoreLockedPeriodBills(t *testing.T) {
	f := newBillingFixture()
	f.repo.seedBill(testBill("2026-01", 5000, 0))
	f.repo.seedBill(testBill("2026-02", 5000, 0))
	f.repo.periods["t-1/2026-01"] = shared.PeriodStatusLocked

	result, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID: "t-1", UnitID: "u-1", Amount: int64(5000),
	})
	require.NoError(t, err)

	require.Len(t, result.BillUpdates, 1)
	require.Equal(t, shared.PeriodKey("2026-02"), result.BillUpdates[0].PeriodKey)
	require.EqualValues(t, 0, f.repo.bills[billKey("t-1", "u-1", "2026-01")].BasePaid)
}

func TestBuildStatement(t *testing.T) {
	f := newBillingFixture()
	f.repo.seedBill(testBill("2026-01", 5000, 500))
	f.repo.seedBill(testBill("2026-02", 5000, 0))
	f.ledger.accounts["t-1/u-1"] = &ledger.Account{TenantID: "t-1", UnitID: "u-1", Balance: 123456}

	statement, err := f.service.BuildStatement(context.Background(), "t-1", "u-1")
	require.NoError(t, err)

	require.Equal(t, 2, statement.OutstandingBills)
	require.EqualValues(t, 10500, statement.TotalDue)
	require.Equal(t, "105.00", statement.TotalDueDisplay)
	require.Equal(t, "1,234.56", statement.CreditDisplay)
	require.Equal(t, shared.PeriodKey("2026-01"), statement.Lines[0].PeriodKey)
}

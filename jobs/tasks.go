// Package jobs runs scheduled billing maintenance through Asynq.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lindero/lindero/internal/observability"
	"github.com/lindero/lindero/internal/penalty"
	"github.com/lindero/lindero/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPenaltySweep triggers the nightly full penalty recalculation.
	TaskPenaltySweep = "penalty:sweep"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// TenantSource lists tenants for fleet-wide sweeps.
type TenantSource interface {
	ListIDs(ctx context.Context) ([]string, error)
}

// Recalculator runs penalty recalculation for one tenant.
type Recalculator interface {
	Recalculate(ctx context.Context, tenantID string, asOf time.Time, unitIDs []string) (*penalty.Result, error)
}

// AuditRecorder writes audit trail entries. Optional.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PenaltySweepPayload carries scheduling metadata. An empty TenantID sweeps
// every tenant.
type PenaltySweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	TenantID     string    `json:"tenant_id,omitempty"`
}

// NewPenaltySweepTask constructs an Asynq task for penalty recalculation.
func NewPenaltySweepTask(at time.Time, tenantID string) (*asynq.Task, error) {
	body, err := json.Marshal(PenaltySweepPayload{ScheduledFor: at, TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPenaltySweep, body, asynq.Queue(QueueDefault)), nil
}

// NewPenaltySweepHandler builds the handler for TaskPenaltySweep. A failing
// tenant does not stop the sweep; its error is logged and the remaining
// tenants still run. Each successful tenant pass is recorded in the audit
// trail with its counters.
func NewPenaltySweepHandler(engine Recalculator, tenants TenantSource, audit AuditRecorder, metrics *observability.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload PenaltySweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}

		asOf := time.Now().UTC()
		ids := []string{payload.TenantID}
		if payload.TenantID == "" {
			var err error
			ids, err = tenants.ListIDs(ctx)
			if err != nil {
				return err
			}
		}

		failed := 0
		for _, tenantID := range ids {
			result, err := engine.Recalculate(ctx, tenantID, asOf, nil)
			if err != nil {
				failed++
				logger.Error("penalty sweep failed for tenant",
					slog.Any("error", err),
					slog.String("tenant", tenantID))
				continue
			}
			if metrics != nil {
				metrics.CountSweepBills("processed", result.BillsProcessed)
				metrics.CountSweepBills("updated", result.BillsUpdated)
				metrics.CountSweepBills("skipped_paid", result.BillsSkippedPaid)
			}
			if audit != nil {
				err := audit.Record(ctx, shared.AuditLog{
					TenantID: tenantID,
					Action:   shared.AuditActionPenaltySweep,
					Entity:   "tenant",
					EntityID: tenantID,
					Meta: map[string]any{
						"billsProcessed":   result.BillsProcessed,
						"billsUpdated":     result.BillsUpdated,
						"billsSkippedPaid": result.BillsSkippedPaid,
						"processingTimeMs": result.ProcessingTimeMs,
					},
				})
				if err != nil {
					logger.Warn("sweep audit record failed",
						slog.Any("error", err),
						slog.String("tenant", tenantID))
				}
			}
		}

		logger.Info("penalty sweep finished",
			slog.Int("tenants", len(ids)),
			slog.Int("failed", failed),
			slog.Time("scheduled_for", payload.ScheduledFor))
		return nil
	}
}

// KeyCleaner prunes processed idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// idempotencyRetention keeps keys long enough for any sane client retry.
const idempotencyRetention = 30 * 24 * time.Hour

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}

// NewIdempotencyCleanupHandler builds the handler for TaskIdempotencyCleanup.
func NewIdempotencyCleanupHandler(store KeyCleaner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if err := store.Cleanup(ctx, idempotencyRetention); err != nil {
			logger.Error("idempotency cleanup failed", slog.Any("error", err))
			return err
		}
		return nil
	}
}

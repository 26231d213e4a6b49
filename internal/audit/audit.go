// Package audit persists decisions and publishes them on the event
// bus. Recording is asynchronous and write failures never affect the
// verdict already returned to the caller.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const writeTimeout = 5 * time.Second

// Recorder writes the audit trail for decided transactions.
type Recorder struct {
	repo domain.Repository
	bus  domain.EventBus
	wg   sync.WaitGroup
}

// New creates a recorder. The bus may be nil for deployments that only
// want the persisted trail.
func New(repo domain.Repository, bus domain.EventBus) *Recorder {
	return &Recorder{repo: repo, bus: bus}
}

// Record persists the transaction and its decision and publishes the
// decision event, off the request path. Blocks publish an additional
// alert event. The caller's context is detached so request cancellation
// does not lose audit records.
func (r *Recorder) Record(ctx context.Context, tx *domain.Transaction, d *domain.Decision) {
	ctx = context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		r.persist(writeCtx, tx, d)
		r.publish(writeCtx, d)
	}()
}

func (r *Recorder) persist(ctx context.Context, tx *domain.Transaction, d *domain.Decision) {
	if err := r.repo.SaveTransaction(ctx, d.TenantID, tx); err != nil {
		slog.Error("audit: failed to save transaction",
			"tenant_id", d.TenantID, "tx_id", tx.ID, "error", err)
	}
	if err := r.repo.SaveDecision(ctx, d.TenantID, d); err != nil {
		slog.Error("audit: failed to save decision",
			"tenant_id", d.TenantID, "decision_id", d.ID, "error", err)
	}
}

func (r *Recorder) publish(ctx context.Context, d *domain.Decision) {
	if r.bus == nil {
		return
	}

	payload, err := json.Marshal(d)
	if err != nil {
		slog.Error("audit: failed to marshal decision",
			"tenant_id", d.TenantID, "decision_id", d.ID, "error", err)
		return
	}

	if err := r.bus.Publish(ctx, d.TenantID, domain.TopicDecision, payload); err != nil {
		slog.Error("audit: failed to publish decision",
			"tenant_id", d.TenantID, "decision_id", d.ID, "error", err)
	}

	if d.Verdict == domain.VerdictBlock {
		if err := r.bus.Publish(ctx, d.TenantID, domain.TopicAlert, payload); err != nil {
			slog.Error("audit: failed to publish alert",
				"tenant_id", d.TenantID, "decision_id", d.ID, "error", err)
		}
	}
}

// Flush waits for all in-flight records to complete.
func (r *Recorder) Flush() {
	r.wg.Wait()
}

// Package engine orchestrates the decision pipeline: enrichment, the
// parallel scoring branches, fusion and the audit trail.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Engine runs the decision pipeline. The decision config is held behind
// an atomic pointer so UpdateConfig swaps it without blocking in-flight
// decisions; each decision reads the pointer once and runs entirely
// under that snapshot.
type Engine struct {
	cfg atomic.Pointer[domain.DecisionConfig]

	enricher *enrich.Enricher
	graph    *graph.Graph
	rules    *rules.Engine
	model    *model.Scorer
	anomaly  *anomaly.Scorer
	recorder *audit.Recorder

	tracer trace.Tracer
}

// New creates the engine. The config must already be validated.
func New(cfg domain.DecisionConfig, enricher *enrich.Enricher, g *graph.Graph, ruleEngine *rules.Engine, scorer *model.Scorer, anomalyScorer *anomaly.Scorer, recorder *audit.Recorder) *Engine {
	e := &Engine{
		enricher: enricher,
		graph:    g,
		rules:    ruleEngine,
		model:    scorer,
		anomaly:  anomalyScorer,
		recorder: recorder,
		tracer:   otel.Tracer("kestrel/engine"),
	}
	e.cfg.Store(&cfg)
	return e
}

// Config returns the active decision config snapshot.
func (e *Engine) Config() *domain.DecisionConfig {
	return e.cfg.Load()
}

// UpdateConfig validates and installs a new decision config. On
// rejection the previous config stays active.
func (e *Engine) UpdateConfig(cfg *domain.DecisionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg.Store(cfg)
	slog.Info("decision config updated", "version", cfg.Version)
	return nil
}

// Decide runs one transaction through the pipeline and returns its
// decision. The whole run is bounded by the decision deadline; branches
// that miss it are dropped and fusion renormalizes over the rest.
func (e *Engine) Decide(ctx context.Context, req *domain.DecideRequest, correlationID string) (*domain.Decision, error) {
	start := time.Now()
	cfg := e.cfg.Load()

	if err := validate(req); err != nil {
		return nil, err
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	tx := req.ToTransaction()
	tx.ID = uuid.New().String()
	tenantID := req.TenantID

	ctx, span := e.tracer.Start(ctx, "engine.Decide", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("tx.id", tx.ID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, cfg.DecisionDeadline)
	defer cancel()

	logState(tenantID, tx.ID, domain.StateEnriching)
	fv, err := e.enricher.Enrich(ctx, tenantID, tx)
	if err != nil {
		logState(tenantID, tx.ID, domain.StateFaulted)
		return nil, fmt.Errorf("enrichment failed: %w", err)
	}

	// The graph sees every transaction, decided or not, so clusters
	// accumulate even across faulted runs.
	if err := e.graph.Observe(ctx, tenantID, tx); err != nil {
		slog.Warn("graph observe failed", "tenant_id", tenantID, "tx_id", tx.ID, "error", err)
	}

	logState(tenantID, tx.ID, domain.StateScoring)
	branches := e.scoreBranches(ctx, cfg, tenantID, tx, fv)

	logState(tenantID, tx.ID, domain.StateFusing)
	decision := policy.New(cfg).Fuse(&policy.Input{
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Tx:            tx,
		Features:      fv,
		Rules:         branches.rules,
		ModelScore:    branches.modelScore,
		Graph:         branches.graphRisk,
		AnomalyScore:  branches.anomalyScore,
		StartTime:     start,
	})

	// Update the anomaly population after scoring so the transaction
	// never dampens its own outlier signal. Skipped once the deadline
	// fired: no shared state moves after cancellation.
	if ctx.Err() == nil {
		e.anomaly.Observe(ctx, tenantID, fv)
	}

	if e.recorder != nil {
		e.recorder.Record(ctx, tx, decision)
	}

	logState(tenantID, tx.ID, domain.StateDecided)
	slog.Info("transaction decided",
		"tenant_id", tenantID,
		"tx_id", tx.ID,
		"decision_id", decision.ID,
		"verdict", decision.Verdict,
		"risk_score", decision.RiskScore,
		"degraded", decision.Degraded,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return decision, nil
}

// branchOutputs carries whatever the scoring branches produced before
// the deadline. Nil members mean the branch faulted or timed out.
type branchOutputs struct {
	rules        *domain.RuleResult
	modelScore   *float64
	graphRisk    *domain.GraphRisk
	anomalyScore *float64
}

// scoreBranches fans out the four scoring branches and waits until all
// of them finish or the decision deadline fires, whichever comes first.
// On deadline expiry, fusion proceeds with whatever completed; a late
// branch writes into a result nobody reads anymore.
func (e *Engine) scoreBranches(ctx context.Context, cfg *domain.DecisionConfig, tenantID string, tx *domain.Transaction, fv *domain.FeatureVector) branchOutputs {
	var mu sync.Mutex
	var out branchOutputs
	var wg sync.WaitGroup

	wg.Add(4)

	go func() {
		defer wg.Done()
		res, err := e.rules.EvaluateAll(ctx, &rules.EvaluateInput{
			TenantID: tenantID,
			Tx:       tx,
			Features: fv,
		})
		if err != nil {
			slog.Warn("rules branch faulted", "tenant_id", tenantID, "tx_id", tx.ID, "error", err)
			return
		}
		mu.Lock()
		out.rules = res
		mu.Unlock()
	}()

	go func() {
		defer wg.Done()
		pred, err := e.model.Score(ctx, tx, fv, cfg.ModelTimeout)
		if err != nil {
			slog.Warn("model branch faulted", "tenant_id", tenantID, "tx_id", tx.ID, "error", err)
			return
		}
		mu.Lock()
		out.modelScore = &pred.Score
		mu.Unlock()
	}()

	go func() {
		defer wg.Done()
		risk, err := e.graph.Assess(ctx, tenantID, domain.EntityRef{Kind: domain.EntityUser, ID: tx.UserID}, graph.Params{
			HopLimit:       cfg.GraphHopLimit,
			NodeCap:        cfg.GraphNodeCap,
			DensityFlag:    cfg.GraphDensityFlag,
			MinUsers:       cfg.GraphMinUsers,
			MaxSharedNodes: cfg.GraphMaxSharedNodes,
		})
		if err != nil {
			slog.Warn("graph branch faulted", "tenant_id", tenantID, "tx_id", tx.ID, "error", err)
			return
		}
		risk.TxID = tx.ID
		mu.Lock()
		out.graphRisk = risk
		mu.Unlock()
	}()

	go func() {
		defer wg.Done()
		if ctx.Err() != nil {
			return
		}
		result := e.anomaly.Score(ctx, tenantID, fv)
		mu.Lock()
		out.anomalyScore = &result.Score
		mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("scoring deadline elapsed, fusing partial branches",
			"tenant_id", tenantID, "tx_id", tx.ID)
	}

	mu.Lock()
	snapshot := out
	mu.Unlock()
	return snapshot
}

func validate(req *domain.DecideRequest) error {
	switch {
	case req.TenantID == "":
		return fmt.Errorf("tenantId is required")
	case req.Type == "":
		return fmt.Errorf("type is required")
	case req.UserID == "":
		return fmt.Errorf("userId is required")
	case req.Amount.Value <= 0:
		return fmt.Errorf("amount.value must be positive")
	case len(req.Amount.Currency) != 3:
		return fmt.Errorf("amount.currency must be a 3-letter code")
	}
	return nil
}

func logState(tenantID, txID string, state domain.RequestState) {
	slog.Debug("pipeline state", "tenant_id", tenantID, "tx_id", txID, "state", state)
}

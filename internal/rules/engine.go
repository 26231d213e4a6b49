// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu              sync.RWMutex
	env             *cel.Env
	compiledRules   map[string]*CompiledRule
	screeningGetter ScreeningGetter
	maxWorkers      int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// ScreeningGetter reports watchlist screening results for a user. The
// engine fetches screening once per evaluation and exposes it to every
// rule as sanctions_hit and pep_hit.
type ScreeningGetter func(ctx context.Context, tenantID, userID string) (sanctions bool, pep bool, err error)

// NewEngine creates a new rule evaluation engine.
func NewEngine(screeningGetter ScreeningGetter, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Create CEL environment with transaction, feature and graph variables
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("user_country", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("graph_flagged", cel.BoolType),
		cel.Variable("graph_cluster_size", cel.IntType),
		cel.Variable("graph_density", cel.DoubleType),
		cel.Variable("sanctions_hit", cel.BoolType),
		cel.Variable("pep_hit", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:             env,
		compiledRules:   make(map[string]*CompiledRule),
		screeningGetter: screeningGetter,
		maxWorkers:      maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluateInput holds the enriched transaction data for rule evaluation.
type EvaluateInput struct {
	TenantID string
	Tx       *domain.Transaction
	Features *domain.FeatureVector
	Graph    *domain.GraphRisk
}

// EvaluateAll evaluates all loaded rules in parallel and aggregates the
// hits into a single branch result. A rule whose expression errors is
// recorded as degraded and contributes nothing; the branch itself only
// fails when no rules are loaded at all.
func (e *Engine) EvaluateAll(ctx context.Context, input *EvaluateInput) (*domain.RuleResult, error) {
	start := time.Now()

	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	result := &domain.RuleResult{
		TxID:     input.Tx.ID,
		TenantID: input.TenantID,
	}

	if len(rules) == 0 {
		result.MaxSeverity = domain.SeverityNone
		result.ProcessMs = time.Since(start).Milliseconds()
		return result, nil
	}

	activation := e.buildActivation(ctx, input)

	// Parallel evaluation using worker pool pattern
	type ruleOutcome struct {
		hit      *domain.RuleHit
		score    float64
		weight   float64
		degraded bool
		ruleID   string
	}

	outcomes := make([]ruleOutcome, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			// Acquire a worker slot, bailing out if the decision
			// deadline fires while queued.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[idx] = ruleOutcome{degraded: true, ruleID: r.Config.ID}
				return
			}
			defer func() { <-sem }() // Release

			out, _, err := r.Program.Eval(activation)
			if err != nil {
				outcomes[idx] = ruleOutcome{degraded: true, ruleID: r.Config.ID}
				return
			}

			score := clampScore(toScore(out))
			weight := r.Config.Weight
			oc := ruleOutcome{score: score, weight: weight, ruleID: r.Config.ID}

			severity, reason := matchBand(score, r.Config.Bands)
			if severity != domain.SeverityNone {
				oc.hit = &domain.RuleHit{
					RuleID:     r.Config.ID,
					Name:       r.Config.Name,
					Severity:   severity,
					Score:      score,
					Weight:     weight,
					Reason:     reason,
					ReasonCode: r.Config.ReasonCode,
				}
			}
			outcomes[idx] = oc
		}(i, rule)
	}

	wg.Wait()

	var weightedSum, totalWeight float64
	result.MaxSeverity = domain.SeverityNone
	for _, oc := range outcomes {
		if oc.degraded {
			result.DegradedRules = append(result.DegradedRules, oc.ruleID)
			continue
		}
		result.RulesEvaluated++
		weightedSum += oc.weight * oc.score
		totalWeight += oc.weight
		if oc.hit != nil {
			result.Hits = append(result.Hits, *oc.hit)
			if oc.hit.Severity.Rank() > result.MaxSeverity.Rank() {
				result.MaxSeverity = oc.hit.Severity
			}
		}
	}
	if totalWeight > 0 {
		result.Score = weightedSum / totalWeight
	}
	result.ProcessMs = time.Since(start).Milliseconds()

	return result, nil
}

// buildActivation assembles the CEL activation map. Screening is
// fetched once per transaction; a failing screening provider defaults
// both flags to false rather than failing the branch.
func (e *Engine) buildActivation(ctx context.Context, input *EvaluateInput) map[string]any {
	tx := input.Tx

	var sanctions, pep bool
	if e.screeningGetter != nil {
		s, p, err := e.screeningGetter(ctx, input.TenantID, tx.UserID)
		if err == nil {
			sanctions, pep = s, p
		}
	}

	features := map[string]float64{}
	if input.Features != nil && input.Features.Features != nil {
		features = input.Features.Features
	}

	graphFlagged := false
	graphClusterSize := int64(0)
	graphDensity := 0.0
	if input.Graph != nil {
		graphFlagged = input.Graph.Flagged
		graphClusterSize = int64(input.Graph.ClusterSize)
		graphDensity = input.Graph.ClusterDensity
	}

	return map[string]any{
		"tx": map[string]any{
			"id":          tx.ID,
			"type":        tx.Type,
			"user_id":     tx.UserID,
			"device_id":   tx.DeviceID,
			"merchant_id": tx.MerchantID,
			"amount":      tx.Amount,
			"currency":    tx.Currency,
			"country":     tx.Country,
			"channel":     tx.Channel,
		},
		"amount":             tx.Amount,
		"currency":           tx.Currency,
		"user_id":            tx.UserID,
		"device_id":          tx.DeviceID,
		"merchant_id":        tx.MerchantID,
		"country":            tx.Country,
		"user_country":       tx.UserCountry,
		"channel":            tx.Channel,
		"tx_type":            tx.Type,
		"features":           features,
		"graph_flagged":      graphFlagged,
		"graph_cluster_size": graphClusterSize,
		"graph_density":      graphDensity,
		"sanctions_hit":      sanctions,
		"pep_hit":            pep,
	}
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// matchBand finds the matching severity band for a score.
// Bands are evaluated in order: lower inclusive, upper exclusive,
// except when upper is nil (meaning infinity).
func matchBand(score float64, bands []domain.SeverityBand) (domain.Severity, string) {
	for _, band := range bands {
		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if score < lower {
			continue
		}
		if band.UpperLimit == nil || score < *band.UpperLimit {
			return band.Severity, band.Reason
		}
	}

	// No band matched: the rule did not hit.
	return domain.SeverityNone, ""
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	// Load new rules
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

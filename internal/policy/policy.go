// Package policy fuses the scoring branch outputs into a final,
// auditable decision. All verdict thresholds and override precedence
// live here and nowhere else.
package policy

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Input carries the branch outputs for one transaction. A nil branch
// means it faulted or was excluded; fusion renormalizes over what is
// present.
type Input struct {
	TenantID      string
	CorrelationID string
	Tx            *domain.Transaction
	Features      *domain.FeatureVector

	Rules *domain.RuleResult

	// ModelScore is nil when the model was unavailable or timed out.
	ModelScore *float64

	Graph *domain.GraphRisk

	// AnomalyScore is nil when the anomaly branch faulted. A score from
	// an insufficient population is a valid zero, not an absence.
	AnomalyScore *float64

	StartTime time.Time
}

// Policy turns branch outputs into verdicts under a decision config.
type Policy struct {
	cfg *domain.DecisionConfig
}

// New creates a policy. The config is assumed validated.
func New(cfg *domain.DecisionConfig) *Policy {
	return &Policy{cfg: cfg}
}

// branch is one scoring branch's presence and raw score, in fusion
// declaration order.
type branch struct {
	name    string
	score   float64
	present bool
}

// Fuse combines the branch scores into a verdict. Overrides run before
// the weighted blend: a critical rule hit or a flagged cluster past the
// size ceiling or block density blocks regardless of the fused score. Absent branches drop out and
// the remaining weights are renormalized; any absence or a degraded
// feature vector lowers the review threshold so marginal transactions
// get a human look instead of a pass.
func (p *Policy) Fuse(in *Input) *domain.Decision {
	cfg := p.cfg

	d := &domain.Decision{
		ID:            uuid.New().String(),
		TenantID:      in.TenantID,
		TxID:          in.Tx.ID,
		CorrelationID: in.CorrelationID,
		Timestamp:     time.Now().UTC(),
		EngineVersion: cfg.Version,
	}

	branches := p.collectBranches(in)

	weights := cfg.Weights.Map()
	var totalWeight float64
	for _, b := range branches {
		if b.present {
			totalWeight += weights[b.name]
		}
	}

	fused := 0.0
	d.BranchScores = make(map[string]float64)
	for _, b := range branches {
		if !b.present || totalWeight == 0 {
			continue
		}
		contribution := (weights[b.name] / totalWeight) * b.score
		fused += contribution
		d.BranchScores[b.name] = contribution
	}
	d.RiskScore = clamp01(fused)

	degraded := p.markDegradation(d, in, branches)
	d.Degraded = degraded

	if in.Rules != nil {
		d.RuleHits = in.Rules.Hits
	}

	d.Signals = topSignals(branches, weights, totalWeight, 3)

	p.applyVerdict(d, in, degraded)
	p.attachActions(d, in)

	if !in.StartTime.IsZero() {
		d.LatencyMs = float64(time.Since(in.StartTime).Microseconds()) / 1000.0
	}

	return d
}

// collectBranches assembles the branches in declaration order. The
// behavioral branch reads the diversity feature off the vector, so it
// is present whenever enrichment produced one.
func (p *Policy) collectBranches(in *Input) []branch {
	branches := make([]branch, 0, 5)

	if in.Rules != nil {
		branches = append(branches, branch{domain.BranchRules, clamp01(in.Rules.Score), true})
	} else {
		branches = append(branches, branch{name: domain.BranchRules})
	}

	if in.ModelScore != nil {
		branches = append(branches, branch{domain.BranchModel, clamp01(*in.ModelScore), true})
	} else {
		branches = append(branches, branch{name: domain.BranchModel})
	}

	if in.Features != nil {
		branches = append(branches, branch{domain.BranchBehavioral, clamp01(in.Features.Get(domain.FeatBehavioralScore, 0)), true})
	} else {
		branches = append(branches, branch{name: domain.BranchBehavioral})
	}

	if in.Graph != nil {
		branches = append(branches, branch{domain.BranchGraph, clamp01(in.Graph.Score), true})
	} else {
		branches = append(branches, branch{name: domain.BranchGraph})
	}

	if in.AnomalyScore != nil {
		branches = append(branches, branch{domain.BranchAnomaly, clamp01(*in.AnomalyScore), true})
	} else {
		branches = append(branches, branch{name: domain.BranchAnomaly})
	}

	return branches
}

// markDegradation records degradation reason codes and reports whether
// the decision ran on less than its full evidence.
func (p *Policy) markDegradation(d *domain.Decision, in *Input, branches []branch) bool {
	degraded := false

	if in.Features == nil || in.Features.Degraded {
		degraded = true
		d.ReasonCodes = append(d.ReasonCodes, domain.ReasonEnrichmentDegraded)
	}
	for _, b := range branches {
		if b.present {
			continue
		}
		degraded = true
		switch b.name {
		case domain.BranchModel:
			d.ReasonCodes = append(d.ReasonCodes, domain.ReasonModelDegraded)
		case domain.BranchGraph:
			d.ReasonCodes = append(d.ReasonCodes, domain.ReasonGraphDegraded)
		case domain.BranchAnomaly:
			d.ReasonCodes = append(d.ReasonCodes, domain.ReasonAnomalyDegraded)
		}
	}
	if in.Rules != nil && len(in.Rules.DegradedRules) > 0 {
		degraded = true
	}

	return degraded
}

// applyVerdict decides block/review/allow. Override precedence: a
// critical rule hit first, then a flagged cluster at or above the
// size ceiling or the block density, then the fused-score thresholds.
// The review band is inclusive at its lower edge: a score exactly at
// the review threshold goes to review.
func (p *Policy) applyVerdict(d *domain.Decision, in *Input, degraded bool) {
	cfg := p.cfg

	if in.Rules != nil && in.Rules.MaxSeverity == domain.SeverityCritical {
		d.Verdict = domain.VerdictBlock
		d.ReasonCodes = append([]string{domain.ReasonCriticalRule}, d.ReasonCodes...)
		d.ReasonCodes = append(d.ReasonCodes, hitReasonCodes(in.Rules.Hits)...)
		d.ReasonCodes = dedupe(d.ReasonCodes)
		return
	}

	if in.Graph != nil && in.Graph.Flagged &&
		(in.Graph.ClusterSize >= cfg.GraphBlockClusterSize || in.Graph.ClusterDensity >= cfg.GraphBlockDensity) {
		d.Verdict = domain.VerdictBlock
		d.ReasonCodes = append([]string{domain.ReasonMuleNetwork}, d.ReasonCodes...)
		d.ReasonCodes = append(d.ReasonCodes, hitReasonCodes(ruleHits(in))...)
		d.ReasonCodes = dedupe(d.ReasonCodes)
		return
	}

	review := cfg.Thresholds.Review
	if degraded {
		review -= cfg.DegradedReviewShift
		if review < 0 {
			review = 0
		}
	}

	switch {
	case d.RiskScore > cfg.Thresholds.Block:
		d.Verdict = domain.VerdictBlock
		d.ReasonCodes = append(d.ReasonCodes, domain.ReasonHighRisk)
	case d.RiskScore >= review:
		d.Verdict = domain.VerdictReview
		d.ReasonCodes = append(d.ReasonCodes, domain.ReasonMediumRisk)
	default:
		d.Verdict = domain.VerdictAllow
		d.ReasonCodes = append(d.ReasonCodes, domain.ReasonLowRisk)
	}

	d.ReasonCodes = append(d.ReasonCodes, hitReasonCodes(ruleHits(in))...)
	d.ReasonCodes = dedupe(d.ReasonCodes)
}

// attachActions maps the verdict to operational next steps.
func (p *Policy) attachActions(d *domain.Decision, in *Input) {
	crossBorder := in.Tx.Country != "" && in.Tx.UserCountry != "" && in.Tx.Country != in.Tx.UserCountry

	switch d.Verdict {
	case domain.VerdictBlock:
		d.NextActions = append(d.NextActions, domain.ActionBlock, domain.ActionStoreInvestigation)
		if in.Rules != nil && in.Rules.MaxSeverity == domain.SeverityCritical {
			d.NextActions = append(d.NextActions, domain.ActionEscalateToCompliance)
		}
		if in.Graph != nil && in.Graph.Flagged {
			d.NextActions = append(d.NextActions, domain.ActionEscalateToCompliance)
		}
	case domain.VerdictReview:
		d.NextActions = append(d.NextActions, domain.ActionManualReview)
		if crossBorder {
			d.NextActions = append(d.NextActions, domain.ActionSCAStepUp)
		}
		if d.Degraded {
			d.NextActions = append(d.NextActions, domain.ActionRequestVerification)
		}
	default:
		d.NextActions = append(d.NextActions, domain.ActionApprove)
		if d.Degraded {
			d.NextActions = append(d.NextActions, domain.ActionMonitor)
		}
	}

	d.NextActions = dedupe(d.NextActions)
}

// topSignals ranks the present branches by their fused contribution.
// Sorting is stable over declaration order, so equal contributions
// resolve toward the earlier branch.
func topSignals(branches []branch, weights map[string]float64, totalWeight float64, k int) []domain.RiskSignal {
	if totalWeight == 0 {
		return nil
	}

	signals := make([]domain.RiskSignal, 0, len(branches))
	for _, b := range branches {
		if !b.present {
			continue
		}
		signals = append(signals, domain.RiskSignal{
			Signal:    b.name,
			Weight:    (weights[b.name] / totalWeight) * b.score,
			Rationale: rationaleFor(b),
		})
	}

	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].Weight > signals[j].Weight
	})
	if len(signals) > k {
		signals = signals[:k]
	}
	return signals
}

func rationaleFor(b branch) string {
	switch b.name {
	case domain.BranchRules:
		return "weighted rule aggregate"
	case domain.BranchModel:
		return "model fraud probability"
	case domain.BranchBehavioral:
		return "behavioral diversity score"
	case domain.BranchGraph:
		return "entity cluster risk"
	case domain.BranchAnomaly:
		return "population anomaly score"
	default:
		return ""
	}
}

func ruleHits(in *Input) []domain.RuleHit {
	if in.Rules == nil {
		return nil
	}
	return in.Rules.Hits
}

// hitReasonCodes collects the reason codes of hits at medium severity
// or above. Low-severity hits stay in the audit trail without steering
// the headline reasons.
func hitReasonCodes(hits []domain.RuleHit) []string {
	var codes []string
	for _, h := range hits {
		if h.Severity.Rank() >= domain.SeverityMedium.Rank() && h.ReasonCode != "" {
			codes = append(codes, h.ReasonCode)
		}
	}
	return codes
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package policy

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func f64(v float64) *float64 { return &v }

func testPolicy() *Policy {
	cfg := domain.DefaultDecisionConfig()
	return New(&cfg)
}

func baseInput() *Input {
	return &Input{
		TenantID: "tenant-001",
		Tx:       &domain.Transaction{ID: "tx-1", Amount: 100, Country: "US", UserCountry: "US"},
		Features: &domain.FeatureVector{Features: map[string]float64{
			domain.FeatBehavioralScore: 0.1,
		}},
		Rules:        &domain.RuleResult{Score: 0.1, MaxSeverity: domain.SeverityNone},
		ModelScore:   f64(0.1),
		Graph:        &domain.GraphRisk{Score: 0.1},
		AnomalyScore: f64(0.1),
		StartTime:    time.Now(),
	}
}

func TestLowScoresAllow(t *testing.T) {
	d := testPolicy().Fuse(baseInput())

	if d.Verdict != domain.VerdictAllow {
		t.Errorf("expected allow, got %s (score %.4f)", d.Verdict, d.RiskScore)
	}
	if d.Degraded {
		t.Error("all branches present, decision must not be degraded")
	}
	hasLow := false
	for _, rc := range d.ReasonCodes {
		if rc == domain.ReasonLowRisk {
			hasLow = true
		}
	}
	if !hasLow {
		t.Errorf("expected LOW_RISK reason, got %v", d.ReasonCodes)
	}
	if len(d.NextActions) == 0 || d.NextActions[0] != domain.ActionApprove {
		t.Errorf("expected APPROVE action, got %v", d.NextActions)
	}
}

func TestHighScoresBlock(t *testing.T) {
	in := baseInput()
	in.Rules.Score = 0.95
	in.ModelScore = f64(0.95)
	in.Features.Features[domain.FeatBehavioralScore] = 0.95
	in.Graph.Score = 0.95
	in.AnomalyScore = f64(0.95)

	d := testPolicy().Fuse(in)

	if d.Verdict != domain.VerdictBlock {
		t.Errorf("expected block, got %s (score %.4f)", d.Verdict, d.RiskScore)
	}
	hasHigh := false
	for _, rc := range d.ReasonCodes {
		if rc == domain.ReasonHighRisk {
			hasHigh = true
		}
	}
	if !hasHigh {
		t.Errorf("expected HIGH_RISK_SCORE reason, got %v", d.ReasonCodes)
	}
}

func TestMidScoresReview(t *testing.T) {
	in := baseInput()
	in.Rules.Score = 0.5
	in.ModelScore = f64(0.5)
	in.Features.Features[domain.FeatBehavioralScore] = 0.5
	in.Graph.Score = 0.5
	in.AnomalyScore = f64(0.5)

	d := testPolicy().Fuse(in)

	if d.Verdict != domain.VerdictReview {
		t.Errorf("expected review, got %s (score %.4f)", d.Verdict, d.RiskScore)
	}
}

func TestReviewBandLowerEdgeInclusive(t *testing.T) {
	// A fused score exactly at the review threshold belongs to the
	// review band, not allow. Fuse once to capture the exact score the
	// blend produces, then pin the threshold to it.
	set := func(in *Input) {
		in.Rules.Score = 0.5
		in.ModelScore = f64(0.5)
		in.Features.Features[domain.FeatBehavioralScore] = 0.5
		in.Graph.Score = 0.5
		in.AnomalyScore = f64(0.5)
	}

	calibration := baseInput()
	set(calibration)
	fused := testPolicy().Fuse(calibration).RiskScore

	cfg := domain.DefaultDecisionConfig()
	cfg.Thresholds.Review = fused

	in := baseInput()
	set(in)
	d := New(&cfg).Fuse(in)

	if d.RiskScore != cfg.Thresholds.Review {
		t.Fatalf("fusion is not deterministic: got %.17f, want %.17f", d.RiskScore, cfg.Thresholds.Review)
	}
	if d.Verdict != domain.VerdictReview {
		t.Errorf("score exactly at the review threshold must review, got %s", d.Verdict)
	}
}

func TestVerdictMonotonicInScore(t *testing.T) {
	// Raising every branch score must never soften the verdict.
	rank := map[domain.Verdict]int{domain.VerdictAllow: 0, domain.VerdictReview: 1, domain.VerdictBlock: 2}

	prev := -1
	for _, s := range []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0} {
		in := baseInput()
		in.Rules.Score = s
		in.ModelScore = f64(s)
		in.Features.Features[domain.FeatBehavioralScore] = s
		in.Graph.Score = s
		in.AnomalyScore = f64(s)

		d := testPolicy().Fuse(in)
		if rank[d.Verdict] < prev {
			t.Fatalf("verdict softened as scores rose: %s at score %.1f", d.Verdict, s)
		}
		prev = rank[d.Verdict]
	}
}

func TestCriticalRuleOverridesLowScore(t *testing.T) {
	in := baseInput()
	in.Rules = &domain.RuleResult{
		Score:       0.05,
		MaxSeverity: domain.SeverityCritical,
		Hits: []domain.RuleHit{
			{RuleID: "builtin-sanctions", Severity: domain.SeverityCritical, Score: 1, ReasonCode: domain.ReasonSanctionsHit},
		},
	}

	d := testPolicy().Fuse(in)

	if d.Verdict != domain.VerdictBlock {
		t.Fatalf("critical rule hit must block regardless of fused score, got %s", d.Verdict)
	}
	if d.ReasonCodes[0] != domain.ReasonCriticalRule {
		t.Errorf("expected CRITICAL_RULE_HIT first, got %v", d.ReasonCodes)
	}
	hasSanctions := false
	for _, rc := range d.ReasonCodes {
		if rc == domain.ReasonSanctionsHit {
			hasSanctions = true
		}
	}
	if !hasSanctions {
		t.Errorf("expected SANCTIONS_HIT carried through, got %v", d.ReasonCodes)
	}
	hasEscalate := false
	for _, a := range d.NextActions {
		if a == domain.ActionEscalateToCompliance {
			hasEscalate = true
		}
	}
	if !hasEscalate {
		t.Errorf("expected compliance escalation, got %v", d.NextActions)
	}
}

func TestFlaggedDenseClusterBlocks(t *testing.T) {
	in := baseInput()
	in.Graph = &domain.GraphRisk{Score: 0.4, Flagged: true, ClusterDensity: 0.85, ClusterSize: 3}

	d := testPolicy().Fuse(in)

	if d.Verdict != domain.VerdictBlock {
		t.Fatalf("flagged cluster above block density must block, got %s", d.Verdict)
	}
	if d.ReasonCodes[0] != domain.ReasonMuleNetwork {
		t.Errorf("expected MULE_NETWORK first, got %v", d.ReasonCodes)
	}
}

func TestFlaggedLargeClusterBlocksRegardlessOfDensity(t *testing.T) {
	// A 50-entity flagged ring is a mule network even when its distinct
	// edges are spread thin.
	in := baseInput()
	in.Graph = &domain.GraphRisk{Score: 0.3, Flagged: true, ClusterDensity: 0.25, ClusterSize: 50}

	d := testPolicy().Fuse(in)

	if d.Verdict != domain.VerdictBlock {
		t.Fatalf("flagged cluster at the size ceiling must block, got %s (score %.4f)", d.Verdict, d.RiskScore)
	}
	if d.ReasonCodes[0] != domain.ReasonMuleNetwork {
		t.Errorf("expected MULE_NETWORK first, got %v", d.ReasonCodes)
	}
}

func TestFlaggedSmallSparseClusterDoesNotOverride(t *testing.T) {
	in := baseInput()
	in.Graph = &domain.GraphRisk{Score: 0.3, Flagged: true, ClusterDensity: 0.65, ClusterSize: 3}

	d := testPolicy().Fuse(in)

	if d.Verdict == domain.VerdictBlock {
		t.Errorf("flag below both the size ceiling and block density must not force a block, got %s", d.Verdict)
	}
}

func TestModelAbsenceRenormalizes(t *testing.T) {
	// Identical non-model branch scores with and without the model. With
	// the model absent, the remaining weights renormalize, so the fused
	// score equals the common branch score in both worlds minus the
	// model's pull.
	in := baseInput()
	in.Rules.Score = 0.6
	in.ModelScore = nil
	in.Features.Features[domain.FeatBehavioralScore] = 0.6
	in.Graph.Score = 0.6
	in.AnomalyScore = f64(0.6)

	d := testPolicy().Fuse(in)

	if d.RiskScore < 0.599 || d.RiskScore > 0.601 {
		t.Errorf("renormalized score should be 0.6, got %.4f", d.RiskScore)
	}
	if !d.Degraded {
		t.Error("expected degraded decision with model absent")
	}
	hasDegraded := false
	for _, rc := range d.ReasonCodes {
		if rc == domain.ReasonModelDegraded {
			hasDegraded = true
		}
	}
	if !hasDegraded {
		t.Errorf("expected MODEL_DEGRADED, got %v", d.ReasonCodes)
	}
	if _, ok := d.BranchScores[domain.BranchModel]; ok {
		t.Error("absent branch must be omitted from branch scores")
	}

	if d.Verdict == domain.VerdictBlock {
		t.Errorf("model absence alone must never block, got %s", d.Verdict)
	}
}

func TestDegradedShiftsReviewThreshold(t *testing.T) {
	// Fused score of 0.25 sits below the 0.3 review threshold but above
	// the degraded threshold of 0.2.
	set := func(in *Input, s float64) {
		in.Rules.Score = s
		in.ModelScore = f64(s)
		in.Features.Features[domain.FeatBehavioralScore] = s
		in.Graph.Score = s
		in.AnomalyScore = f64(s)
	}

	clean := baseInput()
	set(clean, 0.25)
	d := testPolicy().Fuse(clean)
	if d.Verdict != domain.VerdictAllow {
		t.Fatalf("expected allow at 0.25 with full evidence, got %s", d.Verdict)
	}

	degraded := baseInput()
	set(degraded, 0.25)
	degraded.Features.Degraded = true
	degraded.Features.Missing = []string{domain.FeatUserTxnCount1h}

	d = testPolicy().Fuse(degraded)
	if d.Verdict != domain.VerdictReview {
		t.Fatalf("expected review at 0.25 with degraded vector, got %s", d.Verdict)
	}
	hasVerify := false
	for _, a := range d.NextActions {
		if a == domain.ActionRequestVerification {
			hasVerify = true
		}
	}
	if !hasVerify {
		t.Errorf("expected verification request on degraded review, got %v", d.NextActions)
	}
}

func TestTopSignals(t *testing.T) {
	in := baseInput()
	in.Rules.Score = 0.9
	in.ModelScore = f64(0.8)
	in.Features.Features[domain.FeatBehavioralScore] = 0.1
	in.Graph.Score = 0.05
	in.AnomalyScore = f64(0.02)

	d := testPolicy().Fuse(in)

	if len(d.Signals) != 3 {
		t.Fatalf("expected 3 signals, got %d", len(d.Signals))
	}
	// Model carries the largest fused contribution (0.30*0.8 > 0.25*0.9).
	if d.Signals[0].Signal != domain.BranchModel {
		t.Errorf("expected model as top signal, got %s", d.Signals[0].Signal)
	}
	for i := 1; i < len(d.Signals); i++ {
		if d.Signals[i].Weight > d.Signals[i-1].Weight {
			t.Errorf("signals not sorted by weight: %+v", d.Signals)
		}
	}
}

func TestSignalTieBreaksTowardEarlierBranch(t *testing.T) {
	cfg := domain.DefaultDecisionConfig()
	cfg.Weights = domain.BranchWeights{Rules: 0.2, Model: 0.2, Behavioral: 0.2, Graph: 0.2, Anomaly: 0.2}
	p := New(&cfg)

	in := baseInput()
	in.Rules.Score = 0.5
	in.ModelScore = f64(0.5)
	in.Features.Features[domain.FeatBehavioralScore] = 0.5
	in.Graph.Score = 0.5
	in.AnomalyScore = f64(0.5)

	d := p.Fuse(in)
	if d.Signals[0].Signal != domain.BranchRules {
		t.Errorf("equal contributions must resolve to the earliest branch, got %s", d.Signals[0].Signal)
	}
}

func TestCrossBorderReviewAddsStepUp(t *testing.T) {
	in := baseInput()
	in.Tx.Country = "NG"
	in.Tx.UserCountry = "US"
	in.Rules.Score = 0.5
	in.ModelScore = f64(0.5)
	in.Features.Features[domain.FeatBehavioralScore] = 0.5
	in.Graph.Score = 0.5
	in.AnomalyScore = f64(0.5)

	d := testPolicy().Fuse(in)

	if d.Verdict != domain.VerdictReview {
		t.Fatalf("expected review, got %s", d.Verdict)
	}
	hasStepUp := false
	for _, a := range d.NextActions {
		if a == domain.ActionSCAStepUp {
			hasStepUp = true
		}
	}
	if !hasStepUp {
		t.Errorf("expected SCA step-up for cross-border review, got %v", d.NextActions)
	}
}

func TestReasonCodesDeduplicated(t *testing.T) {
	in := baseInput()
	in.Rules = &domain.RuleResult{
		Score:       0.6,
		MaxSeverity: domain.SeverityHigh,
		Hits: []domain.RuleHit{
			{RuleID: "r1", Severity: domain.SeverityHigh, ReasonCode: domain.ReasonHighVelocity},
			{RuleID: "r2", Severity: domain.SeverityHigh, ReasonCode: domain.ReasonHighVelocity},
		},
	}

	d := testPolicy().Fuse(in)

	count := 0
	for _, rc := range d.ReasonCodes {
		if rc == domain.ReasonHighVelocity {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected HIGH_VELOCITY once, got %d in %v", count, d.ReasonCodes)
	}
}

func TestDecisionMetadata(t *testing.T) {
	in := baseInput()
	in.CorrelationID = "corr-123"

	d := testPolicy().Fuse(in)

	if d.ID == "" {
		t.Error("expected a decision ID")
	}
	if d.TxID != "tx-1" || d.TenantID != "tenant-001" || d.CorrelationID != "corr-123" {
		t.Errorf("unexpected identity fields: %+v", d)
	}
	if d.EngineVersion != "v1" {
		t.Errorf("expected engine version v1, got %s", d.EngineVersion)
	}
	if d.RiskScore < 0 || d.RiskScore > 1 {
		t.Errorf("risk score out of range: %.4f", d.RiskScore)
	}
	if d.LatencyMs < 0 {
		t.Error("latency must be non-negative")
	}
}

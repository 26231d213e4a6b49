package domain

import (
	"time"
)

// Verdict is the terminal outcome of a risk decision.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictReview Verdict = "review"
	VerdictBlock  Verdict = "block"
)

// Decision is the complete, auditable result of deciding one transaction.
// The wire shape (decision, risk_score, reason_codes, next_actions,
// signals, latency_ms) is a stable contract for downstream consumers.
type Decision struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenantId"`
	TxID          string `json:"txId"`
	CorrelationID string `json:"correlationId"`

	Verdict   Verdict `json:"decision"`
	RiskScore float64 `json:"risk_score"`

	ReasonCodes []string     `json:"reason_codes"`
	NextActions []string     `json:"next_actions"`
	Signals     []RiskSignal `json:"signals"`

	// Branch scores as fused (after renormalization). Absent branches
	// are omitted.
	BranchScores map[string]float64 `json:"branchScores,omitempty"`

	// RuleHits carries the individual rule outcomes for the audit trail.
	RuleHits []RuleHit `json:"ruleHits,omitempty"`

	// Degraded is set when any scoring branch was faulted or excluded.
	Degraded bool `json:"degraded"`

	LatencyMs     float64   `json:"latency_ms"`
	Timestamp     time.Time `json:"timestamp"`
	EngineVersion string    `json:"engineVersion"`
}

// RiskSignal is one of the top contributing signals behind a decision,
// ordered by contribution weight.
type RiskSignal struct {
	Signal    string  `json:"signal"`
	Weight    float64 `json:"weight"`
	Rationale string  `json:"rationale"`
}

// Scoring branch names, in fusion declaration order. The order is load
// bearing: signal ties break toward the earlier branch.
const (
	BranchRules      = "rules"
	BranchModel      = "model"
	BranchBehavioral = "behavioral"
	BranchGraph      = "graph"
	BranchAnomaly    = "anomaly"
)

// Reason codes attached to decisions.
const (
	ReasonHighRisk           = "HIGH_RISK_SCORE"
	ReasonMediumRisk         = "MEDIUM_RISK"
	ReasonLowRisk            = "LOW_RISK"
	ReasonModelDegraded      = "MODEL_DEGRADED"
	ReasonEnrichmentDegraded = "ENRICHMENT_DEGRADED"
	ReasonGraphDegraded      = "GRAPH_DEGRADED"
	ReasonAnomalyDegraded    = "ANOMALY_DEGRADED"
	ReasonMuleNetwork        = "MULE_NETWORK"
	ReasonSanctionsHit       = "SANCTIONS_HIT"
	ReasonPEPMatch           = "PEP_MATCH"
	ReasonStructuring        = "STRUCTURING_PATTERN"
	ReasonHighVelocity       = "HIGH_VELOCITY"
	ReasonCriticalRule       = "CRITICAL_RULE_HIT"
)

// Next actions recommended alongside a verdict.
const (
	ActionApprove              = "APPROVE"
	ActionMonitor              = "MONITOR"
	ActionManualReview         = "MANUAL_REVIEW"
	ActionRequestVerification  = "REQUEST_ADDITIONAL_VERIFICATION"
	ActionBlock                = "BLOCK"
	ActionEscalateToCompliance = "ESCALATE_TO_COMPLIANCE"
	ActionStoreInvestigation   = "STORE_FOR_INVESTIGATION"
	ActionSCAStepUp            = "SCA_STEP_UP"
)

// RequestState tracks a decision request through the pipeline.
// Transitions are strictly forward: Received → Enriching → Scoring →
// Fusing → Decided, with Faulted reachable from any non-terminal state.
type RequestState string

const (
	StateReceived  RequestState = "received"
	StateEnriching RequestState = "enriching"
	StateScoring   RequestState = "scoring"
	StateFusing    RequestState = "fusing"
	StateDecided   RequestState = "decided"
	StateFaulted   RequestState = "faulted"
)

// DecideResponse is the API response for a risk decision.
type DecideResponse struct {
	DecisionID    string       `json:"decisionId"`
	TxID          string       `json:"txId"`
	TenantID      string       `json:"tenantId"`
	Decision      Verdict      `json:"decision"`
	RiskScore     float64      `json:"risk_score"`
	ReasonCodes   []string     `json:"reason_codes"`
	NextActions   []string     `json:"next_actions"`
	Signals       []RiskSignal `json:"signals"`
	LatencyMs     float64      `json:"latency_ms"`
	Degraded      bool         `json:"degraded"`
	CorrelationID string       `json:"correlationId"`
	EngineVersion string       `json:"engineVersion"`
}

// ToResponse converts a Decision to an API response.
func (d *Decision) ToResponse() *DecideResponse {
	return &DecideResponse{
		DecisionID:    d.ID,
		TxID:          d.TxID,
		TenantID:      d.TenantID,
		Decision:      d.Verdict,
		RiskScore:     d.RiskScore,
		ReasonCodes:   d.ReasonCodes,
		NextActions:   d.NextActions,
		Signals:       d.Signals,
		LatencyMs:     d.LatencyMs,
		Degraded:      d.Degraded,
		CorrelationID: d.CorrelationID,
		EngineVersion: d.EngineVersion,
	}
}

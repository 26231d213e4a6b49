package domain

// Severity classifies how strongly a rule hit bears on the decision.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparisons (critical highest).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// RuleConfig defines a risk rule configuration.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression evaluated against the transaction, its feature
	// vector and graph assessment. Must produce a numeric score.
	Expression string `json:"expression"`

	// Severity bands map the score to a severity.
	Bands []SeverityBand `json:"bands"`

	// ReasonCode attached to the decision when this rule hits.
	ReasonCode string `json:"reasonCode"`

	// Rule weight in the rules branch aggregate (0.0 to 1.0).
	Weight float64 `json:"weight"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// SeverityBand maps a score range to a severity.
type SeverityBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	Severity   Severity `json:"severity"`
	Reason     string   `json:"reason"`
}

// RuleHit is a rule that fired for a transaction.
type RuleHit struct {
	RuleID     string   `json:"ruleId"`
	Name       string   `json:"name"`
	Severity   Severity `json:"severity"`
	Score      float64  `json:"score"`
	Weight     float64  `json:"weight"`
	Reason     string   `json:"reason"`
	ReasonCode string   `json:"reasonCode"`
}

// RuleResult is the aggregated output of the rules branch.
type RuleResult struct {
	TxID     string    `json:"txId"`
	TenantID string    `json:"tenantId"`
	Hits     []RuleHit `json:"hits"`

	// Score is the weighted aggregate over all evaluated rules, in [0,1].
	Score float64 `json:"score"`

	// MaxSeverity is the highest severity among hits.
	MaxSeverity Severity `json:"maxSeverity"`

	// DegradedRules lists rules whose evaluation errored. Their absence
	// never fails the branch; they simply contribute nothing.
	DegradedRules []string `json:"degradedRules,omitempty"`

	RulesEvaluated int   `json:"rulesEvaluated"`
	ProcessMs      int64 `json:"processMs"`
}

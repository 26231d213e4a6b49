package rules

import "github.com/opensource-finance/kestrel/internal/domain"

func f64(v float64) *float64 { return &v }

// BuiltinRules returns the default rule set loaded when a tenant has no
// rules of its own. Tenants override these through the rules API; the
// builtins exist so a fresh deployment decides sensibly out of the box.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "builtin-sanctions",
			Name:        "Sanctions Screening",
			Description: "Blocks transactions for users matching a sanctions list",
			Version:     "1.0.0",
			Expression:  `sanctions_hit`,
			Bands: []domain.SeverityBand{
				{LowerLimit: f64(1), Severity: domain.SeverityCritical, Reason: "User matched sanctions list"},
			},
			ReasonCode: domain.ReasonSanctionsHit,
			Weight:     1.0,
			Enabled:    true,
		},
		{
			ID:          "builtin-pep",
			Name:        "PEP Screening",
			Description: "Blocks transactions for politically exposed persons",
			Version:     "1.0.0",
			Expression:  `pep_hit`,
			Bands: []domain.SeverityBand{
				{LowerLimit: f64(1), Severity: domain.SeverityCritical, Reason: "User is a politically exposed person"},
			},
			ReasonCode: domain.ReasonPEPMatch,
			Weight:     0.9,
			Enabled:    true,
		},
		{
			ID:          "builtin-high-risk-country",
			Name:        "High-Risk Jurisdiction",
			Description: "Flags transactions originating from FATF high-risk jurisdictions",
			Version:     "1.0.0",
			Expression:  `country in ["KP", "IR", "SY", "CU", "MM"] ? 1.0 : 0.0`,
			Bands: []domain.SeverityBand{
				{LowerLimit: f64(1), Severity: domain.SeverityHigh, Reason: "Transaction from high-risk jurisdiction"},
			},
			ReasonCode: "HIGH_RISK_COUNTRY",
			Weight:     0.8,
			Enabled:    true,
		},
		{
			ID:          "builtin-ctr-threshold",
			Name:        "Reporting Threshold",
			Description: "Flags single transactions at or above the currency transaction reporting threshold",
			Version:     "1.0.0",
			Expression:  `amount >= 10000.0 ? 1.0 : 0.0`,
			Bands: []domain.SeverityBand{
				{LowerLimit: f64(1), Severity: domain.SeverityMedium, Reason: "Amount at or above reporting threshold"},
			},
			ReasonCode: "CTR_THRESHOLD",
			Weight:     0.6,
			Enabled:    true,
		},
		{
			ID:          "builtin-structuring",
			Name:        "Structuring Pattern",
			Description: "Flags repeated amounts just under the reporting threshold",
			Version:     "1.0.0",
			Expression: `amount >= 9000.0 && amount < 10000.0 &&
				("user_txn_count_24h" in features ? features["user_txn_count_24h"] : 0.0) >= 3.0 ? 1.0 : 0.0`,
			Bands: []domain.SeverityBand{
				{LowerLimit: f64(1), Severity: domain.SeverityHigh, Reason: "Repeated amounts just under the reporting threshold"},
			},
			ReasonCode: domain.ReasonStructuring,
			Weight:     0.9,
			Enabled:    true,
		},
		{
			ID:          "builtin-velocity-burst",
			Name:        "Velocity Burst",
			Description: "Grades unusually high short-window transaction frequency",
			Version:     "1.0.0",
			Expression: `("user_txn_count_1m" in features ? features["user_txn_count_1m"] : 0.0) > 10.0
				? 1.0
				: (("user_txn_count_1h" in features ? features["user_txn_count_1h"] : 0.0) > 50.0 ? 0.7 : 0.0)`,
			Bands: []domain.SeverityBand{
				{LowerLimit: f64(0.5), UpperLimit: f64(1), Severity: domain.SeverityMedium, Reason: "Elevated transaction velocity"},
				{LowerLimit: f64(1), Severity: domain.SeverityHigh, Reason: "Burst of transactions in under a minute"},
			},
			ReasonCode: domain.ReasonHighVelocity,
			Weight:     0.7,
			Enabled:    true,
		},
		{
			ID:          "builtin-country-mismatch",
			Name:        "Geography Mismatch",
			Description: "Flags transactions from a country other than the user's home country",
			Version:     "1.0.0",
			Expression:  `("country_mismatch" in features ? features["country_mismatch"] : 0.0) >= 1.0 ? 0.6 : 0.0`,
			Bands: []domain.SeverityBand{
				{LowerLimit: f64(0.5), Severity: domain.SeverityLow, Reason: "Transaction country differs from user home country"},
			},
			ReasonCode: "GEO_MISMATCH",
			Weight:     0.4,
			Enabled:    true,
		},
		{
			ID:          "builtin-mule-cluster",
			Name:        "Mule Cluster Proximity",
			Description: "Flags transactions touching a dense entity cluster in the fraud graph",
			Version:     "1.0.0",
			Expression:  `graph_flagged ? 1.0 : (graph_density > 0.5 && graph_cluster_size >= 4 ? 0.6 : 0.0)`,
			Bands: []domain.SeverityBand{
				{LowerLimit: f64(0.5), UpperLimit: f64(1), Severity: domain.SeverityMedium, Reason: "Transaction touches a dense entity cluster"},
				{LowerLimit: f64(1), Severity: domain.SeverityHigh, Reason: "Transaction inside a flagged mule cluster"},
			},
			ReasonCode: domain.ReasonMuleNetwork,
			Weight:     0.8,
			Enabled:    true,
		},
	}
}

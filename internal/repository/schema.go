package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    device_id TEXT,
    merchant_id TEXT,
    ip TEXT,
    instrument_id TEXT,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    country TEXT,
    user_country TEXT,
    channel TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    context TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_device ON transactions(tenant_id, device_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(tenant_id, timestamp);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    reason_code TEXT,
    weight REAL NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// schemaDecisions is the append-only audit trail. Decisions are never
// updated or deleted through the repository.
const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    correlation_id TEXT,
    verdict TEXT NOT NULL,
    risk_score REAL NOT NULL,
    reason_codes TEXT NOT NULL,
    next_actions TEXT NOT NULL,
    signals TEXT NOT NULL,
    branch_scores TEXT,
    rule_hits TEXT,
    degraded INTEGER NOT NULL DEFAULT 0,
    latency_ms REAL NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    engine_version TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_tenant ON decisions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_decisions_tx ON decisions(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_decisions_verdict ON decisions(tenant_id, verdict);
CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(tenant_id, timestamp);
`

const schemaMerchantTiers = `
CREATE TABLE IF NOT EXISTS merchant_tiers (
    merchant_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    risk_tier INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (merchant_id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_merchant_tiers_tenant ON merchant_tiers(tenant_id);
`

// schemaDecisionConfigs stores the hot-reloadable decision surface,
// one active row per tenant.
const schemaDecisionConfigs = `
CREATE TABLE IF NOT EXISTS decision_configs (
    tenant_id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    config TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRuleConfigs,
		schemaDecisions,
		schemaMerchantTiers,
		schemaDecisionConfigs,
	}
}

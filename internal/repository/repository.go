// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrNotFound aliases the domain sentinel so callers can match
	// either way with errors.Is.
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	txContext, _ := json.Marshal(tx.Context)

	query := `
		INSERT INTO transactions (
			id, tenant_id, type, user_id, device_id, merchant_id, ip,
			instrument_id, amount, currency, country, user_country,
			channel, timestamp, created_at, context
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.Type,
		tx.UserID, tx.DeviceID, tx.MerchantID, tx.IP, tx.InstrumentID,
		tx.Amount, tx.Currency,
		tx.Country, tx.UserCountry, tx.Channel,
		tx.Timestamp, tx.CreatedAt,
		string(txContext),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, type, user_id, device_id, merchant_id, ip,
			   instrument_id, amount, currency, country, user_country,
			   channel, timestamp, created_at, context
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var txContext string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.Type,
		&tx.UserID, &tx.DeviceID, &tx.MerchantID, &tx.IP, &tx.InstrumentID,
		&tx.Amount, &tx.Currency,
		&tx.Country, &tx.UserCountry, &tx.Channel,
		&tx.Timestamp, &tx.CreatedAt,
		&txContext,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if txContext != "" {
		json.Unmarshal([]byte(txContext), &tx.Context)
	}

	return &tx, nil
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	bands, _ := json.Marshal(rule.Bands)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, bands, reason_code, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			reason_code = excluded.reason_code,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, string(bands), rule.ReasonCode, rule.Weight, enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, reason_code, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.RuleConfig
	var bands string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
		&cfg.Version, &cfg.Expression, &bands, &cfg.ReasonCode, &cfg.Weight, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	json.Unmarshal([]byte(bands), &cfg.Bands)

	return &cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, reason_code, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var bands string
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Version, &cfg.Expression, &bands, &cfg.ReasonCode, &cfg.Weight, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		json.Unmarshal([]byte(bands), &cfg.Bands)
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// DeleteRuleConfig soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRuleConfig(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE rule_configs
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveDecision appends a decision to the audit trail with tenant isolation.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, d *domain.Decision) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	reasonCodes, _ := json.Marshal(d.ReasonCodes)
	nextActions, _ := json.Marshal(d.NextActions)
	signals, _ := json.Marshal(d.Signals)
	branchScores, _ := json.Marshal(d.BranchScores)
	ruleHits, _ := json.Marshal(d.RuleHits)

	degraded := 0
	if d.Degraded {
		degraded = 1
	}

	query := `
		INSERT INTO decisions (
			id, tenant_id, tx_id, correlation_id, verdict, risk_score,
			reason_codes, next_actions, signals, branch_scores, rule_hits,
			degraded, latency_ms, timestamp, engine_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, tenantID, d.TxID, d.CorrelationID, string(d.Verdict), d.RiskScore,
		string(reasonCodes), string(nextActions), string(signals),
		string(branchScores), string(ruleHits),
		degraded, d.LatencyMs, d.Timestamp, d.EngineVersion,
	)
	return err
}

// GetDecision retrieves a decision by ID with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.Decision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, correlation_id, verdict, risk_score,
			   reason_codes, next_actions, signals, branch_scores, rule_hits,
			   degraded, latency_ms, timestamp, engine_version
		FROM decisions
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDecisionsByEntity retrieves decisions for a user since a point in time.
func (r *SQLRepository) ListDecisionsByEntity(ctx context.Context, tenantID string, userID string, since time.Time) ([]*domain.Decision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT d.id, d.tenant_id, d.tx_id, d.correlation_id, d.verdict, d.risk_score,
			   d.reason_codes, d.next_actions, d.signals, d.branch_scores, d.rule_hits,
			   d.degraded, d.latency_ms, d.timestamp, d.engine_version
		FROM decisions d
		JOIN transactions t ON t.tenant_id = d.tenant_id AND t.id = d.tx_id
		WHERE d.tenant_id = ?
		  AND t.user_id = ?
		  AND d.timestamp >= ?
		ORDER BY d.timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}

	return decisions, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*domain.Decision, error) {
	var d domain.Decision
	var verdict string
	var reasonCodes, nextActions, signals, branchScores, ruleHits string
	var degraded int

	err := row.Scan(
		&d.ID, &d.TenantID, &d.TxID, &d.CorrelationID, &verdict, &d.RiskScore,
		&reasonCodes, &nextActions, &signals, &branchScores, &ruleHits,
		&degraded, &d.LatencyMs, &d.Timestamp, &d.EngineVersion,
	)
	if err != nil {
		return nil, err
	}

	d.Verdict = domain.Verdict(verdict)
	d.Degraded = degraded == 1
	json.Unmarshal([]byte(reasonCodes), &d.ReasonCodes)
	json.Unmarshal([]byte(nextActions), &d.NextActions)
	json.Unmarshal([]byte(signals), &d.Signals)
	json.Unmarshal([]byte(branchScores), &d.BranchScores)
	json.Unmarshal([]byte(ruleHits), &d.RuleHits)

	return &d, nil
}

// GetMerchantRiskTier returns the configured risk tier for a merchant.
// Unknown merchants default to tier 0.
func (r *SQLRepository) GetMerchantRiskTier(ctx context.Context, tenantID string, merchantID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT risk_tier FROM merchant_tiers
		WHERE tenant_id = ? AND merchant_id = ?
	`

	var tier int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, merchantID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return tier, nil
}

// SetMerchantRiskTier upserts a merchant's risk tier.
func (r *SQLRepository) SetMerchantRiskTier(ctx context.Context, tenantID string, merchantID string, tier int) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO merchant_tiers (merchant_id, tenant_id, risk_tier, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(merchant_id, tenant_id) DO UPDATE SET
			risk_tier = excluded.risk_tier,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), merchantID, tenantID, tier, time.Now().UTC())
	return err
}

// SaveDecisionConfig upserts the tenant's decision surface. The config
// is validated before persistence so a bad config never becomes the
// reload source.
func (r *SQLRepository) SaveDecisionConfig(ctx context.Context, tenantID string, cfg *domain.DecisionConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal decision config: %w", err)
	}

	query := `
		INSERT INTO decision_configs (tenant_id, version, config, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			version = excluded.version,
			config = excluded.config,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), tenantID, cfg.Version, string(data), time.Now().UTC())
	return err
}

// GetDecisionConfig retrieves the tenant's decision surface.
func (r *SQLRepository) GetDecisionConfig(ctx context.Context, tenantID string) (*domain.DecisionConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT config FROM decision_configs WHERE tenant_id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var cfg domain.DecisionConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse decision config: %w", err)
	}
	return &cfg, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

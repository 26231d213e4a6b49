package domain

import (
	"fmt"
	"math"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Graph sizing
	Graph GraphConfig `json:"graph"`

	// Decision is the hot-reloadable decision surface. The engine holds
	// it behind an atomic pointer; this value is only the boot default.
	Decision DecisionConfig `json:"decision"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// GraphConfig holds entity graph sizing and retention settings.
type GraphConfig struct {
	ShardCount int           `json:"shardCount"`
	Retention  time.Duration `json:"retention"`
}

// DecisionConfig is the hot-reloadable decision surface: fusion weights,
// verdict thresholds, override triggers and branch deadlines. A new value
// must pass Validate before it is installed.
type DecisionConfig struct {
	Version string `json:"version"`

	// Fusion weights per branch. Must be positive and sum to 1.0.
	Weights BranchWeights `json:"weights"`

	// Verdict thresholds on the fused score:
	//   score > Block            → block
	//   Review <= score <= Block → review
	//   score < Review           → allow
	Thresholds VerdictThresholds `json:"thresholds"`

	// DegradedReviewShift lowers the review threshold when the feature
	// vector is degraded, widening the review band. Never widens allow.
	DegradedReviewShift float64 `json:"degradedReviewShift"`

	// GraphBlockClusterSize: a flagged cluster with at least this many
	// entities forces a block regardless of the fused score.
	GraphBlockClusterSize int `json:"graphBlockClusterSize"`

	// GraphBlockDensity: a flagged cluster at or above this density
	// forces a block regardless of the fused score, independent of its
	// size.
	GraphBlockDensity float64 `json:"graphBlockDensity"`

	// Graph traversal bounds and mule signature parameters.
	GraphHopLimit       int     `json:"graphHopLimit"`
	GraphNodeCap        int     `json:"graphNodeCap"`
	GraphDensityFlag    float64 `json:"graphDensityFlag"`
	GraphMinUsers       int     `json:"graphMinUsers"`
	GraphMaxSharedNodes int     `json:"graphMaxSharedNodes"`

	// Budgets
	DecisionDeadline time.Duration `json:"decisionDeadline"`
	ModelTimeout     time.Duration `json:"modelTimeout"`

	// Rule evaluation parallelism
	RuleWorkers int `json:"ruleWorkers"`
}

// BranchWeights are the fusion weights for each scoring branch.
type BranchWeights struct {
	Rules      float64 `json:"rules"`
	Model      float64 `json:"model"`
	Behavioral float64 `json:"behavioral"`
	Graph      float64 `json:"graph"`
	Anomaly    float64 `json:"anomaly"`
}

// Map returns the weights keyed by branch name, in declaration order.
func (w BranchWeights) Map() map[string]float64 {
	return map[string]float64{
		BranchRules:      w.Rules,
		BranchModel:      w.Model,
		BranchBehavioral: w.Behavioral,
		BranchGraph:      w.Graph,
		BranchAnomaly:    w.Anomaly,
	}
}

// VerdictThresholds map a fused score to a verdict.
type VerdictThresholds struct {
	Block  float64 `json:"block"`
	Review float64 `json:"review"`
}

// Validate checks a DecisionConfig for installability. Invalid configs
// are rejected with ErrConfigInvalid; the previous config stays active.
func (c *DecisionConfig) Validate() error {
	w := c.Weights
	for name, v := range w.Map() {
		if v < 0 {
			return fmt.Errorf("%w: weight %s is negative", ErrConfigInvalid, name)
		}
	}
	sum := w.Rules + w.Model + w.Behavioral + w.Graph + w.Anomaly
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("%w: weights sum to %.4f, want 1.0", ErrConfigInvalid, sum)
	}
	t := c.Thresholds
	if t.Review <= 0 || t.Block >= 1 || t.Review >= t.Block {
		return fmt.Errorf("%w: thresholds must satisfy 0 < review < block < 1 (review=%.2f block=%.2f)",
			ErrConfigInvalid, t.Review, t.Block)
	}
	if c.DegradedReviewShift < 0 || c.DegradedReviewShift >= t.Review {
		return fmt.Errorf("%w: degradedReviewShift out of range", ErrConfigInvalid)
	}
	if c.GraphBlockClusterSize <= 0 {
		return fmt.Errorf("%w: graphBlockClusterSize must be positive", ErrConfigInvalid)
	}
	if c.GraphBlockDensity <= 0 || c.GraphBlockDensity > 1 {
		return fmt.Errorf("%w: graphBlockDensity out of range", ErrConfigInvalid)
	}
	if c.GraphHopLimit <= 0 || c.GraphNodeCap <= 0 {
		return fmt.Errorf("%w: graph traversal bounds must be positive", ErrConfigInvalid)
	}
	if c.DecisionDeadline <= 0 || c.ModelTimeout <= 0 {
		return fmt.Errorf("%w: budgets must be positive", ErrConfigInvalid)
	}
	if c.ModelTimeout >= c.DecisionDeadline {
		return fmt.Errorf("%w: model timeout must fit inside the decision deadline", ErrConfigInvalid)
	}
	if c.RuleWorkers <= 0 {
		return fmt.Errorf("%w: ruleWorkers must be positive", ErrConfigInvalid)
	}
	return nil
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultDecisionConfig returns the boot decision surface.
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		Version: "v1",
		Weights: BranchWeights{
			Rules:      0.25,
			Model:      0.30,
			Behavioral: 0.20,
			Graph:      0.15,
			Anomaly:    0.10,
		},
		Thresholds: VerdictThresholds{
			Block:  0.8,
			Review: 0.3,
		},
		DegradedReviewShift:   0.1,
		GraphBlockClusterSize: 5,
		GraphBlockDensity:     0.8,
		GraphHopLimit:         2,
		GraphNodeCap:          500,
		GraphDensityFlag:      0.2,
		GraphMinUsers:         3,
		GraphMaxSharedNodes:   2,
		DecisionDeadline:      100 * time.Millisecond,
		ModelTimeout:          40 * time.Millisecond,
		RuleWorkers:           8,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Graph: GraphConfig{
			ShardCount: 64,
			Retention:  30 * 24 * time.Hour,
		},
		Decision: DefaultDecisionConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

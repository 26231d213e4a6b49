package domain

import (
	"fmt"
	"time"
)

// EntityKind identifies the type of a graph entity.
type EntityKind string

const (
	EntityUser       EntityKind = "user"
	EntityDevice     EntityKind = "device"
	EntityMerchant   EntityKind = "merchant"
	EntityIP         EntityKind = "ip"
	EntityInstrument EntityKind = "instrument"
)

// EntityRef uniquely identifies an entity in the graph.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// Key returns the canonical string form used for hashing and storage.
func (e EntityRef) Key() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.ID)
}

// GraphRisk is the graph branch assessment for one transaction.
type GraphRisk struct {
	TxID     string `json:"txId"`
	TenantID string `json:"tenantId"`

	// Score in [0,1] derived from cluster density and size.
	Score float64 `json:"score"`

	// Flagged is set when the mule signature matched: cluster density
	// above threshold with many users funneling through few devices or
	// instruments.
	Flagged bool `json:"flagged"`

	// Cluster membership around the queried entity.
	ClusterSize    int     `json:"clusterSize"`
	ClusterDensity float64 `json:"clusterDensity"`
	UserCount      int     `json:"userCount"`
	DeviceCount    int     `json:"deviceCount"`
	HopsExplored   int     `json:"hopsExplored"`

	// Bounded is set when the traversal hit its hop or node cap before
	// completing. A bounded assessment is conservative: never flagged
	// solely because the bound was reached.
	Bounded bool `json:"bounded"`

	AssessedAt time.Time `json:"assessedAt"`
}

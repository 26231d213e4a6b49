// Package graph maintains the entity relationship graph used for
// ring and mule network detection.
//
// Entities (users, devices, merchants, IPs, instruments) are nodes;
// co-occurrence in a transaction creates or strengthens edges. The
// graph is sharded by entity key so concurrent decisions for unrelated
// entities never contend on one lock.
package graph

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Params bound a single assessment traversal. Values come from the
// active decision config at call time so hot reloads apply immediately.
type Params struct {
	HopLimit       int
	NodeCap        int
	DensityFlag    float64
	MinUsers       int
	MaxSharedNodes int
}

// Graph is a sharded, in-memory entity co-occurrence graph.
type Graph struct {
	shards []*shard
}

type shard struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

type node struct {
	ref       domain.EntityRef
	firstSeen time.Time
	lastSeen  time.Time

	// edges is keyed by neighbor node key. Each endpoint holds a
	// mirror of the edge; both mirrors are updated under ordered
	// shard locks so weights never diverge.
	edges map[string]*edge
}

type edge struct {
	weight   int64
	lastSeen time.Time
}

// New creates an empty graph with the configured shard count.
func New(cfg domain.GraphConfig) *Graph {
	count := cfg.ShardCount
	if count <= 0 {
		count = 64
	}
	shards := make([]*shard, count)
	for i := range shards {
		shards[i] = &shard{nodes: make(map[string]*node)}
	}
	return &Graph{shards: shards}
}

// Observe records one transaction: upserts all present entities and
// increments every pairwise edge by exactly one. Calling Observe twice
// for the same transaction adds two to each edge weight; idempotence
// at the transaction level is the caller's concern.
func (g *Graph) Observe(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return errors.New("tenantID is required")
	}

	refs := entityRefs(tx)
	if len(refs) == 0 {
		return nil
	}
	now := time.Now().UTC()

	// Upsert nodes first, one shard lock at a time.
	for _, ref := range refs {
		key := makeKey(tenantID, ref)
		s := g.shardFor(key)
		s.mu.Lock()
		n, ok := s.nodes[key]
		if !ok {
			n = &node{ref: ref, firstSeen: now, edges: make(map[string]*edge)}
			s.nodes[key] = n
		}
		n.lastSeen = now
		s.mu.Unlock()
	}

	// Then strengthen every pairwise edge. Both mirrors of an edge are
	// updated under the pair of shard locks, taken in index order.
	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			g.addEdge(makeKey(tenantID, refs[i]), makeKey(tenantID, refs[j]), now)
		}
	}

	return nil
}

func (g *Graph) addEdge(keyA, keyB string, now time.Time) {
	sa, ia := g.shardForIdx(keyA)
	sb, ib := g.shardForIdx(keyB)

	// Ordered locking prevents deadlock when two Observe calls touch
	// the same shard pair in opposite order.
	switch {
	case ia == ib:
		sa.mu.Lock()
		defer sa.mu.Unlock()
	case ia < ib:
		sa.mu.Lock()
		defer sa.mu.Unlock()
		sb.mu.Lock()
		defer sb.mu.Unlock()
	default:
		sb.mu.Lock()
		defer sb.mu.Unlock()
		sa.mu.Lock()
		defer sa.mu.Unlock()
	}

	na := sa.nodes[keyA]
	nb := sb.nodes[keyB]
	if na == nil || nb == nil {
		return
	}

	bump(na, keyB, now)
	bump(nb, keyA, now)
}

func bump(n *node, neighborKey string, now time.Time) {
	e, ok := n.edges[neighborKey]
	if !ok {
		e = &edge{}
		n.edges[neighborKey] = e
	}
	e.weight++
	e.lastSeen = now
}

// Assess runs a bounded breadth-first traversal from the given entity
// and evaluates the mule signature over the discovered cluster. A
// traversal that hits its hop or node cap yields a conservative,
// non-flagged assessment with Bounded set; it is never a hard failure.
func (g *Graph) Assess(ctx context.Context, tenantID string, start domain.EntityRef, params Params) (*domain.GraphRisk, error) {
	if tenantID == "" {
		return nil, errors.New("tenantID is required")
	}

	risk := &domain.GraphRisk{
		TenantID:   tenantID,
		AssessedAt: time.Now().UTC(),
	}

	cluster, hops, err := g.traverse(ctx, tenantID, start, params)
	if err != nil && !errors.Is(err, domain.ErrTraversalBound) {
		return nil, err
	}
	bounded := errors.Is(err, domain.ErrTraversalBound)

	risk.HopsExplored = hops
	risk.Bounded = bounded
	risk.ClusterSize = len(cluster)
	if len(cluster) < 2 {
		return risk, nil
	}

	// Induced subgraph density and entity composition, computed over
	// the visited set only. Density is distinct edges over n(n-1)/2;
	// each undirected edge counts once no matter how much traffic runs
	// through it. Edge weights stay out of the flag predicate and feed
	// the score instead.
	var edgeCount int
	var totalWeight int64
	var users, shared int
	for key := range cluster {
		s := g.shardFor(key)
		s.mu.RLock()
		n, ok := s.nodes[key]
		if ok {
			switch n.ref.Kind {
			case domain.EntityUser:
				users++
			case domain.EntityDevice, domain.EntityInstrument:
				shared++
			}
			for neighbor, e := range n.edges {
				if _, in := cluster[neighbor]; in && neighbor > key {
					edgeCount++
					totalWeight += e.weight
				}
			}
		}
		s.mu.RUnlock()
	}

	nNodes := len(cluster)
	maxEdges := nNodes * (nNodes - 1) / 2
	if maxEdges > 0 {
		risk.ClusterDensity = float64(edgeCount) / float64(maxEdges)
	}
	risk.UserCount = users
	risk.DeviceCount = shared

	// Mule signature: a dense cluster where several users funnel
	// through a small set of shared devices or instruments. A bounded
	// traversal never flags: the cluster may be incomplete.
	if !bounded &&
		risk.ClusterDensity > params.DensityFlag &&
		users >= params.MinUsers &&
		shared > 0 && shared <= params.MaxSharedNodes {
		risk.Flagged = true
	}

	// The score carries the traffic emphasis the density deliberately
	// ignores: repeat co-occurrence through the same pairs is the
	// funnel behavior mule rings show.
	weighted := 0.0
	if maxEdges > 0 {
		weighted = clamp01(float64(totalWeight) / float64(maxEdges))
	}
	risk.Score = clamp01(weighted * scaleByUsers(users, params.MinUsers))
	if risk.Flagged && risk.Score < risk.ClusterDensity {
		risk.Score = risk.ClusterDensity
	}

	return risk, nil
}

// traverse walks outward from start up to the hop limit, stopping with
// ErrTraversalBound once the node cap is exceeded. Adjacency is read
// per shard under a read lock and copied out, so traversal never holds
// more than one lock at a time and never blocks writers globally.
func (g *Graph) traverse(ctx context.Context, tenantID string, start domain.EntityRef, params Params) (map[string]struct{}, int, error) {
	startKey := makeKey(tenantID, start)
	visited := map[string]struct{}{startKey: {}}

	frontier := []string{startKey}
	hops := 0

	for hops < params.HopLimit && len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return visited, hops, err
		}

		var next []string
		for _, key := range frontier {
			neighbors := g.neighborsOf(key)
			for _, nk := range neighbors {
				if _, seen := visited[nk]; seen {
					continue
				}
				if len(visited) >= params.NodeCap {
					return visited, hops, domain.ErrTraversalBound
				}
				visited[nk] = struct{}{}
				next = append(next, nk)
			}
		}
		frontier = next
		hops++
	}

	return visited, hops, nil
}

func (g *Graph) neighborsOf(key string) []string {
	s := g.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.edges))
	for nk := range n.edges {
		out = append(out, nk)
	}
	return out
}

// EdgeWeight returns the current weight between two entities, or zero
// when no edge exists. Intended for tests and diagnostics.
func (g *Graph) EdgeWeight(tenantID string, a, b domain.EntityRef) int64 {
	key := makeKey(tenantID, a)
	s := g.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[key]
	if !ok {
		return 0
	}
	e, ok := n.edges[makeKey(tenantID, b)]
	if !ok {
		return 0
	}
	return e.weight
}

// Prune removes entities not seen since the cutoff, along with their
// edge mirrors. Retention policy lives with the caller; the graph only
// executes it.
func (g *Graph) Prune(before time.Time) int {
	removed := 0
	for _, s := range g.shards {
		s.mu.Lock()
		var stale []string
		for key, n := range s.nodes {
			if n.lastSeen.Before(before) {
				stale = append(stale, key)
			}
		}
		for _, key := range stale {
			delete(s.nodes, key)
			removed++
		}
		s.mu.Unlock()

		// Drop mirrors pointing at removed nodes.
		for _, key := range stale {
			g.dropMirrors(key)
		}
	}
	return removed
}

func (g *Graph) dropMirrors(removedKey string) {
	for _, s := range g.shards {
		s.mu.Lock()
		for _, n := range s.nodes {
			delete(n.edges, removedKey)
		}
		s.mu.Unlock()
	}
}

// NodeCount returns the total number of entities in the graph.
func (g *Graph) NodeCount() int {
	total := 0
	for _, s := range g.shards {
		s.mu.RLock()
		total += len(s.nodes)
		s.mu.RUnlock()
	}
	return total
}

func (g *Graph) shardFor(key string) *shard {
	s, _ := g.shardForIdx(key)
	return s
}

func (g *Graph) shardForIdx(key string) (*shard, int) {
	h := fnv.New32a()
	h.Write([]byte(key))
	idx := int(h.Sum32()) % len(g.shards)
	if idx < 0 {
		idx = -idx
	}
	return g.shards[idx], idx
}

func makeKey(tenantID string, ref domain.EntityRef) string {
	return tenantID + "|" + ref.Key()
}

// entityRefs extracts the present entities from a transaction.
func entityRefs(tx *domain.Transaction) []domain.EntityRef {
	var refs []domain.EntityRef
	add := func(kind domain.EntityKind, id string) {
		if id != "" {
			refs = append(refs, domain.EntityRef{Kind: kind, ID: id})
		}
	}
	add(domain.EntityUser, tx.UserID)
	add(domain.EntityDevice, tx.DeviceID)
	add(domain.EntityMerchant, tx.MerchantID)
	add(domain.EntityIP, tx.IP)
	add(domain.EntityInstrument, tx.InstrumentID)
	return refs
}

func scaleByUsers(users, minUsers int) float64 {
	if minUsers <= 0 {
		minUsers = 1
	}
	f := float64(users) / float64(minUsers)
	if f > 1 {
		f = 1
	}
	return f
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

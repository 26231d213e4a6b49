// Package anomaly scores transactions against a running population
// summary of previously decided traffic.
package anomaly

import (
	"context"
	"math"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Method tags describing how a score was produced.
const (
	MethodDistance     = "multivariate_distance"
	MethodDensity      = "density"
	MethodInsufficient = "insufficient_data"
)

// Result is one anomaly assessment.
type Result struct {
	Score  float64 `json:"score"`
	Method string  `json:"method"`
}

// Scorer holds per-tenant population summaries and scores feature
// vectors against them. Observations and scoring may interleave from
// any goroutine.
type Scorer struct {
	mu sync.RWMutex

	// populations is keyed by tenant; each population tracks running
	// mean and variance per feature (Welford).
	populations map[string]*population

	// windowSize > 0 switches scoring to the density method over a
	// bounded sample window.
	windowSize int

	// steepness shapes the distance-to-score mapping. Larger values
	// push moderate distances toward lower scores.
	steepness float64
}

type population struct {
	n        int64
	mean     map[string]float64
	m2       map[string]float64
	counts   map[string]int64
	window   []map[string]float64
	windowAt int
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithDensityWindow enables density scoring over the given sample count.
func WithDensityWindow(size int) Option {
	return func(s *Scorer) { s.windowSize = size }
}

// New creates an anomaly scorer.
func New(opts ...Option) *Scorer {
	s := &Scorer{
		populations: make(map[string]*population),
		steepness:   2.0,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe folds a decided transaction's features into the population.
// Welford's update keeps mean and variance numerically stable without
// retaining samples.
func (s *Scorer) Observe(ctx context.Context, tenantID string, fv *domain.FeatureVector) {
	if tenantID == "" || fv == nil || len(fv.Features) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.populations[tenantID]
	if !ok {
		p = &population{
			mean:   make(map[string]float64),
			m2:     make(map[string]float64),
			counts: make(map[string]int64),
		}
		s.populations[tenantID] = p
	}

	p.n++
	for name, v := range fv.Features {
		p.counts[name]++
		n := float64(p.counts[name])
		delta := v - p.mean[name]
		p.mean[name] += delta / n
		p.m2[name] += delta * (v - p.mean[name])
	}

	if s.windowSize > 0 {
		sample := make(map[string]float64, len(fv.Features))
		for k, v := range fv.Features {
			sample[k] = v
		}
		if len(p.window) < s.windowSize {
			p.window = append(p.window, sample)
		} else {
			p.window[p.windowAt%s.windowSize] = sample
		}
		p.windowAt++
	}
}

// Score rates how unusual a feature vector is relative to the tenant's
// population, in [0,1]. Features are z-normalized first, so the score
// is invariant to feature scale. Fewer than two observations yield a
// zero score tagged insufficient_data rather than a guess.
func (s *Scorer) Score(ctx context.Context, tenantID string, fv *domain.FeatureVector) Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.populations[tenantID]
	if !ok || p.n < 2 || fv == nil || len(fv.Features) == 0 {
		return Result{Score: 0, Method: MethodInsufficient}
	}

	if s.windowSize > 0 && len(p.window) >= 2 {
		return Result{Score: s.densityScore(p, fv), Method: MethodDensity}
	}

	return Result{Score: s.distanceScore(p, fv), Method: MethodDistance}
}

// distanceScore computes a normalized z-distance over the features the
// population has seen at least twice.
func (s *Scorer) distanceScore(p *population, fv *domain.FeatureVector) float64 {
	var sumSq float64
	var dims int

	for name, v := range fv.Features {
		count := p.counts[name]
		if count < 2 {
			continue
		}
		variance := p.m2[name] / float64(count-1)
		if variance <= 0 {
			// Constant feature: any deviation is maximally surprising.
			if v != p.mean[name] {
				sumSq += 9 // z of 3
				dims++
			}
			continue
		}
		z := (v - p.mean[name]) / math.Sqrt(variance)
		sumSq += z * z
		dims++
	}

	if dims == 0 {
		return 0
	}

	// RMS z-distance mapped to [0,1): d/(d+k) is monotone in d and
	// symmetric under feature rescaling because z already is.
	d := math.Sqrt(sumSq / float64(dims))
	return d / (d + s.steepness)
}

// densityScore rates isolation from the sample window: the further the
// vector sits from its nearest window samples (in z-space), the higher
// the score.
func (s *Scorer) densityScore(p *population, fv *domain.FeatureVector) float64 {
	nearest := math.Inf(1)
	for _, sample := range p.window {
		d := s.zDistanceBetween(p, fv.Features, sample)
		if d < nearest {
			nearest = d
		}
	}
	if math.IsInf(nearest, 1) {
		return 0
	}
	return nearest / (nearest + s.steepness)
}

func (s *Scorer) zDistanceBetween(p *population, a, b map[string]float64) float64 {
	var sumSq float64
	var dims int
	for name, av := range a {
		bv, ok := b[name]
		if !ok {
			continue
		}
		count := p.counts[name]
		if count < 2 {
			continue
		}
		variance := p.m2[name] / float64(count-1)
		if variance <= 0 {
			if av != bv {
				sumSq += 9
				dims++
			}
			continue
		}
		d := (av - bv) / math.Sqrt(variance)
		sumSq += d * d
		dims++
	}
	if dims == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(dims))
}

// SampleCount reports how many observations a tenant's population holds.
func (s *Scorer) SampleCount(tenantID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.populations[tenantID]
	if !ok {
		return 0
	}
	return p.n
}

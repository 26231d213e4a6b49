// Package model adapts pluggable fraud model predictors to the
// decision pipeline, enforcing a per-call timeout.
package model

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Prediction is the output of one model call.
type Prediction struct {
	Score         float64         `json:"score"` // probability of fraud, [0,1]
	ModelVersion  string          `json:"modelVersion"`
	Contributions []FeatureWeight `json:"contributions,omitempty"`
}

// FeatureWeight is one feature's contribution to the model score.
type FeatureWeight struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// Predictor produces a fraud probability for an enriched transaction.
// Implementations may call out of process; the Scorer bounds them.
type Predictor interface {
	Predict(ctx context.Context, tx *domain.Transaction, fv *domain.FeatureVector) (*Prediction, error)
}

// PredictorFunc adapts a function to the Predictor interface.
type PredictorFunc func(ctx context.Context, tx *domain.Transaction, fv *domain.FeatureVector) (*Prediction, error)

func (f PredictorFunc) Predict(ctx context.Context, tx *domain.Transaction, fv *domain.FeatureVector) (*Prediction, error) {
	return f(ctx, tx, fv)
}

// Scorer wraps a Predictor with a hard timeout. A late or failing
// predictor yields ErrModelUnavailable; the caller renormalizes and
// continues without the model branch.
type Scorer struct {
	predictor Predictor
}

// NewScorer creates a model scorer around the given predictor.
func NewScorer(p Predictor) *Scorer {
	return &Scorer{predictor: p}
}

// Score runs the predictor under the timeout. The predictor goroutine
// is abandoned on timeout; its context is cancelled so cooperative
// implementations stop promptly.
func (s *Scorer) Score(ctx context.Context, tx *domain.Transaction, fv *domain.FeatureVector, timeout time.Duration) (*Prediction, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		pred *Prediction
		err  error
	}
	ch := make(chan outcome, 1)

	go func() {
		pred, err := s.predictor.Predict(callCtx, tx, fv)
		ch <- outcome{pred, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrModelUnavailable, out.err)
		}
		if out.pred == nil || out.pred.Score < 0 || out.pred.Score > 1 {
			return nil, fmt.Errorf("%w: predictor returned invalid score", domain.ErrModelUnavailable)
		}
		return out.pred, nil
	case <-callCtx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrModelUnavailable, callCtx.Err())
	}
}

// BaselinePredictor is the default in-process model: a logistic
// regression over a fixed weight vector. It exists so community
// deployments score out of the box; production tenants plug in their
// own Predictor.
type BaselinePredictor struct {
	weights map[string]float64
	bias    float64
	version string
	topK    int
}

// NewBaselinePredictor returns the shipped logistic baseline.
func NewBaselinePredictor() *BaselinePredictor {
	return &BaselinePredictor{
		weights: map[string]float64{
			domain.FeatAmountToAvgRatio: 0.35,
			domain.FeatUserTxnCount1m:   0.30,
			domain.FeatCountryMismatch:  0.80,
			domain.FeatMerchantRiskTier: 0.45,
			domain.FeatDeviceReuseCount: 0.25,
			domain.FeatBehavioralScore:  0.60,
		},
		bias:    -2.2,
		version: "baseline-1.0",
		topK:    3,
	}
}

// Predict computes sigmoid(bias + Σ w·x) and reports the top feature
// contributions by absolute value.
func (p *BaselinePredictor) Predict(ctx context.Context, tx *domain.Transaction, fv *domain.FeatureVector) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	z := p.bias
	var contribs []FeatureWeight
	for name, w := range p.weights {
		v := fv.Get(name, 0)
		c := w * v
		z += c
		if c != 0 {
			contribs = append(contribs, FeatureWeight{Feature: name, Weight: c})
		}
	}

	sort.Slice(contribs, func(i, j int) bool {
		return math.Abs(contribs[i].Weight) > math.Abs(contribs[j].Weight)
	})
	if len(contribs) > p.topK {
		contribs = contribs[:p.topK]
	}

	return &Prediction{
		Score:         1 / (1 + math.Exp(-z)),
		ModelVersion:  p.version,
		Contributions: contribs,
	}, nil
}

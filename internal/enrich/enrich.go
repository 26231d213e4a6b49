// Package enrich computes the feature vector for a transaction from
// velocity counters, device history and merchant reference data.
//
// Enrichment is the only pipeline stage that mutates shared feature
// state: every velocity window is advanced exactly once per
// transaction, here and nowhere else.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Window definitions for velocity features.
var windows = []struct {
	suffix string
	d      time.Duration
}{
	{"1m", time.Minute},
	{"1h", time.Hour},
	{"24h", 24 * time.Hour},
}

const (
	deviceHistoryTTL = 30 * 24 * time.Hour
	merchantTierTTL  = 10 * time.Minute
)

// Enricher builds feature vectors. Velocity state lives behind the
// cache; merchant tiers come from the repository with a short cache in
// front.
type Enricher struct {
	cache domain.Cache
	repo  domain.Repository
}

// New creates an enricher.
func New(cache domain.Cache, repo domain.Repository) *Enricher {
	return &Enricher{cache: cache, repo: repo}
}

// Enrich computes the feature vector for one transaction. A failing
// feature source degrades the vector rather than failing the call:
// the missing features are listed and Degraded is set so downstream
// thresholds widen.
func (e *Enricher) Enrich(ctx context.Context, tenantID string, tx *domain.Transaction) (*domain.FeatureVector, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fv := &domain.FeatureVector{
		TxID:       tx.ID,
		TenantID:   tenantID,
		Features:   make(map[string]float64),
		ComputedAt: time.Now().UTC(),
	}

	fv.Features[domain.FeatAmount] = tx.Amount

	e.addVelocityFeatures(ctx, tenantID, tx, fv)
	e.addDeviceFeatures(ctx, tenantID, tx, fv)
	e.addMerchantTier(ctx, tenantID, tx, fv)

	// Country mismatch needs no store.
	mismatch := 0.0
	if tx.Country != "" && tx.UserCountry != "" && tx.Country != tx.UserCountry {
		mismatch = 1.0
	}
	fv.Features[domain.FeatCountryMismatch] = mismatch

	fv.Features[domain.FeatBehavioralScore] = behavioralDiversity(fv)

	if fv.Degraded {
		slog.Warn("enrichment degraded",
			"tenant_id", tenantID,
			"tx_id", tx.ID,
			"missing", fv.Missing,
		)
	}

	return fv, nil
}

// addVelocityFeatures advances the user and device windows and derives
// the amount-to-average ratio from the 24h window.
func (e *Enricher) addVelocityFeatures(ctx context.Context, tenantID string, tx *domain.Transaction, fv *domain.FeatureVector) {
	for _, w := range windows {
		key := "user:" + tx.UserID + ":" + w.suffix
		count, sum, err := e.cache.AddVelocity(ctx, tenantID, key, tx.Amount, w.d)
		if err != nil {
			e.markMissing(fv,
				"user_txn_count_"+w.suffix,
				"user_txn_amount_"+w.suffix,
			)
			continue
		}
		fv.Features["user_txn_count_"+w.suffix] = float64(count)
		fv.Features["user_txn_amount_"+w.suffix] = sum

		// Ratio of this amount to the user's prior 24h average. The
		// returned totals already include the current transaction.
		if w.suffix == "24h" {
			ratio := 1.0
			if count > 1 {
				prevAvg := (sum - tx.Amount) / float64(count-1)
				if prevAvg > 0 {
					ratio = tx.Amount / prevAvg
				}
			}
			fv.Features[domain.FeatAmountToAvgRatio] = ratio
		}
	}

	if tx.DeviceID != "" {
		for _, w := range windows {
			key := "device:" + tx.DeviceID + ":" + w.suffix
			count, sum, err := e.cache.AddVelocity(ctx, tenantID, key, tx.Amount, w.d)
			if err != nil {
				e.markMissing(fv,
					"device_txn_count_"+w.suffix,
					"device_txn_amount_"+w.suffix,
				)
				continue
			}
			fv.Features["device_txn_count_"+w.suffix] = float64(count)
			fv.Features["device_txn_amount_"+w.suffix] = sum
		}
	}
}

// deviceHistory is the cached per-device record backing age and reuse
// features.
type deviceHistory struct {
	FirstSeen time.Time `json:"firstSeen"`
	UserIDs   []string  `json:"userIds"`
}

func (e *Enricher) addDeviceFeatures(ctx context.Context, tenantID string, tx *domain.Transaction, fv *domain.FeatureVector) {
	if tx.DeviceID == "" {
		fv.Features[domain.FeatDeviceAgeDays] = 0
		fv.Features[domain.FeatDeviceReuseCount] = 0
		return
	}

	key := "device:history:" + tx.DeviceID
	now := time.Now().UTC()

	raw, err := e.cache.Get(ctx, tenantID, key)
	if err != nil {
		e.markMissing(fv, domain.FeatDeviceAgeDays, domain.FeatDeviceReuseCount)
		return
	}

	hist := deviceHistory{FirstSeen: now}
	if raw != nil {
		if err := json.Unmarshal(raw, &hist); err != nil {
			hist = deviceHistory{FirstSeen: now}
		}
	}

	seen := false
	for _, id := range hist.UserIDs {
		if id == tx.UserID {
			seen = true
			break
		}
	}
	if !seen {
		hist.UserIDs = append(hist.UserIDs, tx.UserID)
	}

	data, _ := json.Marshal(hist)
	if err := e.cache.Set(ctx, tenantID, key, data, deviceHistoryTTL); err != nil {
		e.markMissing(fv, domain.FeatDeviceAgeDays, domain.FeatDeviceReuseCount)
		return
	}

	fv.Features[domain.FeatDeviceAgeDays] = now.Sub(hist.FirstSeen).Hours() / 24
	fv.Features[domain.FeatDeviceReuseCount] = float64(len(hist.UserIDs))
}

func (e *Enricher) addMerchantTier(ctx context.Context, tenantID string, tx *domain.Transaction, fv *domain.FeatureVector) {
	if tx.MerchantID == "" {
		fv.Features[domain.FeatMerchantRiskTier] = 0
		return
	}

	cacheKey := "merchant:tier:" + tx.MerchantID
	if raw, err := e.cache.Get(ctx, tenantID, cacheKey); err == nil && raw != nil {
		var tier int
		if json.Unmarshal(raw, &tier) == nil {
			fv.Features[domain.FeatMerchantRiskTier] = float64(tier)
			return
		}
	}

	tier, err := e.repo.GetMerchantRiskTier(ctx, tenantID, tx.MerchantID)
	if err != nil {
		e.markMissing(fv, domain.FeatMerchantRiskTier)
		return
	}

	data, _ := json.Marshal(tier)
	_ = e.cache.Set(ctx, tenantID, cacheKey, data, merchantTierTTL)

	fv.Features[domain.FeatMerchantRiskTier] = float64(tier)
}

func (e *Enricher) markMissing(fv *domain.FeatureVector, names ...string) {
	fv.Degraded = true
	fv.Missing = append(fv.Missing, names...)
}

// behavioralDiversity folds device reuse, geography and amount
// deviation into one [0,1] score consumed by the behavioral fusion
// branch.
func behavioralDiversity(fv *domain.FeatureVector) float64 {
	ratio := fv.Get(domain.FeatAmountToAvgRatio, 1)
	amountDev := 0.0
	if ratio > 1 {
		amountDev = (ratio - 1) / 4 // ratio of 5x saturates
		if amountDev > 1 {
			amountDev = 1
		}
	}

	reuse := fv.Get(domain.FeatDeviceReuseCount, 0)
	reuseScore := 0.0
	if reuse > 1 {
		reuseScore = (reuse - 1) / 4 // 5 users on one device saturates
		if reuseScore > 1 {
			reuseScore = 1
		}
	}

	mismatch := fv.Get(domain.FeatCountryMismatch, 0)

	return 0.4*amountDev + 0.3*reuseScore + 0.3*mismatch
}

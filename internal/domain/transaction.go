package domain

import (
	"time"
)

// Transaction represents an incoming transaction to be decided on.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Transaction type (e.g., "purchase", "transfer", "withdrawal")
	Type string `json:"type"`

	// Participating entities
	UserID       string `json:"userId"`
	DeviceID     string `json:"deviceId"`
	MerchantID   string `json:"merchantId"`
	IP           string `json:"ip"`
	InstrumentID string `json:"instrumentId"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Geography and channel
	Country     string `json:"country"`     // country of the transaction
	UserCountry string `json:"userCountry"` // user's home country
	Channel     string `json:"channel"`     // "web", "mobile", "pos", "api"

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional request context (session age, auth method, ...)
	Context map[string]interface{} `json:"context,omitempty"`
}

// DecideRequest is the API request payload for a risk decision.
type DecideRequest struct {
	TenantID     string                 `json:"tenantId" validate:"required"`
	Type         string                 `json:"type" validate:"required"`
	UserID       string                 `json:"userId" validate:"required"`
	DeviceID     string                 `json:"deviceId"`
	MerchantID   string                 `json:"merchantId"`
	IP           string                 `json:"ip"`
	InstrumentID string                 `json:"instrumentId"`
	Amount       Amount                 `json:"amount" validate:"required"`
	Country      string                 `json:"country"`
	UserCountry  string                 `json:"userCountry"`
	Channel      string                 `json:"channel"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// Amount represents a monetary value.
type Amount struct {
	Value    float64 `json:"value" validate:"required,gt=0"`
	Currency string  `json:"currency" validate:"required,len=3"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *DecideRequest) ToTransaction() *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		TenantID:     r.TenantID,
		Type:         r.Type,
		UserID:       r.UserID,
		DeviceID:     r.DeviceID,
		MerchantID:   r.MerchantID,
		IP:           r.IP,
		InstrumentID: r.InstrumentID,
		Amount:       r.Amount.Value,
		Currency:     r.Amount.Currency,
		Country:      r.Country,
		UserCountry:  r.UserCountry,
		Channel:      r.Channel,
		Timestamp:    now,
		CreatedAt:    now,
		Context:      r.Context,
	}
}

// FeatureVector is the enriched feature set computed for a transaction.
// Keys are stable feature names; values are numeric (booleans encode as 0/1).
type FeatureVector struct {
	TxID     string             `json:"txId"`
	TenantID string             `json:"tenantId"`
	Features map[string]float64 `json:"features"`

	// Degraded is set when one or more feature sources were unavailable
	// and the vector is partial. Downstream consumers widen thresholds.
	Degraded bool     `json:"degraded"`
	Missing  []string `json:"missing,omitempty"`

	ComputedAt time.Time `json:"computedAt"`
}

// Get returns a feature value, or the fallback when absent.
func (fv *FeatureVector) Get(name string, fallback float64) float64 {
	if fv == nil || fv.Features == nil {
		return fallback
	}
	if v, ok := fv.Features[name]; ok {
		return v
	}
	return fallback
}

// Canonical feature names produced by enrichment.
const (
	FeatUserTxnCount1m     = "user_txn_count_1m"
	FeatUserTxnCount1h     = "user_txn_count_1h"
	FeatUserTxnCount24h    = "user_txn_count_24h"
	FeatUserTxnAmount1m    = "user_txn_amount_1m"
	FeatUserTxnAmount1h    = "user_txn_amount_1h"
	FeatUserTxnAmount24h   = "user_txn_amount_24h"
	FeatDeviceTxnCount1m   = "device_txn_count_1m"
	FeatDeviceTxnCount1h   = "device_txn_count_1h"
	FeatDeviceTxnCount24h  = "device_txn_count_24h"
	FeatDeviceTxnAmount1m  = "device_txn_amount_1m"
	FeatDeviceTxnAmount1h  = "device_txn_amount_1h"
	FeatDeviceTxnAmount24h = "device_txn_amount_24h"
	FeatAmountToAvgRatio   = "amount_to_avg_ratio"
	FeatCountryMismatch    = "country_mismatch"
	FeatDeviceAgeDays      = "device_age_days"
	FeatDeviceReuseCount   = "device_reuse_count"
	FeatMerchantRiskTier   = "merchant_risk_tier"
	FeatBehavioralScore    = "behavioral_diversity"
	FeatAmount             = "amount"
)

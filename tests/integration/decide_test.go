//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel risk decision engine.
//
// These tests verify the COMPLETE decision pipeline:
//
//	Transaction → Enrichment → Rules/Model/Graph/Anomaly → Fusion → Verdict
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TRANSACTION: A payment event by a user (purchase, transfer, withdrawal)
//
// 2. BRANCH: An independent scoring signal:
//   - rules:      weighted CEL rule hits (sanctions, CTR, structuring, velocity)
//   - model:      opaque model score (baseline heuristic by default)
//   - behavioral: behavioral score from the enriched feature vector
//   - graph:      entity-graph cluster risk (mule ring detection)
//   - anomaly:    statistical outlier score against the tenant baseline
//
// 3. FUSION: Weighted average over the branches that produced a score.
//    Missing branches renormalize the weights instead of counting as zero.
//
// 4. VERDICT: fused > 0.8 → block; fused >= 0.3 → review; else allow.
//    Overrides: a critical rule hit or a flagged dense cluster always blocks.
//
// 5. DEGRADED: A failed branch widens the review band instead of failing
//    the decision. Model loss alone can never cause a block.
//
// The builtin rule set loads automatically when the database has no rules,
// so these tests need no seeding step.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
	}
}

// uniq suffixes an ID with nanoseconds so reruns against a long-lived
// server do not inherit velocity or graph state from earlier runs.
func uniq(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// DecideRequest is the transaction sent to POST /decide
type DecideRequest struct {
	Type        string         `json:"type"`
	UserID      string         `json:"userId"`
	DeviceID    string         `json:"deviceId,omitempty"`
	MerchantID  string         `json:"merchantId,omitempty"`
	Amount      Amount         `json:"amount"`
	Country     string         `json:"country,omitempty"`
	UserCountry string         `json:"userCountry,omitempty"`
	Channel     string         `json:"channel,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type Amount struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

// DecideResponse is what POST /decide returns
type DecideResponse struct {
	DecisionID    string       `json:"decisionId"`
	TxID          string       `json:"txId"`
	Decision      string       `json:"decision"`   // "block", "review" or "allow"
	RiskScore     float64      `json:"risk_score"` // 0.0 to 1.0
	ReasonCodes   []string     `json:"reason_codes"`
	NextActions   []string     `json:"next_actions"`
	Signals       []RiskSignal `json:"signals"`
	LatencyMs     float64      `json:"latency_ms"`
	Degraded      bool         `json:"degraded"`
	CorrelationID string       `json:"correlationId"`
}

type RiskSignal struct {
	Signal    string  `json:"signal"`
	Weight    float64 `json:"weight"`
	Rationale string  `json:"rationale"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func decide(t *testing.T, config TestConfig, req DecideRequest) DecideResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+"/decide", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var result DecideResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}

	return result
}

func hasReason(result DecideResponse, code string) bool {
	for _, rc := range result.ReasonCodes {
		if rc == code {
			return true
		}
	}
	return false
}

// ============================================================================
// SCENARIO 1: Normal Transaction (Allow)
// ============================================================================

func TestNormalTransaction_Allow(t *testing.T) {
	/*
	   SCENARIO: A regular $25 domestic purchase from a fresh user

	   EXPECTED BEHAVIOR:
	   - No builtin rule fires (small amount, domestic, no velocity)
	   - Baseline model score is low
	   - Graph has a single isolated cluster → low graph score
	   - Fused score lands well below the 0.3 review threshold

	   FINAL DECISION: "allow"
	*/
	config := getTestConfig()

	req := DecideRequest{
		Type:        "purchase",
		UserID:      uniq("customer-normal"),
		DeviceID:    uniq("device-normal"),
		Amount:      Amount{Value: 25.00, Currency: "USD"},
		Country:     "US",
		UserCountry: "US",
		Channel:     "web",
	}

	result := decide(t, config, req)

	// ASSERTIONS
	if result.Decision != "allow" {
		t.Errorf("Expected allow, got %s (score %.4f, reasons %v)",
			result.Decision, result.RiskScore, result.ReasonCodes)
	}

	if result.RiskScore > 0.3 {
		t.Errorf("Expected low score (<= 0.3), got %.4f", result.RiskScore)
	}

	if len(result.Signals) == 0 {
		t.Error("Expected contributing signals in the response")
	}

	t.Logf("✓ Normal transaction allowed: decision=%s, score=%.4f", result.Decision, result.RiskScore)
}

// ============================================================================
// SCENARIO 2: CTR Threshold (Currency Transaction Report)
// ============================================================================

func TestCTRThreshold_Boundary(t *testing.T) {
	/*
	   SCENARIO: Transactions at $9,999.99 and $10,000.00 exactly

	   EXPECTED BEHAVIOR:
	   - builtin-ctr-threshold expression is "amount >= 10000.0"
	   - $9,999.99 does NOT fire; $10,000.00 DOES fire
	   - A single medium-severity rule is not enough to block

	   WHY THIS TEST:
	   Boundary conditions catch off-by-one errors in threshold logic,
	   and the CTR boundary is a regulatory constant.
	*/
	config := getTestConfig()

	below := decide(t, config, DecideRequest{
		Type:        "transfer",
		UserID:      uniq("customer-ctr-below"),
		DeviceID:    uniq("device-ctr-below"),
		Amount:      Amount{Value: 9999.99, Currency: "USD"},
		Country:     "US",
		UserCountry: "US",
	})
	if hasReason(below, "CTR_THRESHOLD") {
		t.Errorf("CTR rule must not fire at $9,999.99, reasons: %v", below.ReasonCodes)
	}

	at := decide(t, config, DecideRequest{
		Type:        "transfer",
		UserID:      uniq("customer-ctr-at"),
		DeviceID:    uniq("device-ctr-at"),
		Amount:      Amount{Value: 10000.00, Currency: "USD"},
		Country:     "US",
		UserCountry: "US",
	})
	if at.RiskScore <= below.RiskScore {
		t.Errorf("Expected higher score at the CTR boundary: $10,000 → %.4f vs $9,999.99 → %.4f",
			at.RiskScore, below.RiskScore)
	}
	if at.Decision == "block" {
		t.Errorf("A single CTR hit must not block on its own, got %s", at.Decision)
	}

	t.Logf("✓ CTR boundary: $9,999.99 → %.4f, $10,000 → %.4f (%s)",
		below.RiskScore, at.RiskScore, at.Decision)
}

// ============================================================================
// SCENARIO 3: Structuring (Smurfing) Pattern
// ============================================================================

func TestStructuringPattern_Flagged(t *testing.T) {
	/*
	   SCENARIO: Repeated transfers just under the $10,000 CTR threshold

	   EXPECTED BEHAVIOR:
	   - Each transfer builds the user's 24h velocity counters
	   - builtin-structuring fires once amount ∈ [$9,000, $10,000)
	     AND user_txn_count_24h >= 3
	   - The velocity burst rule compounds the rules-branch score

	   WHY THIS MATTERS:
	   Splitting deposits to stay under reporting thresholds is the
	   classic structuring typology. Single sub-threshold transfers are
	   legitimate; the repetition is the signal.
	*/
	config := getTestConfig()

	userID := uniq("customer-structuring")
	deviceID := uniq("device-structuring")

	var last DecideResponse
	for i := 0; i < 5; i++ {
		last = decide(t, config, DecideRequest{
			Type:        "transfer",
			UserID:      userID,
			DeviceID:    deviceID,
			Amount:      Amount{Value: 9500.00, Currency: "USD"},
			Country:     "US",
			UserCountry: "US",
		})
	}

	if !hasReason(last, "STRUCTURING_PATTERN") {
		t.Errorf("Expected STRUCTURING_PATTERN reason after repeated sub-threshold transfers, got %v",
			last.ReasonCodes)
	}
	if last.Decision == "allow" {
		t.Errorf("Expected repeated structuring to leave the allow band, got %s (score %.4f)",
			last.Decision, last.RiskScore)
	}

	t.Logf("✓ Structuring flagged: decision=%s, score=%.4f, reasons=%v",
		last.Decision, last.RiskScore, last.ReasonCodes)
}

// ============================================================================
// SCENARIO 4: Mule Ring (Shared Device Cluster)
// ============================================================================

func TestMuleRing_Blocked(t *testing.T) {
	/*
	   SCENARIO: Four distinct users transacting through one shared device

	   EXPECTED BEHAVIOR:
	   - Every decided transaction feeds the entity graph
	   - The cluster density crosses the flag threshold with >= 3 users
	     funneling through <= 2 shared nodes
	   - A flagged cluster at or above the size ceiling forces a block,
	     regardless of the fused score

	   WHY THIS MATTERS:
	   Money mule networks funnel many accounts through shared
	   infrastructure. No single transaction looks risky; the topology is
	   the evidence.
	*/
	config := getTestConfig()

	sharedDevice := uniq("device-mule")
	users := []string{uniq("mule-a"), uniq("mule-b"), uniq("mule-c"), uniq("mule-d")}

	// Build the ring: each user transacts twice through the shared device.
	for _, user := range users {
		for i := 0; i < 2; i++ {
			decide(t, config, DecideRequest{
				Type:        "transfer",
				UserID:      user,
				DeviceID:    sharedDevice,
				Amount:      Amount{Value: 50.00, Currency: "USD"},
				Country:     "US",
				UserCountry: "US",
			})
		}
	}

	// One more transaction from inside the ring.
	result := decide(t, config, DecideRequest{
		Type:        "transfer",
		UserID:      users[0],
		DeviceID:    sharedDevice,
		Amount:      Amount{Value: 5000.00, Currency: "USD"},
		Country:     "US",
		UserCountry: "US",
	})

	if result.Decision != "block" {
		t.Errorf("Expected block inside mule ring, got %s (score %.4f, reasons %v)",
			result.Decision, result.RiskScore, result.ReasonCodes)
	}
	if !hasReason(result, "MULE_NETWORK") {
		t.Errorf("Expected MULE_NETWORK reason, got %v", result.ReasonCodes)
	}

	t.Logf("✓ Mule ring blocked: decision=%s, score=%.4f, reasons=%v",
		result.Decision, result.RiskScore, result.ReasonCodes)
}

// ============================================================================
// SCENARIO 5: Cross-Border Mismatch
// ============================================================================

func TestCountryMismatch_ScoresHigher(t *testing.T) {
	/*
	   SCENARIO: The same purchase, domestic vs cross-border

	   EXPECTED BEHAVIOR:
	   - Enrichment sets the country-mismatch feature when the
	     transaction country differs from the user's home country
	   - builtin-country-mismatch contributes a low-severity hit
	   - The cross-border transaction scores strictly higher
	*/
	config := getTestConfig()

	domestic := decide(t, config, DecideRequest{
		Type:        "purchase",
		UserID:      uniq("customer-dom"),
		DeviceID:    uniq("device-dom"),
		Amount:      Amount{Value: 200.00, Currency: "USD"},
		Country:     "US",
		UserCountry: "US",
	})

	crossBorder := decide(t, config, DecideRequest{
		Type:        "purchase",
		UserID:      uniq("customer-xb"),
		DeviceID:    uniq("device-xb"),
		Amount:      Amount{Value: 200.00, Currency: "USD"},
		Country:     "RO",
		UserCountry: "US",
	})

	if crossBorder.RiskScore <= domestic.RiskScore {
		t.Errorf("Expected cross-border to score higher: %.4f vs domestic %.4f",
			crossBorder.RiskScore, domestic.RiskScore)
	}

	t.Logf("✓ Country mismatch: domestic=%.4f, cross-border=%.4f",
		domestic.RiskScore, crossBorder.RiskScore)
}

// ============================================================================
// SCENARIO 6: Input Validation
// ============================================================================

func TestMissingUserID_Error(t *testing.T) {
	/*
	   SCENARIO: Request missing the required userId field

	   EXPECTED: HTTP 400 Bad Request
	*/
	config := getTestConfig()

	req := DecideRequest{
		Type:   "purchase",
		UserID: "", // Missing!
		Amount: Amount{Value: 100, Currency: "USD"},
	}

	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/decide", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing userId, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing userId → HTTP %d", resp.StatusCode)
}

func TestZeroAmount_Error(t *testing.T) {
	/*
	   SCENARIO: Request with zero amount

	   EXPECTED: HTTP 400 Bad Request (amount must be positive)
	*/
	config := getTestConfig()

	req := DecideRequest{
		Type:   "purchase",
		UserID: "customer-001",
		Amount: Amount{Value: 0, Currency: "USD"}, // Invalid!
	}

	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/decide", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero amount, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: zero amount → HTTP %d", resp.StatusCode)
}

func TestMissingTenantHeader_Error(t *testing.T) {
	/*
	   SCENARIO: Request without X-Tenant-ID header

	   EXPECTED: HTTP 400 Bad Request. Tenant ID is validated as a
	   required field, not as authentication.
	*/
	config := getTestConfig()

	req := DecideRequest{
		Type:   "purchase",
		UserID: "customer-001",
		Amount: Amount{Value: 100, Currency: "USD"},
	}

	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/decide", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	// NO X-Tenant-ID header!

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 400 or 401 for missing tenant, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing tenant → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 7: Audit Trail
// ============================================================================

func TestAuditTrail_DecisionRetrievable(t *testing.T) {
	/*
	   SCENARIO: A decided transaction must be retrievable afterwards

	   EXPECTED BEHAVIOR:
	   - POST /decide returns a decisionId
	   - GET /decisions/{id} returns the persisted decision
	   - Audit writes are asynchronous, so allow a short settle window
	*/
	config := getTestConfig()

	result := decide(t, config, DecideRequest{
		Type:        "purchase",
		UserID:      uniq("customer-audit"),
		DeviceID:    uniq("device-audit"),
		Amount:      Amount{Value: 42.00, Currency: "USD"},
		Country:     "US",
		UserCountry: "US",
	})

	client := &http.Client{Timeout: 10 * time.Second}
	var lastStatus int
	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		httpReq, _ := http.NewRequest("GET", config.BaseURL+"/decisions/"+result.DecisionID, nil)
		httpReq.Header.Set("X-Tenant-ID", config.TenantID)

		resp, err := client.Do(httpReq)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		lastStatus = resp.StatusCode
		resp.Body.Close()

		if lastStatus == http.StatusOK {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if lastStatus != http.StatusOK {
		t.Errorf("Expected decision %s to be retrievable, last status %d", result.DecisionID, lastStatus)
	}

	t.Logf("✓ Audit trail: decision %s retrievable", result.DecisionID)
}

// ============================================================================
// SCENARIO 8: Response Metadata Verification
// ============================================================================

func TestResponseMetadata(t *testing.T) {
	/*
	   SCENARIO: Verify response includes all required metadata

	   This ensures the API contract is stable for clients.
	*/
	config := getTestConfig()

	result := decide(t, config, DecideRequest{
		Type:        "purchase",
		UserID:      uniq("customer-metadata"),
		DeviceID:    uniq("device-metadata"),
		Amount:      Amount{Value: 100, Currency: "USD"},
		Country:     "US",
		UserCountry: "US",
	})

	// Verify all required fields are present
	if result.DecisionID == "" {
		t.Error("Missing decisionId")
	}

	if result.TxID == "" {
		t.Error("Missing txId")
	}

	if result.Decision != "block" && result.Decision != "review" && result.Decision != "allow" {
		t.Errorf("Invalid decision: %s (expected block, review or allow)", result.Decision)
	}

	if result.RiskScore < 0 || result.RiskScore > 1 {
		t.Errorf("Risk score out of range: %.4f (expected 0-1)", result.RiskScore)
	}

	if result.CorrelationID == "" {
		t.Error("Missing correlationId")
	}

	if len(result.ReasonCodes) == 0 {
		t.Error("Missing reason codes")
	}

	if len(result.NextActions) == 0 {
		t.Error("Missing next actions")
	}

	// Note: latency can round to 0 for sub-millisecond decisions
	if result.LatencyMs < 0 {
		t.Error("Invalid latency_ms (negative)")
	}

	for _, s := range result.Signals {
		if s.Signal == "" {
			t.Error("Signal missing branch name")
		}
	}

	t.Logf("✓ Metadata complete: decisionId=%s, txId=%s, corrId=%s, latency=%.2fms",
		result.DecisionID[:8], result.TxID[:8], result.CorrelationID[:8], result.LatencyMs)
}

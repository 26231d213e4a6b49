package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func newTestEngine(t *testing.T, eventBus domain.EventBus, screening rules.ScreeningGetter) *engine.Engine {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ruleEngine, _ := rules.NewEngine(screening, 4)
	if err := ruleEngine.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("failed to load builtin rules: %v", err)
	}

	cfg := domain.DefaultDecisionConfig()
	cfg.DecisionDeadline = 2 * time.Second
	cfg.ModelTimeout = 500 * time.Millisecond

	return engine.New(cfg,
		enrich.New(cache.NewLRUCache(10000), repo),
		graph.New(domain.GraphConfig{ShardCount: 16}),
		ruleEngine,
		model.NewScorer(model.NewBaselinePredictor()),
		anomaly.New(),
		audit.New(repo, eventBus),
	)
}

func ingestPayload(t *testing.T, tenantID, userID string, amount float64) []byte {
	t.Helper()
	payload, err := json.Marshal(IngestMessage{
		DecideRequest: domain.DecideRequest{
			TenantID:    tenantID,
			Type:        "purchase",
			UserID:      userID,
			DeviceID:    "device-001",
			Amount:      domain.Amount{Value: amount, Currency: "USD"},
			Country:     "US",
			UserCountry: "US",
			Channel:     "web",
		},
		CorrelationID: "corr-001",
	})
	if err != nil {
		t.Fatalf("failed to marshal ingest message: %v", err)
	}
	return payload
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newTestEngine(t, eventBus, nil))

		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("DecidesIngestedTransaction", func(t *testing.T) {
		w := NewWorker(eventBus, newTestEngine(t, eventBus, nil))

		w.Start(Config{TenantIDs: []string{"tenant-async"}})
		defer w.Stop()

		var decisionReceived atomic.Bool
		var decisionPayload []byte

		eventBus.Subscribe(context.Background(), "tenant-async", domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			decisionPayload = msg.Payload
			decisionReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		err := eventBus.Publish(context.Background(), "tenant-async", domain.TopicTransactionIngested,
			ingestPayload(t, "tenant-async", "user-001", 25.50))
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for decide + async audit publish
		deadline := time.Now().Add(2 * time.Second)
		for !decisionReceived.Load() && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}

		if !decisionReceived.Load() {
			t.Fatal("expected decision to be published")
		}

		var d domain.Decision
		if err := json.Unmarshal(decisionPayload, &d); err != nil {
			t.Fatalf("failed to parse decision: %v", err)
		}
		if d.TenantID != "tenant-async" {
			t.Errorf("expected tenantID 'tenant-async', got '%s'", d.TenantID)
		}
		if d.CorrelationID != "corr-001" {
			t.Errorf("expected correlationID 'corr-001', got '%s'", d.CorrelationID)
		}
		if d.Verdict != domain.VerdictAllow {
			t.Errorf("expected allow for a small clean purchase, got %s", d.Verdict)
		}
	})

	t.Run("BlockPublishesAlert", func(t *testing.T) {
		// Sanctioned user trips the critical screening rule.
		screening := func(ctx context.Context, tenantID, userID string) (bool, bool, error) {
			return userID == "user-sanctioned", false, nil
		}
		w := NewWorker(eventBus, newTestEngine(t, eventBus, screening))

		w.Start(Config{TenantIDs: []string{"tenant-alert"}})
		defer w.Stop()

		var alertReceived atomic.Bool

		eventBus.Subscribe(context.Background(), "tenant-alert", domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			alertReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		eventBus.Publish(context.Background(), "tenant-alert", domain.TopicTransactionIngested,
			ingestPayload(t, "tenant-alert", "user-sanctioned", 100.0))

		deadline := time.Now().Add(2 * time.Second)
		for !alertReceived.Load() && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}

		if !alertReceived.Load() {
			t.Error("expected alert to be published for blocked transaction")
		}
	})

	t.Run("MalformedMessageRejected", func(t *testing.T) {
		w := NewWorker(eventBus, newTestEngine(t, eventBus, nil))

		err := w.processMessage(context.Background(), "tenant-001", &domain.Message{
			ID:      "msg-bad",
			Payload: []byte("not-json"),
		})
		if err == nil {
			t.Error("expected error for malformed payload")
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, newTestEngine(t, eventBus, nil))

		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/agents"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func newTestOrchestrator(t *testing.T, scoring domain.ScoringConfig) *pipeline.Orchestrator {
	t.Helper()

	evaluator, err := rules.NewEvaluator()
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	cfg := domain.DefaultConfig()

	return pipeline.NewOrchestrator(
		agents.NewRuleParser(nil, nil, scoring.DefaultSeverity),
		agents.NewMatcher(evaluator),
		agents.NewBehavioralAgent(cfg.Behavior, nil),
		agents.NewScorer(scoring),
		agents.NewExplainer(nil),
		nil,
	)
}

func ingestedTransaction(id, tenantID, customerID string, amount float64) []byte {
	payload, _ := json.Marshal(&domain.Transaction{
		ID:           id,
		TenantID:     tenantID,
		CustomerID:   customerID,
		Jurisdiction: "US",
		Channel:      "wire",
		Amount:       amount,
		Currency:     "USD",
		Timestamp:    time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	})
	return payload
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	cfg := domain.DefaultConfig()
	orchestrator := newTestOrchestrator(t, cfg.Scoring)

	worker := NewWorker(eventBus, nil, orchestrator, nil, cfg.Behavior)

	t.Run("StartAndStop", func(t *testing.T) {
		err := worker.Start(Config{TenantIDs: []string{"tenant-001"}})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		err = worker.Stop()
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessTransaction", func(t *testing.T) {
		w := NewWorker(eventBus, nil, orchestrator, nil, cfg.Behavior)

		w.Start(Config{TenantIDs: []string{"tenant-test"}})
		defer w.Stop()

		var completedReceived atomic.Bool
		var completedPayload []byte

		eventBus.Subscribe(context.Background(), "tenant-test", domain.TopicAssessmentCompleted, func(ctx context.Context, msg *domain.Message) error {
			completedPayload = msg.Payload
			completedReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		err := eventBus.Publish(context.Background(), "tenant-test", domain.TopicTransactionIngested,
			ingestedTransaction("tx-001", "tenant-test", "cust-001", 500.0))
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		time.Sleep(100 * time.Millisecond)

		if !completedReceived.Load() {
			t.Fatal("expected assessment to be published")
		}

		var assessment domain.RiskAssessment
		if err := json.Unmarshal(completedPayload, &assessment); err != nil {
			t.Fatalf("failed to parse assessment: %v", err)
		}

		if assessment.TxID != "tx-001" {
			t.Errorf("expected txID 'tx-001', got '%s'", assessment.TxID)
		}
		if assessment.TenantID != "tenant-test" {
			t.Errorf("expected tenantID 'tenant-test', got '%s'", assessment.TenantID)
		}
		// No rules and no history: zero score, parsing skipped
		if assessment.Score != 0 {
			t.Errorf("expected score 0, got %.2f", assessment.Score)
		}
		if assessment.Completeness.RuleParsing != domain.SourceSkipped {
			t.Errorf("expected ruleParsing skipped, got %s", assessment.Completeness.RuleParsing)
		}
	})

	t.Run("InvalidTransactionNotRetried", func(t *testing.T) {
		w := NewWorker(eventBus, nil, orchestrator, nil, cfg.Behavior)

		w.Start(Config{TenantIDs: []string{"tenant-bad"}})
		defer w.Stop()

		var completedReceived atomic.Bool
		eventBus.Subscribe(context.Background(), "tenant-bad", domain.TopicAssessmentCompleted, func(ctx context.Context, msg *domain.Message) error {
			completedReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		// Missing customer ID fails validation; the message is dropped
		// without publishing a result.
		eventBus.Publish(context.Background(), "tenant-bad", domain.TopicTransactionIngested,
			ingestedTransaction("tx-bad", "tenant-bad", "", 100.0))

		time.Sleep(100 * time.Millisecond)

		if completedReceived.Load() {
			t.Error("expected no assessment for invalid transaction")
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, nil, orchestrator, nil, cfg.Behavior)

		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

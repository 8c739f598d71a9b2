// Package worker provides async transaction analysis for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Worker analyzes transactions published to the EventBus instead of
// arriving over HTTP. Same pipeline, different front door.
type Worker struct {
	bus          domain.EventBus
	repo         domain.Repository
	orchestrator *pipeline.Orchestrator
	history      *history.Service
	window       time.Duration

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, orchestrator *pipeline.Orchestrator, hist *history.Service, behavior domain.BehaviorConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	window := time.Duration(behavior.WindowSecs) * time.Second
	if window == 0 {
		window = time.Hour
	}
	return &Worker{
		bus:          bus,
		repo:         repo,
		orchestrator: orchestrator,
		history:      hist,
		window:       window,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processTransaction(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processTransaction(ctx, msg.TenantID, msg)
}

// processTransaction runs one ingested transaction through the pipeline.
func (w *Worker) processTransaction(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if tx.TenantID != "" {
		tenantID = tx.TenantID
	}
	tx.TenantID = tenantID

	slog.Debug("processing transaction",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
	)

	// Gather pipeline inputs
	var applicable []*domain.RegulatoryRule
	if w.repo != nil {
		var err error
		applicable, err = w.repo.ListRulesByJurisdiction(ctx, tenantID, tx.Jurisdiction)
		if err != nil {
			slog.Error("failed to list rules",
				"jurisdiction", tx.Jurisdiction,
				"error", err,
			)
		}
	}

	var recent []*domain.Transaction
	if w.history != nil && tx.CustomerID != "" {
		var err error
		recent, err = w.history.Recent(ctx, tenantID, tx.CustomerID, w.window)
		if err != nil {
			slog.Error("failed to load transaction history",
				"customer_id", tx.CustomerID,
				"error", err,
			)
		}
	}

	assessment, err := w.orchestrator.Analyze(ctx, tenantID, &tx, applicable, recent)
	if err != nil {
		// Validation failures are terminal for this message: retrying the
		// same malformed transaction can never succeed.
		slog.Error("analysis rejected transaction",
			"tx_id", tx.ID,
			"error", err,
		)
		return nil
	}

	if w.repo != nil {
		if err := w.repo.SaveTransaction(ctx, tenantID, &tx); err != nil {
			slog.Error("failed to save transaction",
				"tx_id", tx.ID,
				"error", err,
			)
		}
		if err := w.repo.SaveAssessment(ctx, tenantID, assessment); err != nil {
			slog.Error("failed to save assessment",
				"assessment_id", assessment.ID,
				"error", err,
			)
		}
	}

	if w.history != nil {
		if _, err := w.history.Record(ctx, tenantID, tx.CustomerID, w.window); err != nil {
			slog.Warn("failed to record velocity counter",
				"customer_id", tx.CustomerID,
				"error", err,
			)
		}
	}

	// Publish result for downstream consumers
	resultPayload, _ := json.Marshal(assessment)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicAssessmentCompleted, resultPayload); err != nil {
		slog.Error("failed to publish assessment",
			"tx_id", tx.ID,
			"error", err,
		)
	}

	if assessment.AlertLevel == domain.AlertAlert {
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAlert, resultPayload); err != nil {
			slog.Error("failed to publish alert",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	slog.Info("transaction processed",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"severity", assessment.Severity,
		"score", assessment.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

package agents

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/llm"
)

func windowDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}

// BehavioralAgent flags statistical anomalies against a customer's recent
// transaction history. Each heuristic is independent and deterministic;
// the model is only used, optionally, to describe patterns after the fact.
type BehavioralAgent struct {
	cfg       domain.BehaviorConfig
	completer llm.Completer // nil disables descriptions
}

// NewBehavioralAgent creates a behavioral agent. completer may be nil.
func NewBehavioralAgent(cfg domain.BehaviorConfig, completer llm.Completer) *BehavioralAgent {
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = 10
	}
	if cfg.WindowSecs <= 0 {
		cfg.WindowSecs = 3600
	}
	if cfg.StructuringMinCount <= 0 {
		cfg.StructuringMinCount = 3
	}
	if cfg.StructuringRatio <= 0 || cfg.StructuringRatio >= 1 {
		cfg.StructuringRatio = 0.9
	}
	return &BehavioralAgent{cfg: cfg, completer: completer}
}

// Evaluate runs every heuristic over the transaction and its history.
// history is the same customer's recent transactions, supplied by the
// history collaborator; it does not include the current transaction.
func (a *BehavioralAgent) Evaluate(tx *domain.Transaction, history []*domain.Transaction) []domain.BehavioralFlag {
	recent := a.inWindow(tx, history)

	var flags []domain.BehavioralFlag
	if f, ok := a.velocity(tx, recent); ok {
		flags = append(flags, f)
	}
	if f, ok := a.structuring(tx, recent); ok {
		flags = append(flags, f)
	}
	if f, ok := a.geoAnomaly(tx, history); ok {
		flags = append(flags, f)
	}
	return flags
}

// inWindow filters history to the sliding window ending at the transaction.
func (a *BehavioralAgent) inWindow(tx *domain.Transaction, history []*domain.Transaction) []*domain.Transaction {
	cutoff := tx.Timestamp.Add(-windowDuration(a.cfg.WindowSecs))
	var recent []*domain.Transaction
	for _, h := range history {
		if h == nil {
			continue
		}
		if !h.Timestamp.Before(cutoff) && !h.Timestamp.After(tx.Timestamp) {
			recent = append(recent, h)
		}
	}
	return recent
}

// velocity raises when the count of transactions in the window, including
// the current one, reaches the threshold. Confidence grows with exceedance.
func (a *BehavioralAgent) velocity(tx *domain.Transaction, recent []*domain.Transaction) (domain.BehavioralFlag, bool) {
	count := len(recent) + 1
	if count < a.cfg.VelocityThreshold {
		return domain.BehavioralFlag{}, false
	}

	confidence := clamp01(float64(count) / float64(a.cfg.VelocityThreshold*2))
	return domain.BehavioralFlag{
		Type:       domain.FlagVelocity,
		Confidence: confidence,
		Evidence: map[string]interface{}{
			"count":      count,
			"windowSecs": a.cfg.WindowSecs,
			"threshold":  a.cfg.VelocityThreshold,
		},
	}, true
}

// structuring raises when enough transactions in the window sit just under
// the currency's reporting threshold: amounts in [ratio*T, T).
func (a *BehavioralAgent) structuring(tx *domain.Transaction, recent []*domain.Transaction) (domain.BehavioralFlag, bool) {
	threshold, ok := a.cfg.ReportingThresholds[tx.Currency]
	if !ok || threshold <= 0 {
		return domain.BehavioralFlag{}, false
	}

	floor := a.cfg.StructuringRatio * threshold
	count := 0
	if tx.Amount >= floor && tx.Amount < threshold {
		count++
	}
	for _, h := range recent {
		if h.Currency == tx.Currency && h.Amount >= floor && h.Amount < threshold {
			count++
		}
	}

	if count < a.cfg.StructuringMinCount {
		return domain.BehavioralFlag{}, false
	}

	confidence := clamp01(float64(count) / float64(a.cfg.StructuringMinCount*2))
	return domain.BehavioralFlag{
		Type:       domain.FlagStructuring,
		Confidence: confidence,
		Evidence: map[string]interface{}{
			"count":              count,
			"reportingThreshold": threshold,
			"floor":              floor,
			"windowSecs":         a.cfg.WindowSecs,
		},
	}, true
}

// geoAnomaly raises when the counterparty jurisdiction differs from the
// transaction's own and has never appeared in the customer's history. With
// no history there is no pattern to deviate from, so it stays silent.
func (a *BehavioralAgent) geoAnomaly(tx *domain.Transaction, history []*domain.Transaction) (domain.BehavioralFlag, bool) {
	if tx.CounterpartyJurisdiction == "" || tx.CounterpartyJurisdiction == tx.Jurisdiction {
		return domain.BehavioralFlag{}, false
	}
	if len(history) == 0 {
		return domain.BehavioralFlag{}, false
	}

	for _, h := range history {
		if h.CounterpartyJurisdiction == tx.CounterpartyJurisdiction {
			return domain.BehavioralFlag{}, false
		}
	}

	// More history means a stronger established pattern
	confidence := 0.5 + 0.05*float64(len(history))
	if confidence > 0.9 {
		confidence = 0.9
	}

	return domain.BehavioralFlag{
		Type:       domain.FlagGeoAnomaly,
		Confidence: confidence,
		Evidence: map[string]interface{}{
			"counterpartyJurisdiction": tx.CounterpartyJurisdiction,
			"historySize":              len(history),
		},
	}, true
}

// Describe asks the model for one-line pattern descriptions and attaches
// them to the flags in place. A failure leaves the flags untouched; the
// heuristic decision never depends on the model.
func (a *BehavioralAgent) Describe(ctx context.Context, flags []domain.BehavioralFlag) {
	if a.completer == nil || len(flags) == 0 {
		return
	}

	raw, err := a.completer.Complete(ctx, describePrompt(flags))
	if err != nil {
		slog.Debug("behavioral descriptions unavailable", "error", err)
		return
	}

	var payload struct {
		Descriptions map[string]string `json:"descriptions"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	for i := range flags {
		if d, ok := payload.Descriptions[flags[i].Type]; ok {
			flags[i].Description = d
		}
	}
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

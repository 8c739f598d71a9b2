// Package agents implements the transaction analysis agents: rule parsing,
// static matching, behavioral flagging, risk scoring, and explanation.
// Every model-backed agent degrades to a documented deterministic fallback;
// none of them ever fails the pipeline.
package agents

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/llm"
)

// parsedRuleCacheTTL bounds how long a parsed form outlives its source text.
const parsedRuleCacheTTL = 24 * time.Hour

// RuleParser converts a regulatory rule's free text into a ParsedRule.
type RuleParser struct {
	completer       llm.Completer // nil when the model is disabled
	cache           domain.Cache  // nil disables caching
	defaultSeverity int
}

// NewRuleParser creates a parser. completer and cache may be nil.
func NewRuleParser(completer llm.Completer, cache domain.Cache, defaultSeverity int) *RuleParser {
	if defaultSeverity <= 0 {
		defaultSeverity = 50
	}
	return &RuleParser{
		completer:       completer,
		cache:           cache,
		defaultSeverity: defaultSeverity,
	}
}

// parsedRulePayload is the expected model response shape. Unknown keys are
// ignored; missing keys take explicit defaults.
type parsedRulePayload struct {
	Conditions    []domain.RuleCondition `json:"conditions"`
	Thresholds    map[string]float64     `json:"thresholds"`
	SeverityScore *int                   `json:"severity_score"`
	Expression    string                 `json:"expression"`
}

// ParseRule returns the structured form of a rule. It never returns an
// error: any model failure produces the deterministic fallback form so the
// pipeline stays total when the AI dependency is unavailable.
func (p *RuleParser) ParseRule(ctx context.Context, tenantID string, rule *domain.RegulatoryRule) *domain.ParsedRule {
	checksum := rule.Checksum()

	// Previously parsed form attached to the rule, still matching the text
	if rule.Parsed != nil && rule.Parsed.SourceChecksum == checksum {
		return rule.Parsed
	}

	// Cache consult: the key embeds the checksum, so an edited rule text is
	// a guaranteed miss and reparses
	cacheKey := domain.ParsedRuleCacheKey(rule)
	if p.cache != nil {
		if cached, err := p.cache.GetParsedRule(ctx, tenantID, cacheKey); err == nil && cached != nil {
			return cached
		}
	}

	if p.completer == nil {
		return p.fallback(rule, checksum)
	}

	raw, err := p.completer.Complete(ctx, parsePrompt(rule))
	if err != nil {
		slog.Warn("rule parsing fell back",
			"rule_id", rule.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return p.fallback(rule, checksum)
	}

	var payload parsedRulePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Warn("rule parsing returned unusable JSON, falling back",
			"rule_id", rule.ID,
			"error", err,
		)
		return p.fallback(rule, checksum)
	}

	parsed := p.validate(rule, checksum, &payload)

	if p.cache != nil {
		if err := p.cache.SetParsedRule(ctx, tenantID, cacheKey, parsed, parsedRuleCacheTTL); err != nil {
			slog.Debug("parsed rule cache write failed", "rule_id", rule.ID, "error", err)
		}
	}

	return parsed
}

// validate enforces the expected shape: missing fields take explicit
// defaults, unknown operators are dropped, the severity score is clamped.
func (p *RuleParser) validate(rule *domain.RegulatoryRule, checksum string, payload *parsedRulePayload) *domain.ParsedRule {
	conditions := make([]domain.RuleCondition, 0, len(payload.Conditions))
	for _, c := range payload.Conditions {
		if !knownOperator(c.Operator) || c.Field == "" {
			slog.Debug("dropping unusable condition",
				"rule_id", rule.ID,
				"field", c.Field,
				"operator", c.Operator,
			)
			continue
		}
		conditions = append(conditions, c)
	}

	thresholds := payload.Thresholds
	if thresholds == nil {
		thresholds = map[string]float64{}
	}

	severity := p.defaultSeverity
	if payload.SeverityScore != nil {
		severity = *payload.SeverityScore
		if severity < 0 {
			severity = 0
		}
		if severity > 100 {
			severity = 100
		}
	}

	// An authored expression on the rule always wins over a derived one
	expression := rule.Expression
	if expression == "" {
		expression = payload.Expression
	}

	return &domain.ParsedRule{
		RuleID:         rule.ID,
		SourceChecksum: checksum,
		Conditions:     conditions,
		Thresholds:     thresholds,
		SeverityScore:  severity,
		Weight:         rule.Weight,
		Expression:     expression,
		Source:         domain.SourceAI,
	}
}

// fallback synthesizes a ParsedRule from the rule's stored severity label
// alone: no conditions, label-derived severity (default medium when the
// label is absent or unknown).
func (p *RuleParser) fallback(rule *domain.RegulatoryRule, checksum string) *domain.ParsedRule {
	return &domain.ParsedRule{
		RuleID:         rule.ID,
		SourceChecksum: checksum,
		Conditions:     []domain.RuleCondition{},
		Thresholds:     map[string]float64{},
		SeverityScore:  p.severityFromLabel(rule.SeverityLabel),
		Weight:         rule.Weight,
		Expression:     rule.Expression,
		Source:         domain.SourceFallback,
	}
}

func (p *RuleParser) severityFromLabel(label string) int {
	switch label {
	case "low":
		return 25
	case "high":
		return 75
	case "critical":
		return 90
	default:
		// "medium", empty, or unknown
		return p.defaultSeverity
	}
}

// ParseRules parses every rule applicable to the transaction's jurisdiction.
// Each rule parses independently; one failure never blocks the others. The
// returned source is "fallback" when any rule fell back, "ai" when all forms
// are model-derived, and "skipped" when no rule applied.
func (p *RuleParser) ParseRules(ctx context.Context, tenantID string, tx *domain.Transaction, rules []*domain.RegulatoryRule) ([]*domain.ParsedRule, domain.StepSource) {
	var parsed []*domain.ParsedRule
	source := domain.SourceAI
	any := false

	for _, rule := range rules {
		if rule == nil || !rule.Enabled || !rule.AppliesTo(tx.Jurisdiction) {
			continue
		}
		any = true

		pr := p.ParseRule(ctx, tenantID, rule)
		if pr.Source == domain.SourceFallback {
			source = domain.SourceFallback
		}
		parsed = append(parsed, pr)
	}

	if !any {
		return nil, domain.SourceSkipped
	}
	return parsed, source
}

func knownOperator(op string) bool {
	switch op {
	case domain.OpEquals, domain.OpNotEquals, domain.OpGreater, domain.OpGreaterEq,
		domain.OpLess, domain.OpLessEq, domain.OpIn:
		return true
	}
	return false
}

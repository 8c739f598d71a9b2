package agents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Matcher evaluates parsed rules against a transaction. Pure computation:
// no external calls, deterministic for a given input.
type Matcher struct {
	evaluator *rules.Evaluator // for expression-backed rules; may be nil
}

// NewMatcher creates a matcher. evaluator may be nil, in which case
// expression-backed rules are skipped.
func NewMatcher(evaluator *rules.Evaluator) *Matcher {
	return &Matcher{evaluator: evaluator}
}

// Match returns a violation for every rule whose conditions all hold against
// the transaction (conjunctive semantics, evaluated in list order). A rule
// with an expression evaluates it instead. A rule with no expression and no
// conditions never matches.
func (m *Matcher) Match(tx *domain.Transaction, parsed []*domain.ParsedRule) []domain.RuleViolation {
	var violations []domain.RuleViolation

	for _, pr := range parsed {
		if pr == nil {
			continue
		}

		matched, summary := m.matchRule(tx, pr)
		if !matched {
			continue
		}

		violations = append(violations, domain.RuleViolation{
			RuleID:        pr.RuleID,
			Matched:       summary,
			SeverityScore: pr.SeverityScore,
			Weight:        pr.Weight,
		})
	}

	return violations
}

func (m *Matcher) matchRule(tx *domain.Transaction, pr *domain.ParsedRule) (bool, string) {
	if pr.Expression != "" {
		if m.evaluator == nil {
			return false, ""
		}
		ok, err := m.evaluator.Matches(pr.Expression, tx, pr.Thresholds)
		if err != nil {
			slog.Warn("rule expression evaluation failed",
				"rule_id", pr.RuleID,
				"error", err,
			)
			return false, ""
		}
		if !ok {
			return false, ""
		}
		return true, "expression: " + pr.Expression
	}

	if len(pr.Conditions) == 0 {
		return false, ""
	}

	parts := make([]string, 0, len(pr.Conditions))
	for _, c := range pr.Conditions {
		if !evalCondition(tx, c, pr.Thresholds) {
			return false, ""
		}
		parts = append(parts, fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value))
	}

	return true, strings.Join(parts, " AND ")
}

// evalCondition resolves the condition's field on the transaction and
// applies the operator. Unresolvable fields or type mismatches evaluate
// false, so a garbled condition can only suppress a violation, never
// invent one.
func evalCondition(tx *domain.Transaction, c domain.RuleCondition, thresholds map[string]float64) bool {
	switch c.Field {
	case domain.FieldAmount:
		want, ok := numericValue(c.Value, thresholds)
		if !ok {
			return false
		}
		return compareNumeric(tx.Amount, c.Operator, want, c.Value)
	case domain.FieldCurrency:
		return compareString(tx.Currency, c.Operator, c.Value)
	case domain.FieldChannel:
		return compareString(tx.Channel, c.Operator, c.Value)
	case domain.FieldJurisdiction:
		return compareString(tx.Jurisdiction, c.Operator, c.Value)
	case domain.FieldCounterpartyJurisdiction:
		return compareString(tx.CounterpartyJurisdiction, c.Operator, c.Value)
	default:
		return false
	}
}

func compareNumeric(have float64, op string, want float64, raw interface{}) bool {
	switch op {
	case domain.OpEquals:
		return have == want
	case domain.OpNotEquals:
		return have != want
	case domain.OpGreater:
		return have > want
	case domain.OpGreaterEq:
		return have >= want
	case domain.OpLess:
		return have < want
	case domain.OpLessEq:
		return have <= want
	case domain.OpIn:
		vals, ok := raw.([]interface{})
		if !ok {
			return false
		}
		for _, v := range vals {
			if f, ok := toFloat(v); ok && have == f {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compareString(have string, op string, raw interface{}) bool {
	switch op {
	case domain.OpEquals:
		want, ok := raw.(string)
		return ok && strings.EqualFold(have, want)
	case domain.OpNotEquals:
		want, ok := raw.(string)
		return ok && !strings.EqualFold(have, want)
	case domain.OpIn:
		vals, ok := raw.([]interface{})
		if !ok {
			return false
		}
		for _, v := range vals {
			if s, ok := v.(string); ok && strings.EqualFold(have, s) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// numericValue resolves a condition value to a number. A string value names
// a threshold from the parsed rule's threshold map.
func numericValue(raw interface{}, thresholds map[string]float64) (float64, bool) {
	if f, ok := toFloat(raw); ok {
		return f, true
	}
	if name, ok := raw.(string); ok {
		if v, ok := thresholds[name]; ok {
			return v, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

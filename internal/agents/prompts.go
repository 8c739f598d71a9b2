package agents

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// parsePrompt renders the deterministic prompt for structuring a regulatory
// rule. The same rule text always renders the same prompt, so a mocked
// completion yields identical parsed output across calls.
func parsePrompt(rule *domain.RegulatoryRule) string {
	return fmt.Sprintf(`You are a compliance analyst. Convert the regulatory rule below into a machine-evaluable structure.

Rule ID: %s
Jurisdiction: %s
Regulator: %s
Severity label: %s
Rule text: %s

Respond with only a JSON object in this shape:
{
  "conditions": [{"field": "amount|currency|channel|jurisdiction|counterparty_jurisdiction", "operator": "eq|neq|gt|gte|lt|lte|in", "value": <number, string, or list>}],
  "thresholds": {"<name>": <number>},
  "severity_score": <integer 0-100>
}

Conditions combine with AND. Use thresholds for any numeric limits the rule names. Do not include any text outside the JSON object.`,
		rule.ID, rule.Jurisdiction, rule.Regulator, rule.SeverityLabel, rule.Description)
}

// explainPrompt renders the prompt for the natural-language rationale.
func explainPrompt(tx *domain.Transaction, violations []domain.RuleViolation, flags []domain.BehavioralFlag, score float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an AML compliance analyst. Write a short rationale for the risk assessment below.\n\n")
	fmt.Fprintf(&b, "Transaction: %s %.2f via %s in %s, counterparty in %s.\n",
		tx.Currency, tx.Amount, tx.Channel, tx.Jurisdiction, tx.CounterpartyJurisdiction)
	fmt.Fprintf(&b, "Risk score: %.0f/100.\n", score)

	if len(violations) == 0 {
		b.WriteString("Rule violations: none.\n")
	} else {
		b.WriteString("Rule violations:\n")
		for _, v := range violations {
			fmt.Fprintf(&b, "- %s (severity %d): %s\n", v.RuleID, v.SeverityScore, v.Matched)
		}
	}

	if len(flags) == 0 {
		b.WriteString("Behavioral flags: none.\n")
	} else {
		b.WriteString("Behavioral flags:\n")
		for _, f := range flags {
			fmt.Fprintf(&b, "- %s (confidence %.2f)\n", f.Type, f.Confidence)
		}
	}

	b.WriteString(`
Respond with only a JSON object: {"explanation": "<2-4 sentence rationale>"}`)
	return b.String()
}

// describePrompt renders the prompt for optional behavioral flag descriptions.
func describePrompt(flags []domain.BehavioralFlag) string {
	var b strings.Builder
	b.WriteString("Describe each detected transaction pattern in one sentence for a compliance reviewer.\n\nPatterns:\n")
	for _, f := range flags {
		fmt.Fprintf(&b, "- %s (confidence %.2f, evidence %v)\n", f.Type, f.Confidence, f.Evidence)
	}
	b.WriteString(`
Respond with only a JSON object: {"descriptions": {"<pattern type>": "<one sentence>"}}`)
	return b.String()
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RegulatoryRule is a regulatory requirement ingested as free text.
// Owned by the ingestion subsystem; read-only to the analysis pipeline.
type RegulatoryRule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Jurisdiction code the rule applies to ("*" or empty = all)
	Jurisdiction string `json:"jurisdiction"`

	// Regulator that issued the rule (e.g., "FinCEN", "HKMA")
	Regulator string `json:"regulator"`

	// Rule type (e.g., "reporting", "sanctions", "threshold")
	Type string `json:"type"`

	// Free-text description of the requirement
	Description string `json:"description"`

	// Severity label assigned at ingestion ("low", "medium", "high", "critical")
	SeverityLabel string `json:"severityLabel"`

	// Optional authored CEL expression. When present, the matcher evaluates
	// it directly instead of the LLM-derived conditions.
	Expression string `json:"expression,omitempty"`

	// Weight of this rule's violations in the aggregate score
	Weight float64 `json:"weight"`

	EffectiveDate time.Time `json:"effectiveDate"`
	Enabled       bool      `json:"enabled"`

	// Cached structured form, if previously parsed
	Parsed *ParsedRule `json:"parsed,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Checksum returns a hex digest of the rule's description text. The parsed-rule
// cache embeds it in the key, so editing the text invalidates the cached form.
func (r *RegulatoryRule) Checksum() string {
	sum := sha256.Sum256([]byte(r.Description))
	return hex.EncodeToString(sum[:8])
}

// ParsedRule is the machine-evaluable form of a RegulatoryRule.
type ParsedRule struct {
	RuleID string `json:"ruleId"`

	// Checksum of the source description this form was derived from
	SourceChecksum string `json:"sourceChecksum"`

	// Ordered conditions, combined with implicit AND
	Conditions []RuleCondition `json:"conditions"`

	// Named numeric thresholds referenced by the conditions
	Thresholds map[string]float64 `json:"thresholds"`

	// How serious a violation of this rule is, 0-100
	SeverityScore int `json:"severityScore"`

	// Weight copied from the source rule; never model-controlled
	Weight float64 `json:"weight"`

	// Optional derived CEL expression for logic the condition list cannot model
	Expression string `json:"expression,omitempty"`

	// Whether this form came from the model or a deterministic fallback
	Source StepSource `json:"source"`
}

// RuleCondition is a single comparison against a transaction field.
type RuleCondition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// Supported condition operators.
const (
	OpEquals    = "eq"
	OpNotEquals = "neq"
	OpGreater   = "gt"
	OpGreaterEq = "gte"
	OpLess      = "lt"
	OpLessEq    = "lte"
	OpIn        = "in"
)

// Condition fields resolvable against a transaction.
const (
	FieldAmount                   = "amount"
	FieldCurrency                 = "currency"
	FieldChannel                  = "channel"
	FieldJurisdiction             = "jurisdiction"
	FieldCounterpartyJurisdiction = "counterparty_jurisdiction"
)

// AppliesTo reports whether the rule covers the given jurisdiction.
func (r *RegulatoryRule) AppliesTo(jurisdiction string) bool {
	return r.Jurisdiction == "" || r.Jurisdiction == "*" || r.Jurisdiction == jurisdiction
}

package domain

import (
	"time"
)

// Severity buckets an aggregate risk score.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AlertLevel is the operational disposition derived from severity.
type AlertLevel string

const (
	AlertNone   AlertLevel = "NONE"
	AlertReview AlertLevel = "REVIEW"
	AlertAlert  AlertLevel = "ALERT"
)

// StepSource records whether a pipeline step's output is model-derived,
// a deterministic fallback, or was not needed.
type StepSource string

const (
	SourceAI       StepSource = "ai"
	SourceFallback StepSource = "fallback"
	SourceSkipped  StepSource = "skipped"
	SourceStatic   StepSource = "static" // deterministic by design, no model involved
)

// RuleViolation is produced by the static matcher for each matching rule.
// Ephemeral: persisted only inside the owning assessment record.
type RuleViolation struct {
	RuleID string `json:"ruleId"`

	// Human-readable summary of the matched conditions
	Matched string `json:"matched"`

	// Severity contribution of this violation, 0-100
	SeverityScore int `json:"severityScore"`

	// Weight of the rule in aggregation
	Weight float64 `json:"weight"`
}

// Behavioral flag types.
const (
	FlagVelocity    = "velocity"
	FlagStructuring = "structuring"
	FlagGeoAnomaly  = "geo_anomaly"
)

// BehavioralFlag is produced by the behavioral agent. Ephemeral, like
// RuleViolation.
type BehavioralFlag struct {
	Type string `json:"type"`

	// Confidence in [0,1]
	Confidence float64 `json:"confidence"`

	// Supporting evidence (counts, windows, amounts)
	Evidence map[string]interface{} `json:"evidence,omitempty"`

	// Optional model-generated pattern description
	Description string `json:"description,omitempty"`
}

// Completeness indicates which pipeline steps used model output versus a
// documented fallback, so consumers can discount confidence accordingly.
type Completeness struct {
	RuleParsing StepSource `json:"ruleParsing"`
	Matching    StepSource `json:"matching"`
	Behavioral  StepSource `json:"behavioral"`
	Scoring     StepSource `json:"scoring"`
	Explanation StepSource `json:"explanation"`
}

// RiskAssessment is the pipeline's output for one transaction. Created once
// per analysis request; never mutated after creation.
type RiskAssessment struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	TxID     string `json:"txId"`

	// Aggregate risk score on the 0-100 scale
	Score float64 `json:"score"`

	Severity   Severity   `json:"severity"`
	AlertLevel AlertLevel `json:"alertLevel"`

	Explanation string `json:"explanation"`

	Violations []RuleViolation  `json:"violations"`
	Flags      []BehavioralFlag `json:"flags"`

	Completeness Completeness `json:"completeness"`

	Timestamp time.Time          `json:"timestamp"`
	Metadata  AssessmentMetadata `json:"metadata"`
}

// AssessmentMetadata contains processing information.
type AssessmentMetadata struct {
	TraceID       string `json:"traceId"`
	ParsingMs     int64  `json:"parsingMs"`
	MatchingMs    int64  `json:"matchingMs"`
	BehavioralMs  int64  `json:"behavioralMs"`
	TotalMs       int64  `json:"totalMs"`
	RulesParsed   int    `json:"rulesParsed"`
	EngineVersion string `json:"engineVersion"`
}

// AssessmentResponse is the API response for a transaction analysis.
type AssessmentResponse struct {
	AssessmentID string             `json:"assessmentId"`
	TxID         string             `json:"txId"`
	TenantID     string             `json:"tenantId"`
	Score        float64            `json:"score"`
	Severity     Severity           `json:"severity"`
	AlertLevel   AlertLevel         `json:"alertLevel"`
	Explanation  string             `json:"explanation"`
	Reasons      []string           `json:"reasons,omitempty"`
	Completeness Completeness       `json:"completeness"`
	Metadata     AssessmentMetadata `json:"metadata"`
}

// ToResponse converts an assessment to its API form.
func (a *RiskAssessment) ToResponse() *AssessmentResponse {
	var reasons []string
	for _, v := range a.Violations {
		reasons = append(reasons, "rule "+v.RuleID+": "+v.Matched)
	}
	for _, f := range a.Flags {
		reasons = append(reasons, "behavioral: "+f.Type)
	}

	return &AssessmentResponse{
		AssessmentID: a.ID,
		TxID:         a.TxID,
		TenantID:     a.TenantID,
		Score:        a.Score,
		Severity:     a.Severity,
		AlertLevel:   a.AlertLevel,
		Explanation:  a.Explanation,
		Reasons:      reasons,
		Completeness: a.Completeness,
		Metadata:     a.Metadata,
	}
}

// AuditEntry records one pipeline state transition for the audit trail.
type AuditEntry struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	AssessmentID string    `json:"assessmentId"`
	TxID         string    `json:"txId"`
	FromState    string    `json:"fromState"`
	ToState      string    `json:"toState"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

package pipeline

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// State is a stage of one analysis run.
type State string

const (
	StateInitialized State = "INITIALIZED"
	StateRuleParsing State = "RULE_PARSING"
	StateMatching    State = "MATCHING"
	StateBehavioral  State = "BEHAVIORAL"
	StateScoring     State = "SCORING"
	StateExplaining  State = "EXPLAINING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
)

// pipelineState accumulates one request's artifacts. Created fresh per
// Analyze call, exclusively owned by that call's goroutine tree, and
// discarded when the assessment is returned. Never shared across requests.
type pipelineState struct {
	state State

	tx      *domain.Transaction
	parsed  []*domain.ParsedRule
	history []*domain.Transaction

	violations []domain.RuleViolation
	flags      []domain.BehavioralFlag

	score    float64
	severity domain.Severity
	alert    domain.AlertLevel

	explanation  string
	completeness domain.Completeness
}

// Package pipeline sequences the analysis agents into a workflow with
// per-step error isolation: a failing agent degrades its own output to a
// documented fallback instead of aborting the run. Only invalid input
// reaches the FAILED state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/agents"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-pipeline")

// EngineVersion tags assessments with the pipeline revision that produced them.
const EngineVersion = "kestrel-1.0"

// AuditSink records state transitions. The repository implements it; tests
// substitute their own.
type AuditSink interface {
	SaveAuditEntry(ctx context.Context, tenantID string, entry *domain.AuditEntry) error
}

// ValidationError marks a transaction the pipeline refuses to analyze.
// It is the only error Analyze returns.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transaction: %s %s", e.Field, e.Reason)
}

// Orchestrator runs the agent pipeline. All dependencies are injected; the
// orchestrator itself holds no mutable state, so one instance serves
// concurrent requests.
type Orchestrator struct {
	parser     *agents.RuleParser
	matcher    *agents.Matcher
	behavioral *agents.BehavioralAgent
	scorer     *agents.Scorer
	explainer  *agents.Explainer
	audit      AuditSink // may be nil
}

// NewOrchestrator wires the agents into a pipeline. audit may be nil.
func NewOrchestrator(parser *agents.RuleParser, matcher *agents.Matcher, behavioral *agents.BehavioralAgent, scorer *agents.Scorer, explainer *agents.Explainer, audit AuditSink) *Orchestrator {
	return &Orchestrator{
		parser:     parser,
		matcher:    matcher,
		behavioral: behavioral,
		scorer:     scorer,
		explainer:  explainer,
		audit:      audit,
	}
}

// Analyze runs one transaction through the pipeline:
//
//	INITIALIZED -> RULE_PARSING -> MATCHING/BEHAVIORAL (concurrent)
//	            -> SCORING -> EXPLAINING -> COMPLETED
//
// rules are the applicable regulatory rules for the transaction's
// jurisdiction and history the customer's recent transactions, both
// supplied by storage collaborators. The ctx deadline bounds every model
// call; an expired deadline degrades the affected step to its fallback.
func (o *Orchestrator) Analyze(ctx context.Context, tenantID string, tx *domain.Transaction, rules []*domain.RegulatoryRule, history []*domain.Transaction) (*domain.RiskAssessment, error) {
	start := time.Now()
	assessmentID := uuid.New().String()

	ctx, span := tracer.Start(ctx, "pipeline.analyze",
		trace.WithAttributes(
			attribute.String("assessment.id", assessmentID),
			attribute.String("tenant.id", tenantID),
		),
	)
	defer span.End()

	ps := &pipelineState{state: StateInitialized, tx: tx, history: history}
	o.transition(ctx, tenantID, assessmentID, ps, StateInitialized, "")

	if err := validate(tenantID, tx); err != nil {
		o.transition(ctx, tenantID, assessmentID, ps, StateFailed, err.Error())
		return nil, err
	}

	// Rule parsing
	o.transition(ctx, tenantID, assessmentID, ps, StateRuleParsing, "")
	parseStart := time.Now()
	parsed, parseSource := o.parser.ParseRules(ctx, tenantID, tx, rules)
	ps.parsed = parsed
	ps.completeness.RuleParsing = parseSource
	parsingMs := time.Since(parseStart).Milliseconds()

	// Matching and behavioral flagging have no data dependency on each
	// other: fan out, then join before scoring. Each branch owns its own
	// slice in ps, so no locking is needed.
	var wg sync.WaitGroup
	var matchingMs, behavioralMs int64

	wg.Add(2)
	go func() {
		defer wg.Done()
		stepStart := time.Now()
		ps.violations = o.matcher.Match(tx, ps.parsed)
		matchingMs = time.Since(stepStart).Milliseconds()
	}()
	go func() {
		defer wg.Done()
		stepStart := time.Now()
		ps.flags = o.behavioral.Evaluate(tx, history)
		o.behavioral.Describe(ctx, ps.flags)
		behavioralMs = time.Since(stepStart).Milliseconds()
	}()

	o.transition(ctx, tenantID, assessmentID, ps, StateMatching, "")
	o.transition(ctx, tenantID, assessmentID, ps, StateBehavioral, "")
	wg.Wait()

	if ps.completeness.RuleParsing == domain.SourceSkipped {
		ps.completeness.Matching = domain.SourceSkipped
	} else {
		ps.completeness.Matching = domain.SourceStatic
	}
	ps.completeness.Behavioral = domain.SourceStatic

	// Scoring
	o.transition(ctx, tenantID, assessmentID, ps, StateScoring, "")
	ps.score, ps.severity, ps.alert = o.scorer.Score(ps.violations, ps.flags)
	ps.completeness.Scoring = domain.SourceStatic

	// Explanation
	o.transition(ctx, tenantID, assessmentID, ps, StateExplaining, "")
	ps.explanation, ps.completeness.Explanation = o.explainer.Explain(ctx, tx, ps.violations, ps.flags, ps.score)

	o.transition(ctx, tenantID, assessmentID, ps, StateCompleted, "")

	span.SetAttributes(
		attribute.Float64("assessment.score", ps.score),
		attribute.String("assessment.severity", string(ps.severity)),
	)

	return &domain.RiskAssessment{
		ID:           assessmentID,
		TenantID:     tenantID,
		TxID:         tx.ID,
		Score:        ps.score,
		Severity:     ps.severity,
		AlertLevel:   ps.alert,
		Explanation:  ps.explanation,
		Violations:   ps.violations,
		Flags:        ps.flags,
		Completeness: ps.completeness,
		Timestamp:    time.Now().UTC(),
		Metadata: domain.AssessmentMetadata{
			TraceID:       span.SpanContext().TraceID().String(),
			ParsingMs:     parsingMs,
			MatchingMs:    matchingMs,
			BehavioralMs:  behavioralMs,
			TotalMs:       time.Since(start).Milliseconds(),
			RulesParsed:   len(parsed),
			EngineVersion: EngineVersion,
		},
	}, nil
}

// transition advances the state machine and records the step in the audit
// trail. Audit failures are logged, never fatal: the trail is best-effort
// relative to the assessment itself.
func (o *Orchestrator) transition(ctx context.Context, tenantID, assessmentID string, ps *pipelineState, to State, detail string) {
	from := ps.state
	ps.state = to

	if o.audit == nil {
		return
	}

	entry := &domain.AuditEntry{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		AssessmentID: assessmentID,
		FromState:    string(from),
		ToState:      string(to),
		Detail:       detail,
		Timestamp:    time.Now().UTC(),
	}
	if ps.tx != nil {
		entry.TxID = ps.tx.ID
	}

	if err := o.audit.SaveAuditEntry(ctx, tenantID, entry); err != nil {
		slog.Warn("audit entry write failed",
			"assessment_id", assessmentID,
			"to_state", to,
			"error", err,
		)
	}
}

func validate(tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return &ValidationError{Field: "tenantId", Reason: "is required"}
	}
	if tx == nil {
		return &ValidationError{Field: "transaction", Reason: "is required"}
	}
	if tx.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if tx.CustomerID == "" {
		return &ValidationError{Field: "customerId", Reason: "is required"}
	}
	if tx.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if tx.Currency == "" {
		return &ValidationError{Field: "currency", Reason: "is required"}
	}
	return nil
}

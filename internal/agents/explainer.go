package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/llm"
)

// Explainer produces the natural-language rationale for an assessment,
// with a deterministic templated fallback when the model is unavailable.
type Explainer struct {
	completer llm.Completer // nil forces the fallback path
}

// NewExplainer creates an explainer. completer may be nil.
func NewExplainer(completer llm.Completer) *Explainer {
	return &Explainer{completer: completer}
}

// Explain returns the rationale text and whether it came from the model or
// the template. It never returns an error.
func (e *Explainer) Explain(ctx context.Context, tx *domain.Transaction, violations []domain.RuleViolation, flags []domain.BehavioralFlag, score float64) (string, domain.StepSource) {
	if e.completer == nil {
		return fallbackExplanation(violations, flags, score), domain.SourceFallback
	}

	raw, err := e.completer.Complete(ctx, explainPrompt(tx, violations, flags, score))
	if err != nil {
		slog.Warn("explanation fell back", "tx_id", tx.ID, "error", err)
		return fallbackExplanation(violations, flags, score), domain.SourceFallback
	}

	var payload struct {
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || strings.TrimSpace(payload.Explanation) == "" {
		return fallbackExplanation(violations, flags, score), domain.SourceFallback
	}

	return strings.TrimSpace(payload.Explanation), domain.SourceAI
}

// fallbackExplanation builds the documented deterministic rationale from
// the violation and flag lists.
func fallbackExplanation(violations []domain.RuleViolation, flags []domain.BehavioralFlag, score float64) string {
	if len(violations) == 0 && len(flags) == 0 {
		return fmt.Sprintf("No rule violations or behavioral flags detected. Risk score: %.0f/100.", score)
	}

	var reasons []string
	for _, v := range violations {
		reasons = append(reasons, v.RuleID)
	}
	for _, f := range flags {
		reasons = append(reasons, f.Type)
	}

	return fmt.Sprintf("Flagged for: %s. Risk score: %.0f/100.", strings.Join(reasons, ", "), score)
}

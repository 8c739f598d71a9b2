package agents

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scorer combines rule violations and behavioral flags into a single score
// on the configured scale, then buckets it into severity and alert levels.
// The scale, cut points, and flag weights are configuration, not constants.
type Scorer struct {
	cfg domain.ScoringConfig
}

// NewScorer creates a scorer from scoring configuration.
func NewScorer(cfg domain.ScoringConfig) *Scorer {
	if cfg.ScaleMax <= 0 {
		cfg.ScaleMax = 100
	}
	if cfg.MediumCut <= 0 && cfg.HighCut <= 0 && cfg.CriticalCut <= 0 {
		cfg.MediumCut, cfg.HighCut, cfg.CriticalCut = 30, 60, 85
	}
	return &Scorer{cfg: cfg}
}

// Score computes the weighted aggregate. Each violation contributes its
// severity score scaled by the rule weight; each flag contributes
// confidence x flag-type weight on the full scale. The result is the
// weight-normalized average, clamped to [0, ScaleMax]. Zero inputs score
// the floor of the scale.
func (s *Scorer) Score(violations []domain.RuleViolation, flags []domain.BehavioralFlag) (float64, domain.Severity, domain.AlertLevel) {
	var sum, totalWeight float64
	criticalViolation := false

	for _, v := range violations {
		weight := v.Weight
		if weight <= 0 {
			weight = 1.0
		}
		sum += float64(v.SeverityScore) * weight
		totalWeight += weight

		if float64(v.SeverityScore) >= s.cfg.CriticalCut {
			criticalViolation = true
		}
	}

	for _, f := range flags {
		weight := s.flagWeight(f.Type)
		sum += clamp01(f.Confidence) * s.cfg.ScaleMax * weight
		totalWeight += weight
	}

	var score float64
	if totalWeight > 0 {
		score = sum / totalWeight
	}
	if score < 0 {
		score = 0
	}
	if score > s.cfg.ScaleMax {
		score = s.cfg.ScaleMax
	}

	severity := s.severityFor(score)
	alert := s.alertFor(severity, criticalViolation)
	return score, severity, alert
}

// severityFor buckets a score. Comparisons use >=, so a score exactly on a
// cut point takes the higher tier: in AML, false positives are preferred
// over false negatives.
func (s *Scorer) severityFor(score float64) domain.Severity {
	switch {
	case score >= s.cfg.CriticalCut:
		return domain.SeverityCritical
	case score >= s.cfg.HighCut:
		return domain.SeverityHigh
	case score >= s.cfg.MediumCut:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func (s *Scorer) alertFor(severity domain.Severity, criticalViolation bool) domain.AlertLevel {
	if severity == domain.SeverityCritical || criticalViolation {
		return domain.AlertAlert
	}
	if severity == domain.SeverityHigh {
		return domain.AlertReview
	}
	return domain.AlertNone
}

func (s *Scorer) flagWeight(flagType string) float64 {
	if w, ok := s.cfg.FlagWeights[flagType]; ok && w > 0 {
		return w
	}
	return 1.0
}

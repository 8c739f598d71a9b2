package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	orchestrator *pipeline.Orchestrator
	history      *history.Service
	evaluator    *rules.Evaluator
	behavior     domain.BehaviorConfig
	version      string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, orchestrator *pipeline.Orchestrator, hist *history.Service, evaluator *rules.Evaluator, behavior domain.BehaviorConfig, version string) *Handler {
	return &Handler{
		repo:         repo,
		cache:        cache,
		bus:          bus,
		orchestrator: orchestrator,
		history:      hist,
		evaluator:    evaluator,
		behavior:     behavior,
		version:      version,
	}
}

// Analyze handles POST /analyze requests. It runs the transaction through
// the full agent pipeline synchronously and returns the assessment. Agent
// failures degrade to fallbacks inside the pipeline, so the only 4xx here
// is input validation.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	tx := req.ToTransaction()
	tx.ID = uuid.New().String()
	tx.TenantID = tenantID

	window := time.Duration(h.behavior.WindowSecs) * time.Second

	// Gather the pipeline's read-side inputs: applicable rules and the
	// customer's recent history. Either failing is not fatal; the pipeline
	// degrades to what it has.
	var applicable []*domain.RegulatoryRule
	if h.repo != nil {
		var err error
		applicable, err = h.repo.ListRulesByJurisdiction(ctx, tenantID, tx.Jurisdiction)
		if err != nil {
			slog.Error("failed to list rules", "jurisdiction", tx.Jurisdiction, "error", err)
		}
	}

	var recent []*domain.Transaction
	if h.history != nil && tx.CustomerID != "" {
		var err error
		recent, err = h.history.Recent(ctx, tenantID, tx.CustomerID, window)
		if err != nil {
			slog.Error("failed to load transaction history", "customer_id", tx.CustomerID, "error", err)
		}
	}

	assessment, err := h.orchestrator.Analyze(ctx, tenantID, tx, applicable, recent)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": verr.Error(),
			})
			return
		}
		slog.Error("analysis failed", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "analysis failed",
		})
		return
	}

	// Persist transaction and assessment. Best-effort: the caller already
	// has the result.
	if h.repo != nil {
		if err := h.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		}
		if err := h.repo.SaveAssessment(ctx, tenantID, assessment); err != nil {
			slog.Error("failed to save assessment", "assessment_id", assessment.ID, "error", err)
		}
	}

	// Bump the velocity counter for this customer's window
	if h.history != nil {
		if _, err := h.history.Record(ctx, tenantID, tx.CustomerID, window); err != nil {
			slog.Warn("failed to record velocity counter", "customer_id", tx.CustomerID, "error", err)
		}
	}

	h.publishEvents(r, tenantID, assessment)

	writeJSON(w, http.StatusOK, assessment.ToResponse())
}

// publishEvents emits completion and alert events for downstream consumers.
func (h *Handler) publishEvents(r *http.Request, tenantID string, assessment *domain.RiskAssessment) {
	if h.bus == nil {
		return
	}
	ctx := r.Context()

	payload, err := json.Marshal(assessment)
	if err != nil {
		slog.Error("failed to marshal assessment event", "error", err)
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicAssessmentCompleted, payload); err != nil {
		slog.Warn("failed to publish assessment event", "assessment_id", assessment.ID, "error", err)
	}

	if assessment.AlertLevel == domain.AlertAlert {
		if err := h.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
			slog.Warn("failed to publish alert event", "assessment_id", assessment.ID, "error", err)
		}
	}
}

// GetAssessment retrieves an assessment by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	assessmentID := chi.URLParam(r, "id")

	if assessmentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "assessment id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	assessment, err := h.repo.GetAssessment(ctx, tenantID, assessmentID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get assessment", "id", assessmentID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "assessment not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get transaction", "id", txID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// GetAuditTrail retrieves the state transition log for an assessment.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	assessmentID := chi.URLParam(r, "id")

	if assessmentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "assessment id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	entries, err := h.repo.ListAuditEntries(ctx, tenantID, assessmentID)
	if err != nil {
		slog.Error("failed to list audit entries", "assessment_id", assessmentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load audit trail",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessmentId": assessmentID,
		"entries":      entries,
		"count":        len(entries),
	})
}

// CreateRuleRequest is the request body for creating or updating a rule.
type CreateRuleRequest struct {
	ID            string  `json:"id"`
	Jurisdiction  string  `json:"jurisdiction"`
	Regulator     string  `json:"regulator,omitempty"`
	Type          string  `json:"type,omitempty"`
	Description   string  `json:"description"`
	SeverityLabel string  `json:"severityLabel,omitempty"`
	Expression    string  `json:"expression,omitempty"`
	Weight        float64 `json:"weight"`

	// Enabled defaults to true when omitted; rules are ingested live.
	Enabled *bool `json:"enabled,omitempty"`
}

// ListRules returns all enabled rules for the tenant.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	loadedRules, err := h.repo.ListRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get rule", "id", ruleID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule ingests a new regulatory rule. The free-text description is
// what the parser agent works from at analysis time; an optional CEL
// expression is validated here at write time.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	h.upsertRule(w, r, "")
}

// UpdateRule replaces an existing rule. A description edit changes the
// rule's checksum, which invalidates any cached parsed form on the next
// analysis.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}
	h.upsertRule(w, r, ruleID)
}

func (h *Handler) upsertRule(w http.ResponseWriter, r *http.Request, ruleID string) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if ruleID != "" {
		req.ID = ruleID
	}

	if req.ID == "" || req.Description == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and description are required",
		})
		return
	}

	if req.Expression != "" && h.evaluator != nil {
		if err := h.evaluator.Validate(req.Expression); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid expression: " + err.Error(),
			})
			return
		}
	}

	weight := req.Weight
	if weight <= 0 {
		weight = 1.0
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &domain.RegulatoryRule{
		ID:            req.ID,
		TenantID:      tenantID,
		Jurisdiction:  req.Jurisdiction,
		Regulator:     req.Regulator,
		Type:          req.Type,
		Description:   req.Description,
		SeverityLabel: req.SeverityLabel,
		Expression:    req.Expression,
		Weight:        weight,
		EffectiveDate: time.Now().UTC(),
		Enabled:       enabled,
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.SaveRule(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	h.notifyRuleUpdated(ctx, tenantID, rule.ID)

	status := http.StatusCreated
	if ruleID != "" {
		status = http.StatusOK
	}

	slog.Info("rule saved", "id", rule.ID, "jurisdiction", rule.Jurisdiction)
	writeJSON(w, status, rule)
}

// DeleteRule disables a rule. Soft delete: the row stays for audit, the
// rule just stops matching.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.DeleteRule(ctx, tenantID, ruleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		slog.Error("failed to delete rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete rule",
		})
		return
	}

	h.notifyRuleUpdated(ctx, tenantID, ruleID)

	slog.Info("rule disabled", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule disabled",
	})
}

// ReloadRules drops compiled expression programs for rules that are no
// longer active. Parsed forms need no reload: the checksum in the cache
// key invalidates them on the next analysis.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	active, err := h.repo.ListRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules for reload", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules",
		})
		return
	}

	if h.evaluator != nil {
		expressions := make(map[string]bool, len(active))
		for _, rule := range active {
			if rule.Expression != "" {
				expressions[rule.Expression] = true
			}
			if rule.Parsed != nil && rule.Parsed.Expression != "" {
				expressions[rule.Parsed.Expression] = true
			}
		}
		h.evaluator.Purge(expressions)
	}

	slog.Info("rules reloaded", "count", len(active))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(active),
	})
}

func (h *Handler) notifyRuleUpdated(ctx context.Context, tenantID, ruleID string) {
	if h.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"ruleId": ruleID})
	if err := h.bus.Publish(ctx, tenantID, domain.TopicRuleUpdated, payload); err != nil {
		slog.Warn("failed to publish rule update event", "rule_id", ruleID, "error", err)
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

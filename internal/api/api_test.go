package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/opensource-finance/kestrel/internal/agents"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// createTestServer wires a full Community-tier stack with the model
// disabled, so every AI step runs its deterministic fallback.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := domain.DefaultConfig()

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	evaluator, err := rules.NewEvaluator()
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	orchestrator := pipeline.NewOrchestrator(
		agents.NewRuleParser(nil, lru, cfg.Scoring.DefaultSeverity),
		agents.NewMatcher(evaluator),
		agents.NewBehavioralAgent(cfg.Behavior, nil),
		agents.NewScorer(cfg.Scoring),
		agents.NewExplainer(nil),
		repo,
	)

	hist := history.NewService(repo, lru)

	serverCfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(serverCfg, repo, lru, eventBus, orchestrator, hist, evaluator, cfg.Behavior, "test-v1")
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}, tenantID string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestAnalyzeEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulAnalysisNoRules", func(t *testing.T) {
		reqBody := domain.TransactionRequest{
			CustomerID:   "cust-001",
			Jurisdiction: "US",
			Channel:      "wire",
			Amount:       domain.Amount{Value: 1000.50, Currency: "USD"},
			Counterparty: domain.Counterparty{ID: "cp-001", Jurisdiction: "US"},
		}

		rr := doJSON(t, server, http.MethodPost, "/analyze", reqBody, "tenant-001")

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.AssessmentResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.AssessmentID == "" {
			t.Error("expected assessmentId in response")
		}
		if resp.TxID == "" {
			t.Error("expected txId in response")
		}
		if resp.Score != 0 {
			t.Errorf("expected score 0 with no rules and no history, got %.2f", resp.Score)
		}
		if resp.Severity != domain.SeverityLow {
			t.Errorf("expected severity LOW, got %s", resp.Severity)
		}
		if resp.AlertLevel != domain.AlertNone {
			t.Errorf("expected alert level NONE, got %s", resp.AlertLevel)
		}
		// No rules applied, so parsing and matching are skipped
		if resp.Completeness.RuleParsing != domain.SourceSkipped {
			t.Errorf("expected ruleParsing skipped, got %s", resp.Completeness.RuleParsing)
		}
		// Model is disabled, so explanation is the deterministic fallback
		if resp.Completeness.Explanation != domain.SourceFallback {
			t.Errorf("expected explanation fallback, got %s", resp.Completeness.Explanation)
		}
		if resp.Explanation == "" {
			t.Error("expected a fallback explanation")
		}
		if resp.Metadata.EngineVersion == "" {
			t.Error("expected engineVersion in metadata")
		}
	})

	t.Run("ExpressionRuleViolation", func(t *testing.T) {
		// Ingest a rule with an authored expression; the fallback parsed
		// form carries it, so matching works even without the model.
		ruleBody := CreateRuleRequest{
			ID:            "rule-high-value",
			Jurisdiction:  "US",
			Regulator:     "FinCEN",
			Type:          "threshold",
			Description:   "Wire transfers above 10000 USD must be reported",
			SeverityLabel: "high",
			Expression:    `amount > 10000.0 && currency == "USD"`,
			Weight:        1.0,
		}

		rr := doJSON(t, server, http.MethodPost, "/rules", ruleBody, "tenant-001")
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		reqBody := domain.TransactionRequest{
			CustomerID:   "cust-002",
			Jurisdiction: "US",
			Channel:      "wire",
			Amount:       domain.Amount{Value: 15000, Currency: "USD"},
			Counterparty: domain.Counterparty{ID: "cp-002"},
		}

		rr = doJSON(t, server, http.MethodPost, "/analyze", reqBody, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.AssessmentResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if len(resp.Reasons) == 0 {
			t.Fatalf("expected a rule violation reason, got none: %+v", resp)
		}
		// Fallback severity for "high" label is 75 with weight 1.0
		if resp.Score != 75 {
			t.Errorf("expected score 75, got %.2f", resp.Score)
		}
		if resp.Severity != domain.SeverityHigh {
			t.Errorf("expected severity HIGH, got %s", resp.Severity)
		}
		if resp.AlertLevel != domain.AlertReview {
			t.Errorf("expected alert level REVIEW, got %s", resp.AlertLevel)
		}
		if resp.Completeness.RuleParsing != domain.SourceFallback {
			t.Errorf("expected ruleParsing fallback, got %s", resp.Completeness.RuleParsing)
		}
		if resp.Completeness.Matching != domain.SourceStatic {
			t.Errorf("expected matching static, got %s", resp.Completeness.Matching)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/analyze", map[string]string{}, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		reqBody := domain.TransactionRequest{
			CustomerID:   "cust-003",
			Jurisdiction: "US",
			Amount:       domain.Amount{Value: -5, Currency: "USD"},
		}

		rr := doJSON(t, server, http.MethodPost, "/analyze", reqBody, "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for negative amount, got %d", rr.Code)
		}
	})

	t.Run("MissingCustomerID", func(t *testing.T) {
		reqBody := domain.TransactionRequest{
			Jurisdiction: "US",
			Amount:       domain.Amount{Value: 100, Currency: "USD"},
		}

		rr := doJSON(t, server, http.MethodPost, "/analyze", reqBody, "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for missing customerId, got %d", rr.Code)
		}
	})
}

func TestAssessmentRetrieval(t *testing.T) {
	server := createTestServer(t)

	reqBody := domain.TransactionRequest{
		CustomerID:   "cust-010",
		Jurisdiction: "GB",
		Channel:      "ach",
		Amount:       domain.Amount{Value: 500, Currency: "GBP"},
	}

	rr := doJSON(t, server, http.MethodPost, "/analyze", reqBody, "tenant-001")
	if rr.Code != http.StatusOK {
		t.Fatalf("analyze failed: %d %s", rr.Code, rr.Body.String())
	}

	var resp domain.AssessmentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	t.Run("GetAssessment", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/assessments/"+resp.AssessmentID, nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var stored domain.RiskAssessment
		if err := json.Unmarshal(rr.Body.Bytes(), &stored); err != nil {
			t.Fatalf("failed to parse assessment: %v", err)
		}
		if stored.TxID != resp.TxID {
			t.Errorf("expected txId %s, got %s", resp.TxID, stored.TxID)
		}
	})

	t.Run("GetTransaction", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/transactions/"+resp.TxID, nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("GetAuditTrail", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/assessments/"+resp.AssessmentID+"/audit", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var trail struct {
			Entries []domain.AuditEntry `json:"entries"`
			Count   int                 `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &trail); err != nil {
			t.Fatalf("failed to parse audit trail: %v", err)
		}
		if trail.Count == 0 {
			t.Error("expected audit entries for the analysis run")
		}
		last := trail.Entries[len(trail.Entries)-1]
		if last.ToState != "COMPLETED" {
			t.Errorf("expected final state COMPLETED, got %s", last.ToState)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/assessments/"+resp.AssessmentID, nil, "tenant-002")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for other tenant, got %d", rr.Code)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/assessments/missing-id", nil, "tenant-001")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestRuleManagement(t *testing.T) {
	server := createTestServer(t)
	tenantID := "tenant-001"

	rule := CreateRuleRequest{
		ID:            "rule-ctr",
		Jurisdiction:  "US",
		Regulator:     "FinCEN",
		Type:          "reporting",
		Description:   "Cash transactions above 10000 USD require a CTR",
		SeverityLabel: "high",
		Weight:        1.0,
	}

	t.Run("CreateRule", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", rule, tenantID)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CreateRuleInvalidExpression", func(t *testing.T) {
		bad := rule
		bad.ID = "rule-bad"
		bad.Expression = "amount >>>"

		rr := doJSON(t, server, http.MethodPost, "/rules", bad, tenantID)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for broken expression, got %d", rr.Code)
		}
	})

	t.Run("CreateRuleMissingFields", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", CreateRuleRequest{ID: "x"}, tenantID)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for missing description, got %d", rr.Code)
		}
	})

	t.Run("GetRule", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/rules/rule-ctr", nil, tenantID)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var stored domain.RegulatoryRule
		if err := json.Unmarshal(rr.Body.Bytes(), &stored); err != nil {
			t.Fatalf("failed to parse rule: %v", err)
		}
		if stored.Description != rule.Description {
			t.Errorf("description did not round-trip")
		}
	})

	t.Run("ListRules", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/rules", nil, tenantID)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var listing struct {
			Rules []domain.RegulatoryRule `json:"rules"`
			Count int                     `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil {
			t.Fatalf("failed to parse listing: %v", err)
		}
		if listing.Count != 1 {
			t.Errorf("expected 1 rule, got %d", listing.Count)
		}
	})

	t.Run("UpdateRule", func(t *testing.T) {
		updated := rule
		updated.SeverityLabel = "critical"

		rr := doJSON(t, server, http.MethodPut, "/rules/rule-ctr", updated, tenantID)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ReloadRules", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules/reload", nil, tenantID)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("DeleteRule", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/rules/rule-ctr", nil, tenantID)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/rules", nil, tenantID)
		var listing struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil {
			t.Fatalf("failed to parse listing: %v", err)
		}
		if listing.Count != 0 {
			t.Errorf("expected 0 rules after delete, got %d", listing.Count)
		}
	})

	t.Run("DeleteMissingRule", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/rules/nope", nil, tenantID)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %s", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})
}

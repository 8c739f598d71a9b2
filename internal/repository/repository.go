// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, tenant_id, customer_id, jurisdiction, channel,
			amount, currency, counterparty_id, counterparty_jurisdiction,
			timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.CustomerID, tx.Jurisdiction, tx.Channel,
		tx.Amount, tx.Currency, tx.CounterpartyID, tx.CounterpartyJurisdiction,
		tx.Timestamp, tx.CreatedAt, string(metadata),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, customer_id, jurisdiction, channel,
			   amount, currency, counterparty_id, counterparty_jurisdiction,
			   timestamp, created_at, metadata
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.CustomerID, &tx.Jurisdiction, &tx.Channel,
		&tx.Amount, &tx.Currency, &tx.CounterpartyID, &tx.CounterpartyJurisdiction,
		&tx.Timestamp, &tx.CreatedAt, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if metadata != "" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}

	return &tx, nil
}

// GetTransactionsByCustomer retrieves a customer's transactions since a
// point in time, newest first, with tenant isolation.
func (r *SQLRepository) GetTransactionsByCustomer(ctx context.Context, tenantID string, customerID string, since time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, customer_id, jurisdiction, channel,
			   amount, currency, counterparty_id, counterparty_jurisdiction,
			   timestamp, created_at, metadata
		FROM transactions
		WHERE tenant_id = ?
		  AND customer_id = ?
		  AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, customerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var metadata string

		if err := rows.Scan(
			&tx.ID, &tx.TenantID, &tx.CustomerID, &tx.Jurisdiction, &tx.Channel,
			&tx.Amount, &tx.Currency, &tx.CounterpartyID, &tx.CounterpartyJurisdiction,
			&tx.Timestamp, &tx.CreatedAt, &metadata,
		); err != nil {
			return nil, err
		}

		if metadata != "" {
			json.Unmarshal([]byte(metadata), &tx.Metadata)
		}

		transactions = append(transactions, &tx)
	}

	return transactions, rows.Err()
}

// SaveRule stores a regulatory rule with tenant isolation. The cached
// parsed form, if any, is stored alongside; its checksum keeps it honest
// against later text edits.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.RegulatoryRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var parsed []byte
	if rule.Parsed != nil {
		parsed, _ = json.Marshal(rule.Parsed)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO regulatory_rules (
			id, tenant_id, jurisdiction, regulator, rule_type, description,
			severity_label, expression, weight, effective_date, enabled, parsed,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			jurisdiction = excluded.jurisdiction,
			regulator = excluded.regulator,
			rule_type = excluded.rule_type,
			description = excluded.description,
			severity_label = excluded.severity_label,
			expression = excluded.expression,
			weight = excluded.weight,
			effective_date = excluded.effective_date,
			enabled = excluded.enabled,
			parsed = excluded.parsed,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Jurisdiction, rule.Regulator, rule.Type,
		rule.Description, rule.SeverityLabel, rule.Expression, rule.Weight,
		rule.EffectiveDate, enabled, string(parsed),
		now, now,
	)
	return err
}

// GetRule retrieves a regulatory rule with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.RegulatoryRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := ruleSelect + ` WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all enabled rules for a tenant.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.RegulatoryRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := ruleSelect + ` WHERE tenant_id = ? AND enabled = 1 ORDER BY id`
	return r.queryRules(ctx, r.rebind(query), tenantID)
}

// ListRulesByJurisdiction retrieves enabled rules covering a jurisdiction,
// including global ("*") rules.
func (r *SQLRepository) ListRulesByJurisdiction(ctx context.Context, tenantID string, jurisdiction string) ([]*domain.RegulatoryRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := ruleSelect + `
		WHERE tenant_id = ? AND enabled = 1
		  AND (jurisdiction = ? OR jurisdiction = '*' OR jurisdiction = '')
		ORDER BY id
	`
	return r.queryRules(ctx, r.rebind(query), tenantID, jurisdiction)
}

// DeleteRule soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE regulatory_rules
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

const ruleSelect = `
	SELECT id, tenant_id, jurisdiction, regulator, rule_type, description,
		   severity_label, expression, weight, effective_date, enabled, parsed,
		   created_at, updated_at
	FROM regulatory_rules`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*domain.RegulatoryRule, error) {
	var rule domain.RegulatoryRule
	var parsed sql.NullString
	var enabled int

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Jurisdiction, &rule.Regulator, &rule.Type,
		&rule.Description, &rule.SeverityLabel, &rule.Expression, &rule.Weight,
		&rule.EffectiveDate, &enabled, &parsed,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	if parsed.Valid && parsed.String != "" {
		var p domain.ParsedRule
		if json.Unmarshal([]byte(parsed.String), &p) == nil {
			rule.Parsed = &p
		}
	}

	return &rule, nil
}

func (r *SQLRepository) queryRules(ctx context.Context, query string, args ...interface{}) ([]*domain.RegulatoryRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RegulatoryRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// SaveAssessment stores an assessment result with tenant isolation.
func (r *SQLRepository) SaveAssessment(ctx context.Context, tenantID string, a *domain.RiskAssessment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	violations, _ := json.Marshal(a.Violations)
	flags, _ := json.Marshal(a.Flags)
	completeness, _ := json.Marshal(a.Completeness)
	metadata, _ := json.Marshal(a.Metadata)

	query := `
		INSERT INTO assessments (
			id, tenant_id, tx_id, score, severity, alert_level,
			explanation, violations, flags, completeness, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.TxID, a.Score, string(a.Severity), string(a.AlertLevel),
		a.Explanation, string(violations), string(flags), string(completeness),
		a.Timestamp, string(metadata),
	)
	return err
}

// GetAssessment retrieves an assessment by ID with tenant isolation.
func (r *SQLRepository) GetAssessment(ctx context.Context, tenantID string, assessmentID string) (*domain.RiskAssessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, score, severity, alert_level,
			   explanation, violations, flags, completeness, timestamp, metadata
		FROM assessments
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.RiskAssessment
	var severity, alertLevel string
	var violations, flags, completeness, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, assessmentID).Scan(
		&a.ID, &a.TenantID, &a.TxID, &a.Score, &severity, &alertLevel,
		&a.Explanation, &violations, &flags, &completeness, &a.Timestamp, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Severity = domain.Severity(severity)
	a.AlertLevel = domain.AlertLevel(alertLevel)
	json.Unmarshal([]byte(violations), &a.Violations)
	json.Unmarshal([]byte(flags), &a.Flags)
	json.Unmarshal([]byte(completeness), &a.Completeness)
	json.Unmarshal([]byte(metadata), &a.Metadata)

	return &a, nil
}

// SaveAuditEntry appends a pipeline state transition to the audit trail.
func (r *SQLRepository) SaveAuditEntry(ctx context.Context, tenantID string, entry *domain.AuditEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO audit_log (
			id, tenant_id, assessment_id, tx_id, from_state, to_state, detail, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, tenantID, entry.AssessmentID, entry.TxID,
		entry.FromState, entry.ToState, entry.Detail, entry.Timestamp,
	)
	return err
}

// ListAuditEntries returns an assessment's state transitions in order.
func (r *SQLRepository) ListAuditEntries(ctx context.Context, tenantID string, assessmentID string) ([]*domain.AuditEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, assessment_id, tx_id, from_state, to_state, detail, timestamp
		FROM audit_log
		WHERE tenant_id = ? AND assessment_id = ?
		ORDER BY timestamp
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.AssessmentID, &e.TxID,
			&e.FromState, &e.ToState, &e.Detail, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

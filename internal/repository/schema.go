package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    jurisdiction TEXT NOT NULL,
    channel TEXT,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    counterparty_id TEXT,
    counterparty_jurisdiction TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(tenant_id, customer_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(tenant_id, timestamp);
`

const schemaRegulatoryRules = `
CREATE TABLE IF NOT EXISTS regulatory_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    jurisdiction TEXT NOT NULL,
    regulator TEXT,
    rule_type TEXT,
    description TEXT NOT NULL,
    severity_label TEXT,
    expression TEXT,
    weight REAL NOT NULL DEFAULT 1.0,
    effective_date TIMESTAMP,
    enabled INTEGER NOT NULL DEFAULT 1,
    parsed TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rules_tenant ON regulatory_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rules_jurisdiction ON regulatory_rules(tenant_id, jurisdiction);
CREATE INDEX IF NOT EXISTS idx_rules_enabled ON regulatory_rules(tenant_id, enabled);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    score REAL NOT NULL,
    severity TEXT NOT NULL,
    alert_level TEXT NOT NULL,
    explanation TEXT,
    violations TEXT NOT NULL,
    flags TEXT NOT NULL,
    completeness TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_tenant ON assessments(tenant_id);
CREATE INDEX IF NOT EXISTS idx_assessments_tx ON assessments(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_assessments_severity ON assessments(tenant_id, severity);
CREATE INDEX IF NOT EXISTS idx_assessments_timestamp ON assessments(tenant_id, timestamp);
`

const schemaAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    assessment_id TEXT NOT NULL,
    tx_id TEXT,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    detail TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_assessment ON audit_log(tenant_id, assessment_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(tenant_id, timestamp);
`

// AllSchemas returns every table definition in migration order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRegulatoryRules,
		schemaAssessments,
		schemaAuditLog,
	}
}

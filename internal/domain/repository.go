// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. The pipeline never
// issues SQL directly; it only sees this interface. All methods require
// tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	GetTransactionsByCustomer(ctx context.Context, tenantID string, customerID string, since time.Time) ([]*Transaction, error)

	// Regulatory rule operations
	SaveRule(ctx context.Context, tenantID string, rule *RegulatoryRule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*RegulatoryRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*RegulatoryRule, error)
	ListRulesByJurisdiction(ctx context.Context, tenantID string, jurisdiction string) ([]*RegulatoryRule, error)
	DeleteRule(ctx context.Context, tenantID string, ruleID string) error

	// Assessment results
	SaveAssessment(ctx context.Context, tenantID string, assessment *RiskAssessment) error
	GetAssessment(ctx context.Context, tenantID string, assessmentID string) (*RiskAssessment, error)

	// Audit trail
	SaveAuditEntry(ctx context.Context, tenantID string, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, tenantID string, assessmentID string) ([]*AuditEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost" json:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort" json:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser" json:"postgresUser"`
	PostgresPassword string `yaml:"-" json:"-"`
	PostgresDB       string `yaml:"postgresDb" json:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns" json:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" json:"connMaxLifetime"`
}

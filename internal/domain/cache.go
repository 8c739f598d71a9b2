package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. Supports two-phase
// caching: local LRU (Community) + Redis (Pro). All methods require tenantID
// for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetParsedRule retrieves a cached parsed rule by its checksum-embedding key.
	GetParsedRule(ctx context.Context, tenantID string, key string) (*ParsedRule, error)

	// SetParsedRule caches a parsed rule under its checksum-embedding key.
	SetParsedRule(ctx context.Context, tenantID string, key string, parsed *ParsedRule, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns the new
	// value. Used for the velocity fast path (transaction count per window).
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ParsedRuleCacheKey builds the cache key for a rule's parsed form. The key
// embeds the description checksum, so a text change is a guaranteed miss and
// the stale entry simply ages out by TTL.
func ParsedRuleCacheKey(rule *RegulatoryRule) string {
	return "parsedrule:" + rule.ID + ":" + rule.Checksum()
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type" json:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int `yaml:"localMaxSize" json:"localMaxSize"`
	LocalTTL     int `yaml:"localTtl" json:"localTtl"` // seconds

	// Redis settings (Pro tier)
	RedisAddr     string `yaml:"redisAddr" json:"redisAddr"`
	RedisPassword string `yaml:"-" json:"-"`
	RedisDB       int    `yaml:"redisDb" json:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `yaml:"enableTwoPhase" json:"enableTwoPhase"`
}

// Package history supplies a customer's recent transactions to the
// behavioral agent.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service reads recent transaction history through the repository, with an
// optional cache-backed counter fast path for velocity checks.
type Service struct {
	repo  domain.Repository
	cache domain.Cache // may be nil
}

// NewService creates a history service. cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// Recent returns the customer's transactions inside the window ending now,
// newest first.
func (s *Service) Recent(ctx context.Context, tenantID, customerID string, window time.Duration) ([]*domain.Transaction, error) {
	if tenantID == "" || customerID == "" {
		return nil, fmt.Errorf("tenantID and customerID are required")
	}
	if s.repo == nil {
		return nil, fmt.Errorf("no data source available")
	}

	since := time.Now().Add(-window)
	txs, err := s.repo.GetTransactionsByCustomer(ctx, tenantID, customerID, since)
	if err != nil {
		return nil, fmt.Errorf("get transactions: %w", err)
	}
	return txs, nil
}

// Record bumps the customer's windowed transaction counter and returns the
// new count. Backed by the cache's atomic counter (Redis in Pro tier), so
// the count stays accurate across nodes. With no cache it is a no-op.
func (s *Service) Record(ctx context.Context, tenantID, customerID string, window time.Duration) (int64, error) {
	if s.cache == nil {
		return 0, nil
	}
	key := fmt.Sprintf("velocity:%s:%d", customerID, int(window.Seconds()))
	return s.cache.IncrementCounter(ctx, tenantID, key, window)
}

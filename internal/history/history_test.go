package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	f, err := os.CreateTemp("", "kestrel-history-*.db")
	require.NoError(t, err)
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: f.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func saveTx(t *testing.T, repo domain.Repository, tenantID, customerID string, age time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	err := repo.SaveTransaction(context.Background(), tenantID, &domain.Transaction{
		ID:           "tx-" + tenantID + "-" + customerID + "-" + age.String(),
		TenantID:     tenantID,
		CustomerID:   customerID,
		Jurisdiction: "US",
		Channel:      "wire",
		Amount:       100,
		Currency:     "USD",
		Timestamp:    now.Add(-age),
		CreatedAt:    now,
	})
	require.NoError(t, err)
}

func TestRecent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	svc := NewService(repo, nil)

	saveTx(t, repo, "tenant-001", "cust-001", 10*time.Minute)
	saveTx(t, repo, "tenant-001", "cust-001", 30*time.Minute)
	saveTx(t, repo, "tenant-001", "cust-001", 2*time.Hour)
	saveTx(t, repo, "tenant-001", "cust-other", 5*time.Minute)
	saveTx(t, repo, "tenant-other", "cust-001", 5*time.Minute)

	t.Run("WindowFilter", func(t *testing.T) {
		txs, err := svc.Recent(ctx, "tenant-001", "cust-001", time.Hour)
		require.NoError(t, err)
		assert.Len(t, txs, 2)
	})

	t.Run("NewestFirst", func(t *testing.T) {
		txs, err := svc.Recent(ctx, "tenant-001", "cust-001", 3*time.Hour)
		require.NoError(t, err)
		require.Len(t, txs, 3)
		for i := 1; i < len(txs); i++ {
			assert.False(t, txs[i].Timestamp.After(txs[i-1].Timestamp))
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		txs, err := svc.Recent(ctx, "tenant-other", "cust-001", time.Hour)
		require.NoError(t, err)
		assert.Len(t, txs, 1)
	})

	t.Run("UnknownCustomer", func(t *testing.T) {
		txs, err := svc.Recent(ctx, "tenant-001", "cust-none", time.Hour)
		require.NoError(t, err)
		assert.Empty(t, txs)
	})

	t.Run("RequiresIdentifiers", func(t *testing.T) {
		_, err := svc.Recent(ctx, "", "cust-001", time.Hour)
		assert.Error(t, err)

		_, err = svc.Recent(ctx, "tenant-001", "", time.Hour)
		assert.Error(t, err)
	})

	t.Run("NoRepository", func(t *testing.T) {
		bare := NewService(nil, nil)
		_, err := bare.Recent(ctx, "tenant-001", "cust-001", time.Hour)
		assert.Error(t, err)
	})
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("CounterIncrements", func(t *testing.T) {
		lru := cache.NewLRUCache(100)
		defer lru.Close()

		svc := NewService(nil, lru)

		for want := int64(1); want <= 3; want++ {
			got, err := svc.Record(ctx, "tenant-001", "cust-001", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("PerCustomerCounters", func(t *testing.T) {
		lru := cache.NewLRUCache(100)
		defer lru.Close()

		svc := NewService(nil, lru)

		svc.Record(ctx, "tenant-001", "cust-a", time.Hour)
		svc.Record(ctx, "tenant-001", "cust-a", time.Hour)
		got, err := svc.Record(ctx, "tenant-001", "cust-b", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	})

	t.Run("NoCacheNoop", func(t *testing.T) {
		svc := NewService(nil, nil)
		got, err := svc.Record(ctx, "tenant-001", "cust-001", time.Hour)
		require.NoError(t, err)
		assert.Zero(t, got)
	})
}

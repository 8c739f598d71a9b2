package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func sampleTx() *domain.Transaction {
	return &domain.Transaction{
		ID:                       "tx-001",
		CustomerID:               "cust-001",
		Jurisdiction:             "US",
		Channel:                  "wire",
		Amount:                   15000,
		Currency:                 "USD",
		CounterpartyID:           "cp-001",
		CounterpartyJurisdiction: "KY",
	}
}

func TestMatches(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"AmountThreshold", `amount > 10000.0`, true},
		{"AmountBelow", `amount > 20000.0`, false},
		{"CurrencyEquality", `currency == "USD"`, true},
		{"Conjunction", `amount > 10000.0 && currency == "USD"`, true},
		{"Disjunction", `channel == "cash" || channel == "wire"`, true},
		{"CounterpartyList", `counterparty_jurisdiction in ["IR", "KP", "KY"]`, true},
		{"TxMapAccess", `tx.customer_id == "cust-001"`, true},
		{"NumericResultTruthy", `amount / 1000.0`, true},
		{"NumericResultFalsy", `amount - 15000.0`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Matches(tc.expr, sampleTx(), nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("ThresholdVariables", func(t *testing.T) {
		thresholds := map[string]float64{"reporting": 10000}

		got, err := e.Matches(`amount >= thresholds["reporting"]`, sampleTx(), thresholds)
		require.NoError(t, err)
		assert.True(t, got)

		got, err = e.Matches(`amount < thresholds["reporting"]`, sampleTx(), thresholds)
		require.NoError(t, err)
		assert.False(t, got)
	})

	t.Run("MissingThresholdKeyErrors", func(t *testing.T) {
		_, err := e.Matches(`amount > thresholds["absent"]`, sampleTx(), nil)
		assert.Error(t, err)
	})

	t.Run("CompileErrorPropagates", func(t *testing.T) {
		_, err := e.Matches(`amount >>> 5`, sampleTx(), nil)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	t.Run("ValidExpression", func(t *testing.T) {
		assert.NoError(t, e.Validate(`amount > 10000.0 && currency == "USD"`))
	})

	t.Run("SyntaxError", func(t *testing.T) {
		assert.Error(t, e.Validate(`amount >`))
	})

	t.Run("UnknownVariable", func(t *testing.T) {
		assert.Error(t, e.Validate(`account_age > 30`))
	})

	t.Run("NonScalarResultRejected", func(t *testing.T) {
		assert.Error(t, e.Validate(`currency`))
	})

	t.Run("ValidateDoesNotCache", func(t *testing.T) {
		expr := `amount > 1.0`
		require.NoError(t, e.Validate(expr))

		e.mu.RLock()
		_, cached := e.programs[expr]
		e.mu.RUnlock()
		assert.False(t, cached)
	})
}

func TestProgramCache(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	expr := `amount > 10000.0`
	_, err = e.Matches(expr, sampleTx(), nil)
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.programs[expr]
	e.mu.RUnlock()
	require.True(t, cached)

	t.Run("PurgeDropsInactive", func(t *testing.T) {
		other := `currency == "EUR"`
		_, err := e.Matches(other, sampleTx(), nil)
		require.NoError(t, err)

		e.Purge(map[string]bool{expr: true})

		e.mu.RLock()
		_, keptActive := e.programs[expr]
		_, keptInactive := e.programs[other]
		e.mu.RUnlock()

		assert.True(t, keptActive)
		assert.False(t, keptInactive)
	})

	t.Run("ConcurrentEvaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := e.Matches(`amount > 10000.0 && channel == "wire"`, sampleTx(), nil)
				assert.NoError(t, err)
				assert.True(t, got)
			}()
		}
		wg.Wait()
	})
}

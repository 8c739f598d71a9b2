// Package rules provides the CEL-Go expression evaluator used by the static
// matcher for rules that carry an authored or derived CEL expression.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator compiles and evaluates rule expressions against transactions.
// Compiled programs are cached per expression text; evaluation is pure.
type Evaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewEvaluator creates an evaluator with the transaction variable set.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("jurisdiction", cel.StringType),
		cel.Variable("counterparty_jurisdiction", cel.StringType),
		cel.Variable("thresholds", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles an expression without caching it. Used by the rule
// ingestion API to reject broken expressions at write time.
func (e *Evaluator) Validate(expr string) error {
	_, err := e.compile(expr)
	return err
}

// Matches evaluates an expression against a transaction. A bool result
// matches when true; a numeric result matches when >= 1.
func (e *Evaluator) Matches(expr string, tx *domain.Transaction, thresholds map[string]float64) (bool, error) {
	program, err := e.program(expr)
	if err != nil {
		return false, err
	}

	if thresholds == nil {
		thresholds = map[string]float64{}
	}

	activation := map[string]any{
		"tx": map[string]any{
			"id":                        tx.ID,
			"customer_id":               tx.CustomerID,
			"channel":                   tx.Channel,
			"amount":                    tx.Amount,
			"currency":                  tx.Currency,
			"jurisdiction":              tx.Jurisdiction,
			"counterparty_id":           tx.CounterpartyID,
			"counterparty_jurisdiction": tx.CounterpartyJurisdiction,
		},
		"amount":                    tx.Amount,
		"currency":                  tx.Currency,
		"channel":                   tx.Channel,
		"jurisdiction":              tx.Jurisdiction,
		"counterparty_jurisdiction": tx.CounterpartyJurisdiction,
		"thresholds":                thresholds,
	}

	out, _, err := program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	return toBool(out), nil
}

// program returns a cached compiled program, compiling on first use.
func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	p, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expr] = p
	e.mu.Unlock()
	return p, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("expression must return bool, int, or double, got %s", outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}
	return program, nil
}

func toBool(val ref.Val) bool {
	switch v := val.(type) {
	case types.Bool:
		return bool(v)
	case types.Double:
		return float64(v) >= 1.0
	case types.Int:
		return int64(v) >= 1
	default:
		return false
	}
}

// Purge drops cached programs no longer referenced by active rules.
// Called after a hot reload.
func (e *Evaluator) Purge(active map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for expr := range e.programs {
		if !active[expr] {
			delete(e.programs, expr)
		}
	}
}

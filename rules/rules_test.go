package rules

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/crossrate/tradecap/protocol"
)

func testRepo(t *testing.T) *Repository {
	var db, err = sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewRepository(db)
	require.NoError(t, err)
	return repo
}

func tradeData() map[string]any {
	return map[string]any{
		"trade": map[string]any{
			"source":   "AUTOMATED",
			"notional": 1500000.0,
			"account":  "ACC1",
		},
		"security": map[string]any{
			"currency": "USD",
		},
	}
}

func TestCriterionOperators(t *testing.T) {
	var data = tradeData()
	var cases = []struct {
		criterion Criterion
		expect    bool
	}{
		{Criterion{Field: "trade.source", Operator: OpEquals, Value: "AUTOMATED"}, true},
		{Criterion{Field: "trade.source", Operator: OpNotEquals, Value: "MANUAL"}, true},
		{Criterion{Field: "trade.notional", Operator: OpGreaterThan, Value: "1000000"}, true},
		{Criterion{Field: "trade.notional", Operator: OpGreaterThanOrEqual, Value: "1500000"}, true},
		{Criterion{Field: "trade.notional", Operator: OpLessThan, Value: "1000000"}, false},
		{Criterion{Field: "trade.notional", Operator: OpLessThanOrEqual, Value: "1500000"}, true},
		{Criterion{Field: "security.currency", Operator: OpExists}, true},
		{Criterion{Field: "security.rating", Operator: OpExists}, false},
		{Criterion{Field: "security.rating", Operator: OpNotExists}, true},
		{Criterion{Field: "missing.path.deep", Operator: OpEquals, Value: "x"}, false},
	}
	for i, tc := range cases {
		require.Equal(t, tc.expect, evalCriterion(tc.criterion, data), "case %d", i)
	}
}

func TestCriteriaCombineLeftToRight(t *testing.T) {
	var data = tradeData()

	// false OR true => true.
	var rule = Rule{ID: "r", Type: TypeEconomic, Enabled: true, Criteria: []Criterion{
		{Field: "trade.source", Operator: OpEquals, Value: "MANUAL"},
		{Field: "security.currency", Operator: OpEquals, Value: "USD", LogicalOperator: LogicalOr},
	}}
	require.True(t, rule.Matches(data))

	// true AND false => false (AND is the default join).
	rule.Criteria = []Criterion{
		{Field: "trade.source", Operator: OpEquals, Value: "AUTOMATED"},
		{Field: "security.currency", Operator: OpEquals, Value: "EUR"},
	}
	require.False(t, rule.Matches(data))

	// No criteria matches everything.
	rule.Criteria = nil
	require.True(t, rule.Matches(data))
}

func TestWorkflowFirstMatchWins(t *testing.T) {
	var repo = testRepo(t)
	var ctx = context.Background()

	require.NoError(t, repo.Put(ctx, Rule{
		ID: "wf-low-priority-reject", Type: TypeWorkflow, Enabled: true, Priority: 20,
		Actions: []Action{{Type: ActionSetWorkflowStatus, Value: "REJECTED"}},
	}))
	require.NoError(t, repo.Put(ctx, Rule{
		ID: "wf-auto-approve", Type: TypeWorkflow, Enabled: true, Priority: 10,
		Criteria: []Criterion{{Field: "trade.source", Operator: OpEquals, Value: "AUTOMATED"}},
		Actions:  []Action{{Type: ActionSetWorkflowStatus, Value: "APPROVED"}},
	}))
	require.NoError(t, repo.Put(ctx, Rule{
		ID: "econ-all-match", Type: TypeEconomic, Enabled: true, Priority: 1,
	}))

	var engine = NewEngine(repo)
	var blotter = protocol.SwapBlotter{WorkflowStatus: protocol.WorkflowPendingApproval}
	applied, err := engine.Evaluate(ctx, tradeData(), &blotter)
	require.NoError(t, err)

	// Economic first, then only the first matching workflow rule.
	require.Equal(t, []string{"econ-all-match", "wf-auto-approve"}, applied)
	require.Equal(t, protocol.WorkflowApproved, blotter.WorkflowStatus)
}

func TestUnknownActionsAreSkipped(t *testing.T) {
	var repo = testRepo(t)
	var ctx = context.Background()

	require.NoError(t, repo.Put(ctx, Rule{
		ID: "future", Type: TypeNonEconomic, Enabled: true,
		Actions: []Action{{Type: "SET_SETTLEMENT_VENUE", Value: "X"}},
	}))

	var blotter = protocol.SwapBlotter{WorkflowStatus: protocol.WorkflowPendingApproval}
	applied, err := NewEngine(repo).Evaluate(ctx, tradeData(), &blotter)
	require.NoError(t, err)
	require.Equal(t, []string{"future"}, applied)
	require.Equal(t, protocol.WorkflowPendingApproval, blotter.WorkflowStatus)
}

func TestEngineCacheInvalidatesOnMutation(t *testing.T) {
	var repo = testRepo(t)
	var ctx = context.Background()
	var engine = NewEngine(repo)

	applied, err := engine.Evaluate(ctx, tradeData(), &protocol.SwapBlotter{})
	require.NoError(t, err)
	require.Empty(t, applied)

	require.NoError(t, repo.Put(ctx, Rule{ID: "r1", Type: TypeEconomic, Enabled: true}))

	applied, err = engine.Evaluate(ctx, tradeData(), &protocol.SwapBlotter{})
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, applied)

	// Disabled rules drop out after the next mutation-triggered reload.
	require.NoError(t, repo.Put(ctx, Rule{ID: "r1", Type: TypeEconomic, Enabled: false}))
	applied, err = engine.Evaluate(ctx, tradeData(), &protocol.SwapBlotter{})
	require.NoError(t, err)
	require.Empty(t, applied)
}

func TestSeedFromYAML(t *testing.T) {
	var repo = testRepo(t)
	var ctx = context.Background()

	var doc = []byte(`
rules:
  - id: auto-approve
    type: WORKFLOW
    enabled: true
    priority: 100
    criteria:
      - field: trade.source
        operator: EQUALS
        value: AUTOMATED
    actions:
      - type: SET_WORKFLOW_STATUS
        value: APPROVED
  - id: large-notional-review
    type: WORKFLOW
    enabled: true
    priority: 10
    criteria:
      - field: trade.notional
        operator: GREATER_THAN
        value: "10000000"
    actions:
      - type: SET_WORKFLOW_STATUS
        value: PENDING_APPROVAL
`)
	n, err := repo.Seed(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rules, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	// The seeded set auto-approves an AUTOMATED trade of modest size.
	var blotter = protocol.SwapBlotter{WorkflowStatus: protocol.WorkflowPendingApproval}
	applied, err := NewEngine(repo).Evaluate(ctx, tradeData(), &blotter)
	require.NoError(t, err)
	require.Equal(t, []string{"auto-approve"}, applied)
	require.Equal(t, protocol.WorkflowApproved, blotter.WorkflowStatus)

	require.ErrorContains(t, repo.Put(ctx, Rule{ID: "bad", Type: "NOPE"}), "invalid type")
}

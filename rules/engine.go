package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/protocol"
)

var rulesMatchedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradecap_rules_matched_total",
	Help: "Rules matched during evaluation.",
}, []string{"rule", "type"})

// Engine evaluates the rule set against trades, caching loaded rules until
// the repository generation moves.
type Engine struct {
	repo *Repository

	mu         sync.Mutex
	cached     []Rule
	generation int64
	loaded     bool
}

// NewEngine returns an Engine over |repo|.
func NewEngine(repo *Repository) *Engine {
	return &Engine{repo: repo}
}

// load returns the cached rule set, reloading when the repository has
// mutated since the last load. Rules are sorted by type order, then
// ascending priority.
func (e *Engine) load(ctx context.Context) ([]Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var generation = e.repo.Generation()
	if e.loaded && generation == e.generation {
		return e.cached, nil
	}

	var rules, err = e.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if a, b := typeOrder(rules[i].Type), typeOrder(rules[j].Type); a != b {
			return a < b
		}
		return rules[i].Priority < rules[j].Priority
	})
	e.cached, e.generation, e.loaded = rules, generation, true
	return rules, nil
}

func typeOrder(t RuleType) int {
	switch t {
	case TypeEconomic:
		return 0
	case TypeNonEconomic:
		return 1
	default:
		return 2
	}
}

// Evaluate applies the rule set to |data|, mutating |blotter| through
// matched actions. Every matching economic and non-economic rule applies;
// the first matching workflow rule applies and ends workflow evaluation.
// It returns the ids of matched rules in application order.
func (e *Engine) Evaluate(ctx context.Context, data map[string]any, blotter *protocol.SwapBlotter) ([]string, error) {
	var rules, err = e.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	var applied []string
	var workflowDecided bool
	for _, rule := range rules {
		if rule.Type == TypeWorkflow && workflowDecided {
			continue
		}
		if !rule.Matches(data) {
			continue
		}

		applied = append(applied, rule.ID)
		rulesMatchedCounter.WithLabelValues(rule.ID, string(rule.Type)).Inc()
		for _, action := range rule.Actions {
			applyAction(rule.ID, action, blotter)
		}
		if rule.Type == TypeWorkflow {
			workflowDecided = true
		}
	}
	return applied, nil
}

func applyAction(ruleID string, action Action, blotter *protocol.SwapBlotter) {
	switch action.Type {
	case ActionSetWorkflowStatus:
		switch status := protocol.WorkflowStatus(action.Value); status {
		case protocol.WorkflowPendingApproval, protocol.WorkflowApproved, protocol.WorkflowRejected:
			blotter.WorkflowStatus = status
		default:
			log.WithFields(log.Fields{"rule": ruleID, "value": action.Value}).
				Warn("ignoring invalid workflow status value")
		}
	default:
		log.WithFields(log.Fields{"rule": ruleID, "action": action.Type}).
			Warn("skipping unknown rule action type")
	}
}

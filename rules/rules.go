// Package rules evaluates configurable trade rules: economic and
// non-economic rules all apply where matched, while workflow rules resolve
// to a single outcome. Rules live in the durable store and may be seeded
// from a YAML document.
package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// RuleType orders evaluation: economic, then non-economic, then workflow.
type RuleType string

const (
	TypeEconomic    RuleType = "ECONOMIC"
	TypeNonEconomic RuleType = "NON_ECONOMIC"
	TypeWorkflow    RuleType = "WORKFLOW"
)

// Operator compares a resolved field against a criterion value.
type Operator string

const (
	OpEquals             Operator = "EQUALS"
	OpNotEquals          Operator = "NOT_EQUALS"
	OpGreaterThan        Operator = "GREATER_THAN"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThan           Operator = "LESS_THAN"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpExists             Operator = "EXISTS"
	OpNotExists          Operator = "NOT_EXISTS"
)

// LogicalOperator joins a criterion with the running result of those
// before it.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Criterion is one predicate over the merged trade-data map.
type Criterion struct {
	Field           string          `yaml:"field" json:"field"`
	Operator        Operator        `yaml:"operator" json:"operator"`
	Value           string          `yaml:"value,omitempty" json:"value,omitempty"`
	LogicalOperator LogicalOperator `yaml:"logicalOperator,omitempty" json:"logicalOperator,omitempty"`
}

// Action is one effect of a matched rule. Unknown types are skipped with a
// warning so that new action types are additive.
type Action struct {
	Type  string `yaml:"type" json:"type"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// ActionSetWorkflowStatus sets the blotter's workflow status to the
// action value.
const ActionSetWorkflowStatus = "SET_WORKFLOW_STATUS"

// Rule is one configured rule.
type Rule struct {
	ID       string      `yaml:"id" json:"id"`
	Type     RuleType    `yaml:"type" json:"type"`
	Enabled  bool        `yaml:"enabled" json:"enabled"`
	Priority int         `yaml:"priority" json:"priority"`
	Criteria []Criterion `yaml:"criteria" json:"criteria"`
	Actions  []Action    `yaml:"actions" json:"actions"`
}

// Validate checks the rule's structure.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("missing rule id")
	}
	switch r.Type {
	case TypeEconomic, TypeNonEconomic, TypeWorkflow:
	default:
		return fmt.Errorf("rule %q has invalid type %q", r.ID, r.Type)
	}
	for _, c := range r.Criteria {
		switch c.Operator {
		case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual,
			OpLessThan, OpLessThanOrEqual, OpExists, OpNotExists:
		default:
			return fmt.Errorf("rule %q has invalid operator %q", r.ID, c.Operator)
		}
		switch c.LogicalOperator {
		case "", LogicalAnd, LogicalOr:
		default:
			return fmt.Errorf("rule %q has invalid logical operator %q", r.ID, c.LogicalOperator)
		}
	}
	return nil
}

// Matches evaluates the rule's criteria left-to-right over |data|, joining
// each criterion with its logical operator (AND by default). A rule with
// no criteria matches everything.
func (r *Rule) Matches(data map[string]any) bool {
	var result = true
	for i, c := range r.Criteria {
		var m = evalCriterion(c, data)
		if i == 0 {
			result = m
		} else if c.LogicalOperator == LogicalOr {
			result = result || m
		} else {
			result = result && m
		}
	}
	return result
}

func evalCriterion(c Criterion, data map[string]any) bool {
	var actual, ok = resolve(data, c.Field)

	switch c.Operator {
	case OpExists:
		return ok
	case OpNotExists:
		return !ok
	}
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return compare(actual, c.Value) == 0
	case OpNotEquals:
		return compare(actual, c.Value) != 0
	case OpGreaterThan:
		return compare(actual, c.Value) > 0
	case OpGreaterThanOrEqual:
		return compare(actual, c.Value) >= 0
	case OpLessThan:
		return compare(actual, c.Value) < 0
	case OpLessThanOrEqual:
		return compare(actual, c.Value) <= 0
	}
	return false
}

// resolve walks |data| along a dotted field path.
func resolve(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// compare orders |actual| against the criterion |expect|, numerically when
// both sides parse as numbers and lexically otherwise.
func compare(actual any, expect string) int {
	if af, ok := toFloat(actual); ok {
		if ef, err := strconv.ParseFloat(expect, 64); err == nil {
			switch {
			case af < ef:
				return -1
			case af > ef:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(actual), expect)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		var f, err = strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

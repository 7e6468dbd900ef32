// Package rules implements the declarative logic variant: a prioritized rule
// set evaluated first-match-wins, plus static conflict analysis run at
// registration time so ambiguous logic never reaches review.
package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Operator is a condition operator. Equality, range and enum-membership
// operators have computable overlap and participate in conflict analysis.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNe    Operator = "ne"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
)

var knownOperators = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true,
	OpLt: true, OpLte: true, OpIn: true, OpNotIn: true,
}

// Combinator joins a rule's conditions.
type Combinator string

const (
	CombineAnd Combinator = "AND"
	CombineOr  Combinator = "OR"
)

// Condition is one (field, operator, value) predicate. Field supports dotted
// paths into nested documents (e.g. "features.credit_score").
type Condition struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// Rule is one prioritized rule. Higher priority evaluates first; ties are
// broken by declaration order.
type Rule struct {
	ID         string         `json:"id"`
	Priority   int            `json:"priority"`
	Combine    Combinator     `json:"combine,omitempty"` // default AND
	Conditions []Condition    `json:"conditions"`
	Result     map[string]any `json:"result"`
}

// RuleSet is the full declarative logic representation.
type RuleSet struct {
	Rules         []Rule         `json:"rules"`
	DefaultResult map[string]any `json:"default_result,omitempty"`
}

// Parse decodes and validates a rule set document.
func Parse(raw []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("rules: parse: %w", err)
	}
	if len(rs.Rules) == 0 {
		return nil, fmt.Errorf("rules: rule set declares no rules")
	}

	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule-%d", i+1)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rules: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		if r.Combine == "" {
			r.Combine = CombineAnd
		}
		if r.Combine != CombineAnd && r.Combine != CombineOr {
			return nil, fmt.Errorf("rules: rule %q: unknown combinator %q", r.ID, r.Combine)
		}
		if r.Result == nil {
			return nil, fmt.Errorf("rules: rule %q declares no result", r.ID)
		}

		for _, c := range r.Conditions {
			if c.Field == "" {
				return nil, fmt.Errorf("rules: rule %q: condition with empty field", r.ID)
			}
			if !knownOperators[c.Op] {
				return nil, fmt.Errorf("rules: rule %q: unknown operator %q", r.ID, c.Op)
			}
			if c.Op == OpIn || c.Op == OpNotIn {
				if _, ok := c.Value.([]any); !ok {
					return nil, fmt.Errorf("rules: rule %q: %s requires an array value", r.ID, c.Op)
				}
			}
		}
	}

	return &rs, nil
}

// Evaluate runs the rule set against a document. Rules are evaluated in
// descending priority (declaration order breaks ties); the first full match
// wins. With no match the default result applies; a rule set with neither a
// match nor a default fails.
func (rs *RuleSet) Evaluate(doc map[string]any) (map[string]any, string, error) {
	ordered := make([]*Rule, len(rs.Rules))
	for i := range rs.Rules {
		ordered[i] = &rs.Rules[i]
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	for _, r := range ordered {
		matched, err := r.matches(doc)
		if err != nil {
			return nil, "", fmt.Errorf("rules: rule %q: %w", r.ID, err)
		}
		if matched {
			return r.Result, r.ID, nil
		}
	}

	if rs.DefaultResult != nil {
		return rs.DefaultResult, "", nil
	}
	return nil, "", fmt.Errorf("rules: no rule matched and no default result declared")
}

func (r *Rule) matches(doc map[string]any) (bool, error) {
	if len(r.Conditions) == 0 {
		return true, nil
	}

	for _, c := range r.Conditions {
		ok, err := c.holds(doc)
		if err != nil {
			return false, err
		}
		if r.Combine == CombineOr && ok {
			return true, nil
		}
		if r.Combine == CombineAnd && !ok {
			return false, nil
		}
	}
	return r.Combine == CombineAnd, nil
}

func (c *Condition) holds(doc map[string]any) (bool, error) {
	actual, present := lookup(doc, c.Field)
	if !present {
		// Absent fields never satisfy a predicate; they are not an error.
		return false, nil
	}

	switch c.Op {
	case OpEq:
		return valuesEqual(actual, c.Value), nil
	case OpNe:
		return !valuesEqual(actual, c.Value), nil
	case OpIn, OpNotIn:
		members := c.Value.([]any)
		found := false
		for _, m := range members {
			if valuesEqual(actual, m) {
				found = true
				break
			}
		}
		if c.Op == OpIn {
			return found, nil
		}
		return !found, nil
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := asNumber(actual)
		b, bok := asNumber(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("operator %s requires numeric operands (field %q)", c.Op, c.Field)
		}
		switch c.Op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	}
	return false, fmt.Errorf("unknown operator %q", c.Op)
}

// lookup resolves a dotted field path into nested maps.
func lookup(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// valuesEqual compares with numeric coercion so 720 == 720.0 across
// int/float64/json.Number representations.
func valuesEqual(a, b any) bool {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an == bn
	}
	return a == b
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

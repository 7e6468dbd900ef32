package logic

import (
	"context"

	"github.com/data-riot/policy-as-code/pkg/rules"
)

// RuleLogic evaluates a declarative rule set. Conditions address caller input
// fields directly and feature values under the "features." prefix.
type RuleLogic struct {
	ruleSet *rules.RuleSet
}

// NewRuleLogic parses a rule set document.
func NewRuleLogic(source []byte) (*RuleLogic, error) {
	rs, err := rules.Parse(source)
	if err != nil {
		return nil, err
	}
	return &RuleLogic{ruleSet: rs}, nil
}

// RuleSet exposes the parsed rule set for static analysis.
func (l *RuleLogic) RuleSet() *rules.RuleSet { return l.ruleSet }

func (l *RuleLogic) Execute(ctx context.Context, input map[string]any, ec Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := make(map[string]any, len(input)+1)
	for k, v := range input {
		doc[k] = v
	}
	doc["features"] = ec.Features

	out, _, err := l.ruleSet.Evaluate(doc)
	return out, err
}

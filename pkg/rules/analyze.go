package rules

import (
	"fmt"
	"math"
	"strconv"

	"github.com/data-riot/policy-as-code/pkg/canonicalize"
	"github.com/data-riot/policy-as-code/pkg/contracts"
)

// AnalysisResult is the outcome of static conflict analysis. Conflicts block
// registration; unanalyzable rules do not, but are flagged for manual review.
type AnalysisResult struct {
	Conflicts    []contracts.RuleConflict `json:"conflicts,omitempty"`
	Unanalyzable []string                 `json:"unanalyzable,omitempty"`
}

// HasConflicts reports whether any blocking conflict was found.
func (r AnalysisResult) HasConflicts() bool { return len(r.Conflicts) > 0 }

// Analyze flags any two rules of equal priority whose condition domains
// overlap yet produce materially different results. Overlap is computable
// for equality, range and enum-membership operators over AND-combined
// conditions; anything else is reported as unanalyzable rather than silently
// skipped.
func Analyze(rs *RuleSet) AnalysisResult {
	var result AnalysisResult

	domains := make([]map[string]*fieldDomain, len(rs.Rules))
	analyzable := make([]bool, len(rs.Rules))
	for i := range rs.Rules {
		d, ok := ruleDomains(&rs.Rules[i])
		domains[i] = d
		analyzable[i] = ok
		if !ok {
			result.Unanalyzable = append(result.Unanalyzable, rs.Rules[i].ID)
		}
	}

	for i := 0; i < len(rs.Rules); i++ {
		for j := i + 1; j < len(rs.Rules); j++ {
			a, b := &rs.Rules[i], &rs.Rules[j]
			if a.Priority != b.Priority {
				continue
			}
			if !analyzable[i] || !analyzable[j] {
				continue
			}
			if sameResult(a.Result, b.Result) {
				continue
			}
			if overlaps(domains[i], domains[j]) {
				result.Conflicts = append(result.Conflicts, contracts.RuleConflict{
					RuleA:    a.ID,
					RuleB:    b.ID,
					Priority: a.Priority,
					Detail:   "condition domains overlap with materially different results",
				})
			}
		}
	}

	return result
}

func sameResult(a, b map[string]any) bool {
	ca, errA := canonicalize.JCS(a)
	cb, errB := canonicalize.JCS(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}

// fieldDomain is the set of values a field may take for a rule to match:
// a numeric interval intersected with optional include/exclude value sets.
type fieldDomain struct {
	lo, hi         float64
	loOpen, hiOpen bool
	include        map[string]domainValue // nil = unconstrained by eq/in
	exclude        map[string]domainValue
}

type domainValue struct {
	key     string
	num     float64
	isNum   bool
	literal any
}

func newFieldDomain() *fieldDomain {
	return &fieldDomain{
		lo: math.Inf(-1), hi: math.Inf(1),
		exclude: make(map[string]domainValue),
	}
}

// ruleDomains builds per-field domains from a rule's conditions. It returns
// false when the rule uses constructs without computable overlap (OR
// combinators, ordered operators on non-numeric values).
func ruleDomains(r *Rule) (map[string]*fieldDomain, bool) {
	if r.Combine == CombineOr && len(r.Conditions) > 1 {
		return nil, false
	}

	domains := make(map[string]*fieldDomain)
	get := func(field string) *fieldDomain {
		d, ok := domains[field]
		if !ok {
			d = newFieldDomain()
			domains[field] = d
		}
		return d
	}

	for _, c := range r.Conditions {
		d := get(c.Field)
		switch c.Op {
		case OpEq:
			dv, ok := makeDomainValue(c.Value)
			if !ok {
				return nil, false
			}
			if !d.restrictTo([]domainValue{dv}) {
				// Contradictory conditions: the rule can never match.
				d.include = map[string]domainValue{}
			}
		case OpIn:
			members, ok := makeDomainValues(c.Value.([]any))
			if !ok {
				return nil, false
			}
			if !d.restrictTo(members) {
				d.include = map[string]domainValue{}
			}
		case OpNe:
			dv, ok := makeDomainValue(c.Value)
			if !ok {
				return nil, false
			}
			d.exclude[dv.key] = dv
		case OpNotIn:
			members, ok := makeDomainValues(c.Value.([]any))
			if !ok {
				return nil, false
			}
			for _, m := range members {
				d.exclude[m.key] = m
			}
		case OpGt, OpGte, OpLt, OpLte:
			n, ok := asNumber(c.Value)
			if !ok {
				return nil, false
			}
			switch c.Op {
			case OpGt:
				if n > d.lo || (n == d.lo && !d.loOpen) {
					d.lo, d.loOpen = n, true
				}
			case OpGte:
				if n > d.lo {
					d.lo, d.loOpen = n, false
				}
			case OpLt:
				if n < d.hi || (n == d.hi && !d.hiOpen) {
					d.hi, d.hiOpen = n, true
				}
			case OpLte:
				if n < d.hi {
					d.hi, d.hiOpen = n, false
				}
			}
		default:
			return nil, false
		}
	}

	return domains, true
}

// restrictTo intersects the include set with the given members, keeping only
// values inside the interval. Returns false if the result is empty.
func (d *fieldDomain) restrictTo(members []domainValue) bool {
	kept := make(map[string]domainValue)
	for _, m := range members {
		if d.include != nil {
			if _, ok := d.include[m.key]; !ok {
				continue
			}
		}
		if m.isNum && !d.intervalContains(m.num) {
			continue
		}
		kept[m.key] = m
	}
	d.include = kept
	return len(kept) > 0
}

func (d *fieldDomain) intervalContains(n float64) bool {
	if n < d.lo || (n == d.lo && d.loOpen) {
		return false
	}
	if n > d.hi || (n == d.hi && d.hiOpen) {
		return false
	}
	return true
}

// overlaps reports whether two rules' domains can be satisfied by one
// document. A field unconstrained by a rule admits every value.
func overlaps(a, b map[string]*fieldDomain) bool {
	fields := make(map[string]bool)
	for f := range a {
		fields[f] = true
	}
	for f := range b {
		fields[f] = true
	}

	for f := range fields {
		da, db := a[f], b[f]
		if da == nil {
			da = newFieldDomain()
		}
		if db == nil {
			db = newFieldDomain()
		}
		if !domainsIntersect(da, db) {
			return false
		}
	}
	return true
}

func domainsIntersect(a, b *fieldDomain) bool {
	// Merge interval bounds.
	lo, loOpen := a.lo, a.loOpen
	if b.lo > lo || (b.lo == lo && b.loOpen) {
		lo, loOpen = b.lo, b.loOpen
	}
	hi, hiOpen := a.hi, a.hiOpen
	if b.hi < hi || (b.hi == hi && b.hiOpen) {
		hi, hiOpen = b.hi, b.hiOpen
	}
	merged := &fieldDomain{lo: lo, hi: hi, loOpen: loOpen, hiOpen: hiOpen, exclude: map[string]domainValue{}}
	for k, v := range a.exclude {
		merged.exclude[k] = v
	}
	for k, v := range b.exclude {
		merged.exclude[k] = v
	}

	// Discrete include sets: every candidate must survive the other side.
	candidates := mergeIncludes(a.include, b.include)
	if candidates != nil {
		for k, v := range candidates {
			if _, excluded := merged.exclude[k]; excluded {
				continue
			}
			if v.isNum && !merged.intervalContains(v.num) {
				continue
			}
			return true
		}
		return false
	}

	// Pure interval intersection.
	if lo > hi {
		return false
	}
	if lo == hi {
		if loOpen || hiOpen {
			return false
		}
		// Degenerate single-point interval: the point must not be excluded.
		key := numKey(lo)
		_, excluded := merged.exclude[key]
		return !excluded
	}
	// A non-degenerate interval cannot be emptied by finitely many exclusions.
	return true
}

// mergeIncludes intersects two optional include sets. nil means
// unconstrained; both nil returns nil.
func mergeIncludes(a, b map[string]domainValue) map[string]domainValue {
	if a == nil && b == nil {
		return nil
	}
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := make(map[string]domainValue)
	for k, v := range a {
		if _, ok := b[k]; ok {
			out[k] = v
		}
	}
	return out
}

func makeDomainValues(vs []any) ([]domainValue, bool) {
	out := make([]domainValue, 0, len(vs))
	for _, v := range vs {
		dv, ok := makeDomainValue(v)
		if !ok {
			return nil, false
		}
		out = append(out, dv)
	}
	return out, true
}

// makeDomainValue admits JSON primitives only; composite values have no
// computable overlap.
func makeDomainValue(v any) (domainValue, bool) {
	if n, ok := asNumber(v); ok {
		return domainValue{key: numKey(n), num: n, isNum: true, literal: v}, true
	}
	switch t := v.(type) {
	case string:
		return domainValue{key: "s:" + t, literal: v}, true
	case bool:
		return domainValue{key: "b:" + strconv.FormatBool(t), literal: v}, true
	case nil:
		return domainValue{key: "null", literal: nil}, true
	default:
		return domainValue{}, false
	}
}

func numKey(n float64) string {
	return "n:" + fmt.Sprintf("%g", n)
}

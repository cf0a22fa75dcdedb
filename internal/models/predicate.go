package models

import "strings"

// PredicateKind classifies a query predicate string.
type PredicateKind int

const (
	// PredicateAny matches everything (empty predicate or a lone "*").
	PredicateAny PredicateKind = iota
	// PredicateExact matches one literal value.
	PredicateExact
	// PredicateWildcard matches with '*' (any run) and '?' (one character).
	PredicateWildcard
	// PredicateRange matches values between From and To inclusive; an empty side is open.
	PredicateRange
	// PredicateMulti matches when any of Terms matches.
	PredicateMulti
)

func (k PredicateKind) String() string {
	switch k {
	case PredicateAny:
		return "any"
	case PredicateExact:
		return "exact"
	case PredicateWildcard:
		return "wildcard"
	case PredicateRange:
		return "range"
	case PredicateMulti:
		return "multi"
	default:
		return "unknown"
	}
}

// Predicate is a parsed query predicate.
type Predicate struct {
	Kind  PredicateKind
	Value string      // exact or wildcard pattern
	From  string      // range lower bound
	To    string      // range upper bound
	Terms []Predicate // multi-valued alternatives
}

// IsRangeField reports whether range matching applies to the field (dates and times).
func IsRangeField(field string) bool {
	return strings.HasSuffix(field, "Date") || strings.HasSuffix(field, "Time") || strings.HasSuffix(field, "DateTime")
}

// ParsePredicate parses the predicate for field.
func ParsePredicate(field, raw string) Predicate {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return Predicate{Kind: PredicateAny}
	}
	if strings.Contains(raw, MultiValueSeparator) {
		var terms []Predicate
		for _, part := range strings.Split(raw, MultiValueSeparator) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t := ParsePredicate(field, part)
			if t.Kind == PredicateAny {
				return t
			}
			terms = append(terms, t)
		}
		switch len(terms) {
		case 0:
			return Predicate{Kind: PredicateAny}
		case 1:
			return terms[0]
		}
		return Predicate{Kind: PredicateMulti, Terms: terms}
	}
	if IsRangeField(field) && strings.Contains(raw, RangeSeparator) {
		from, to, _ := strings.Cut(raw, RangeSeparator)
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if from == "" && to == "" {
			return Predicate{Kind: PredicateAny}
		}
		return Predicate{Kind: PredicateRange, From: from, To: to}
	}
	if strings.ContainsAny(raw, "*?") {
		return Predicate{Kind: PredicateWildcard, Value: raw}
	}
	return Predicate{Kind: PredicateExact, Value: raw}
}

// Match reports whether candidate satisfies the predicate. A multi-valued candidate
// (values joined with MultiValueSeparator) matches when any of its values does.
func (p Predicate) Match(candidate string) bool {
	if p.Kind == PredicateAny {
		return true
	}
	if strings.Contains(candidate, MultiValueSeparator) {
		for _, v := range strings.Split(candidate, MultiValueSeparator) {
			if p.matchOne(v) {
				return true
			}
		}
		return false
	}
	return p.matchOne(candidate)
}

func (p Predicate) matchOne(v string) bool {
	switch p.Kind {
	case PredicateAny:
		return true
	case PredicateExact:
		return v == p.Value
	case PredicateWildcard:
		return globMatch(p.Value, v)
	case PredicateRange:
		if v == "" {
			return false
		}
		if p.From != "" && v < p.From {
			return false
		}
		if p.To != "" && v > p.To {
			return false
		}
		return true
	case PredicateMulti:
		for _, t := range p.Terms {
			if t.matchOne(v) {
				return true
			}
		}
		return false
	}
	return false
}

// MatchAll reports whether fields satisfy every predicate in params.
func MatchAll(params *QueryParameters, fields map[string]string) bool {
	for _, key := range params.Constrained() {
		if !ParsePredicate(key, params.Value(key)).Match(fields[key]) {
			return false
		}
	}
	return true
}

// JoinValues joins values with MultiValueSeparator.
func JoinValues(values []string) string {
	return strings.Join(values, MultiValueSeparator)
}

// SplitValues splits a multi-valued string, dropping empty entries.
func SplitValues(s string) []string {
	var out []string
	for _, v := range strings.Split(s, MultiValueSeparator) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// globMatch matches s against pattern where '*' matches any run and '?' one rune.
func globMatch(pattern, s string) bool {
	p, str := []rune(pattern), []rune(s)
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(str) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == str[si]):
			pi++
			si++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

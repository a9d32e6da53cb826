// Package condition evaluates lead predicates and provides the operator inversion
// table used when compiling "no" branches.
//
// Evaluation never fails: malformed values, unknown fields and unparseable
// comparisons evaluate to false. The only documented fail-open case is a missing
// lead value under not_equals or not_contains.
package condition

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// matchFunc compares a normalized lead value with a normalized expected value.
type matchFunc func(actual, expected string) bool

// positive holds the string operators that have a positive form. Negative forms are
// derived from these.
var positive = map[models.Operator]matchFunc{
	models.OpEquals:     func(a, e string) bool { return a == e },
	models.OpContains:   strings.Contains,
	models.OpStartsWith: strings.HasPrefix,
	models.OpEndsWith:   strings.HasSuffix,
	models.OpInList: func(a, e string) bool {
		for _, token := range SplitList(e) {
			if a == token {
				return true
			}
		}
		return false
	},
}

// negated maps each negative string operator to its positive counterpart.
var negated = map[models.Operator]models.Operator{
	models.OpNotEquals:     models.OpEquals,
	models.OpNotContains:   models.OpContains,
	models.OpNotStartsWith: models.OpStartsWith,
	models.OpNotEndsWith:   models.OpEndsWith,
	models.OpNotInList:     models.OpInList,
}

// dateLayouts are tried in order when a comparison operand is not a number.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// Normalize trims and lowercases a value for string comparison.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SplitList splits a delimiter-separated value on ',' or ';' into normalized,
// non-empty tokens.
func SplitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if n := Normalize(p); n != "" {
			tokens = append(tokens, n)
		}
	}
	return tokens
}

// Evaluate decides a single condition against a lead snapshot.
func Evaluate(c models.Condition, lead models.Lead) bool {
	if c.Field == models.FieldTag {
		return evaluateTags(c, lead.Tags)
	}
	if !models.IsValidField(c.Field) {
		return false
	}

	raw := lead.FieldValue(c.Field)
	actual := Normalize(raw)
	if actual == "" {
		return missingMatches(c.Operator)
	}

	if c.Operator.IsComparison() {
		return compare(c.Operator, strings.TrimSpace(raw), strings.TrimSpace(c.Value))
	}
	return matchString(c.Operator, actual, Normalize(c.Value))
}

// EvaluateAll combines a condition list with the given logic. An empty list holds.
// Empty or unknown logic is read as all.
func EvaluateAll(conds []models.Condition, logic models.Logic, lead models.Lead) bool {
	if len(conds) == 0 {
		return true
	}
	if logic == models.LogicAny {
		for _, c := range conds {
			if Evaluate(c, lead) {
				return true
			}
		}
		return false
	}
	for _, c := range conds {
		if !Evaluate(c, lead) {
			return false
		}
	}
	return true
}

func missingMatches(op models.Operator) bool {
	return op == models.OpNotEquals || op == models.OpNotContains
}

func matchString(op models.Operator, actual, expected string) bool {
	if fn, ok := positive[op]; ok {
		return fn(actual, expected)
	}
	if pos, ok := negated[op]; ok {
		return !positive[pos](actual, expected)
	}
	return false
}

// evaluateTags matches the expected tokens against the lead's tag set. A positive
// operator holds when any tag matches any token; a negative operator is the
// negation of its positive counterpart.
func evaluateTags(c models.Condition, tags []string) bool {
	normalized := make([]string, 0, len(tags))
	for _, t := range tags {
		if n := Normalize(t); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return missingMatches(c.Operator)
	}

	op := c.Operator
	invert := false
	if pos, ok := negated[op]; ok {
		op = pos
		invert = true
	}
	fn, ok := positive[op]
	if !ok {
		return false
	}
	if op == models.OpInList {
		// Tokens are the list itself; equality per token.
		fn = positive[models.OpEquals]
	}

	matched := false
	for _, tag := range normalized {
		for _, token := range SplitList(c.Value) {
			if fn(tag, token) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	return matched != invert
}

func compare(op models.Operator, actual, expected string) bool {
	cmp, ok := compareNumbers(actual, expected)
	if !ok {
		cmp, ok = compareDates(actual, expected)
	}
	if !ok {
		return false
	}
	switch op {
	case models.OpGreaterThan:
		return cmp > 0
	case models.OpGreaterOrEqual:
		return cmp >= 0
	case models.OpLessThan:
		return cmp < 0
	case models.OpLessOrEqual:
		return cmp <= 0
	default:
		return false
	}
}

func compareNumbers(a, b string) (int, bool) {
	x, ok := parseNumber(a)
	if !ok {
		return 0, false
	}
	y, ok := parseNumber(b)
	if !ok {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	default:
		return 0, true
	}
}

// parseNumber reads a finite decimal, accepting a comma separator. NaN and
// infinities are rejected.
func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func compareDates(a, b string) (int, bool) {
	x, ok := ParseDate(a)
	if !ok {
		return 0, false
	}
	y, ok := ParseDate(b)
	if !ok {
		return 0, false
	}
	return x.Compare(y), true
}

// ParseDate parses a timestamp in one of the accepted layouts. Layouts without a
// zone are read as UTC.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

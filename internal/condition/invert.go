package condition

import (
	"fmt"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

var inverses = map[models.Operator]models.Operator{
	models.OpEquals:         models.OpNotEquals,
	models.OpNotEquals:      models.OpEquals,
	models.OpContains:       models.OpNotContains,
	models.OpNotContains:    models.OpContains,
	models.OpStartsWith:     models.OpNotStartsWith,
	models.OpNotStartsWith:  models.OpStartsWith,
	models.OpEndsWith:       models.OpNotEndsWith,
	models.OpNotEndsWith:    models.OpEndsWith,
	models.OpInList:         models.OpNotInList,
	models.OpNotInList:      models.OpInList,
	models.OpGreaterThan:    models.OpLessOrEqual,
	models.OpLessOrEqual:    models.OpGreaterThan,
	models.OpGreaterOrEqual: models.OpLessThan,
	models.OpLessThan:       models.OpGreaterOrEqual,
}

// Invert returns the semantic inverse of op. It panics on an operator outside the
// supported set, which can only come from a programming error since conditions
// are validated on load.
func Invert(op models.Operator) models.Operator {
	inv, ok := inverses[op]
	if !ok {
		panic(fmt.Sprintf("condition: no inverse for operator %q", op))
	}
	return inv
}

// InvertAll returns a copy of conds with every operator inverted.
func InvertAll(conds []models.Condition) []models.Condition {
	out := make([]models.Condition, len(conds))
	for i, c := range conds {
		c.Operator = Invert(c.Operator)
		out[i] = c
	}
	return out
}

// FlipLogic swaps all and any. Empty logic is read as all.
func FlipLogic(l models.Logic) models.Logic {
	if l == models.LogicAny {
		return models.LogicAll
	}
	return models.LogicAny
}

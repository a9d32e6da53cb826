// Package flow selects the flow a lead enters and executes its steps against a
// business calendar.
package flow

import (
	"github.com/hexamarkco/kifersaude-sub001/internal/condition"
	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// EffectiveConditions returns the flow's conditions with an implicit
// "status equals TriggerStatus" appended when the flow has a trigger status and no
// condition of its own targets the status field.
func EffectiveConditions(f models.Flow) []models.Condition {
	conds := append([]models.Condition(nil), f.Conditions...)
	if f.TriggerStatus == "" {
		return conds
	}
	for _, c := range conds {
		if c.Field == models.FieldStatus {
			return conds
		}
	}
	return append(conds, models.Condition{
		ID:       f.ID + "-trigger-status",
		Field:    models.FieldStatus,
		Operator: models.OpEquals,
		Value:    f.TriggerStatus,
	})
}

// Selectable reports whether a flow can be chosen for a new run at all.
func Selectable(f models.Flow) bool {
	return !f.Disabled && len(f.Steps) > 0
}

// Match returns the first selectable flow, in list order, whose effective
// conditions hold for the lead. An empty effective condition list matches every lead.
func Match(lead models.Lead, flows []models.Flow) (models.Flow, bool) {
	for _, f := range flows {
		if !Selectable(f) {
			continue
		}
		if condition.EvaluateAll(EffectiveConditions(f), f.ConditionLogic, lead) {
			return f, true
		}
	}
	return models.Flow{}, false
}

package graph

import (
	"fmt"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// BuildGraph lays out a linear flow as a graph: a trigger, an optional condition node
// holding the flow's conditions, then one action node per step. The condition node
// continues along an unlabeled edge, which compiles as its yes branch.
func BuildGraph(f models.Flow) models.FlowGraph {
	g := models.FlowGraph{
		Nodes: []models.GraphNode{{ID: "trigger", Type: models.NodeTrigger, Data: models.GraphNodeData{Label: "Lead criado"}}},
	}
	last := "trigger"
	link := func(target string) {
		g.Edges = append(g.Edges, models.GraphEdge{
			ID:     fmt.Sprintf("edge-%d", len(g.Edges)+1),
			Source: last,
			Target: target,
		})
		last = target
	}

	if len(f.Conditions) > 0 {
		logic := f.ConditionLogic
		if logic == "" {
			logic = models.LogicAll
		}
		g.Nodes = append(g.Nodes, models.GraphNode{
			ID:   "condition",
			Type: models.NodeCondition,
			Data: models.GraphNodeData{Label: "Condição", Conditions: f.Conditions, ConditionLogic: logic},
		})
		link("condition")
	}

	for i := range f.Steps {
		step := f.Steps[i]
		label := "Enviar mensagem"
		switch step.ActionType {
		case models.ActionUpdateStatus:
			label = "Atualizar status"
		case models.ActionArchiveLead:
			label = "Arquivar lead"
		case models.ActionDeleteLead:
			label = "Excluir lead"
		}
		id := fmt.Sprintf("action-%d", i+1)
		g.Nodes = append(g.Nodes, models.GraphNode{
			ID:   id,
			Type: models.NodeAction,
			Data: models.GraphNodeData{Label: label, Step: &step},
		})
		link(id)
	}
	return g
}

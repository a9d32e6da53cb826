// Package graph compiles the branching trigger/condition/action graph produced by the
// flow builder into linear flows the executor can run.
//
// Compilation happens once, when settings are loaded. Structural problems that do not
// prevent compilation are reported as warnings keyed by node id; only a missing or
// duplicated trigger is fatal.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hexamarkco/kifersaude-sub001/internal/condition"
	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

var (
	// ErrNoTrigger is returned when the graph has no trigger node.
	ErrNoTrigger = errors.New("graph has no trigger node")
	// ErrMultipleTriggers is returned when the graph has more than one trigger node.
	ErrMultipleTriggers = errors.New("graph has more than one trigger node")
)

// Flow id suffixes for the two branches of a condition node.
const (
	YesSuffix = "-yes"
	NoSuffix  = "-no"
)

// WarningCode classifies an advisory compilation warning.
type WarningCode string

// Warning codes.
const (
	WarnNoIncoming       WarningCode = "no_incoming_edge"
	WarnUnreachable      WarningCode = "unreachable"
	WarnMissingYes       WarningCode = "missing_yes_branch"
	WarnMissingNo        WarningCode = "missing_no_branch"
	WarnDeadEnd          WarningCode = "no_outgoing_edge"
	WarnMultipleOutgoing WarningCode = "multiple_outgoing_edges"
	WarnEmptyCondition   WarningCode = "empty_condition"
	WarnExtraCondition   WarningCode = "extra_condition"
	WarnMissingStep      WarningCode = "missing_step"
	WarnUnknownNode      WarningCode = "unknown_node"
	WarnCycle            WarningCode = "cycle"
	WarnEmptyBranch      WarningCode = "empty_branch"
)

// Warning is an advisory problem attached to a node.
type Warning struct {
	NodeID  string      `json:"node_id"`
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s [%s]: %s", w.NodeID, w.Code, w.Message)
}

// Result is the output of Compile.
type Result struct {
	Flows    []models.Flow `json:"flows"`
	Warnings []Warning     `json:"warnings,omitempty"`
}

type compiler struct {
	base     models.Flow
	nodes    map[string]models.GraphNode
	outgoing map[string][]models.GraphEdge
	incoming map[string]int
	visited  map[string]bool
	warned   map[string]bool
	warnings []Warning
}

// Compile turns g into one or two flows. Identity, trigger status and exit conditions
// are taken from base. Without a condition node the result is a single flow with
// base's own conditions; with one, the "yes" branch keeps the node's conditions and
// the "no" branch gets them operator-inverted with the logic flipped.
func Compile(base models.Flow, g models.FlowGraph) (*Result, error) {
	c := &compiler{
		base:     base,
		nodes:    make(map[string]models.GraphNode, len(g.Nodes)),
		outgoing: make(map[string][]models.GraphEdge),
		incoming: make(map[string]int),
		visited:  make(map[string]bool),
		warned:   make(map[string]bool),
	}

	var trigger *models.GraphNode
	for i := range g.Nodes {
		n := g.Nodes[i]
		c.nodes[n.ID] = n
		if n.Type == models.NodeTrigger {
			if trigger != nil {
				return nil, fmt.Errorf("%w: %s and %s", ErrMultipleTriggers, trigger.ID, n.ID)
			}
			trigger = &g.Nodes[i]
		}
		if n.Type == models.NodeCondition {
			for _, cond := range n.Data.Conditions {
				if err := cond.Validate(); err != nil {
					return nil, fmt.Errorf("node %s: condition %q: %w", n.ID, cond.ID, err)
				}
			}
			if !models.IsValidLogic(n.Data.ConditionLogic) {
				return nil, fmt.Errorf("node %s: %w", n.ID, models.ErrInvalidLogic)
			}
		}
	}
	if trigger == nil {
		return nil, ErrNoTrigger
	}

	for _, e := range g.Edges {
		if _, ok := c.nodes[e.Source]; !ok {
			c.warn(e.Source, WarnUnknownNode, fmt.Sprintf("edge %q starts at an unknown node", e.ID))
			continue
		}
		if _, ok := c.nodes[e.Target]; !ok {
			c.warn(e.Source, WarnUnknownNode, fmt.Sprintf("edge %q points to unknown node %q", e.ID, e.Target))
			continue
		}
		c.outgoing[e.Source] = append(c.outgoing[e.Source], e)
		c.incoming[e.Target]++
	}

	if len(c.outgoing[trigger.ID]) == 0 {
		c.warn(trigger.ID, WarnDeadEnd, "trigger has no outgoing edge")
	}

	seen := make(map[string]bool)
	prefix, cond := c.walk(trigger.ID, seen)

	var flows []models.Flow
	if cond == nil {
		f := c.flow(base.ID, prefix)
		f.Conditions = cloneConditions(base.Conditions)
		f.ConditionLogic = base.ConditionLogic
		flows = append(flows, f)
	} else {
		flows = c.branches(*cond, prefix, seen)
	}

	for _, n := range g.Nodes {
		if n.ID == trigger.ID || c.visited[n.ID] {
			continue
		}
		if c.incoming[n.ID] == 0 {
			c.warn(n.ID, WarnNoIncoming, "node has no incoming edge")
		} else {
			c.warn(n.ID, WarnUnreachable, "node cannot be reached from the trigger")
		}
	}

	return &Result{Flows: flows, Warnings: c.warnings}, nil
}

// walk follows the chain from start, collecting action steps. It stops at the end of
// the chain or at the first condition node, which it returns.
func (c *compiler) walk(start string, seen map[string]bool) ([]models.Step, *models.GraphNode) {
	var steps []models.Step
	c.visit(start, seen)
	edge := c.nextEdge(c.nodes[start])
	for edge != nil {
		next := c.nodes[edge.Target]
		if seen[next.ID] {
			c.warn(next.ID, WarnCycle, fmt.Sprintf("edge from %q closes a cycle", edge.Source))
			return steps, nil
		}
		c.visit(next.ID, seen)
		if next.Type == models.NodeCondition {
			return steps, &next
		}
		steps = c.appendStep(steps, next)
		edge = c.nextEdge(next)
	}
	return steps, nil
}

// walkBranch follows a branch from edge to the end of its chain. A further condition
// node does not fork again: it is reported and its yes edge is followed.
func (c *compiler) walkBranch(edge *models.GraphEdge, steps []models.Step, seen map[string]bool) []models.Step {
	for edge != nil {
		next := c.nodes[edge.Target]
		if seen[next.ID] {
			c.warn(next.ID, WarnCycle, fmt.Sprintf("edge from %q closes a cycle", edge.Source))
			return steps
		}
		c.visit(next.ID, seen)
		if next.Type == models.NodeCondition {
			c.warn(next.ID, WarnExtraCondition, "only the first condition node forks the flow; following its yes edge")
			edge, _ = c.branchEdges(next, false)
			continue
		}
		steps = c.appendStep(steps, next)
		edge = c.nextEdge(next)
	}
	return steps
}

func (c *compiler) visit(id string, seen map[string]bool) {
	seen[id] = true
	c.visited[id] = true
}

// nextEdge returns the edge a non-condition node continues along.
func (c *compiler) nextEdge(n models.GraphNode) *models.GraphEdge {
	edges := c.outgoing[n.ID]
	if len(edges) == 0 {
		return nil
	}
	if len(edges) > 1 {
		c.warn(n.ID, WarnMultipleOutgoing, fmt.Sprintf("%d outgoing edges, following %q", len(edges), edges[0].Target))
	}
	return &edges[0]
}

func (c *compiler) appendStep(steps []models.Step, n models.GraphNode) []models.Step {
	if n.Type != models.NodeAction {
		return steps
	}
	if n.Data.Step == nil {
		c.warn(n.ID, WarnMissingStep, "action node has no step configured")
		return steps
	}
	return append(steps, *n.Data.Step)
}

// branchEdges returns the yes and no edges of a condition node. An unlabeled edge
// counts as yes when no edge is labeled yes.
func (c *compiler) branchEdges(n models.GraphNode, report bool) (yes, no *models.GraphEdge) {
	var unlabeled *models.GraphEdge
	for _, e := range c.outgoing[n.ID] {
		e := e
		switch strings.ToLower(strings.TrimSpace(e.Label)) {
		case models.EdgeYes:
			if yes == nil {
				yes = &e
			}
		case models.EdgeNo:
			if no == nil {
				no = &e
			}
		default:
			if unlabeled == nil {
				unlabeled = &e
			}
		}
	}
	if yes == nil {
		yes = unlabeled
	}
	if report {
		if yes == nil {
			c.warn(n.ID, WarnMissingYes, "condition node has no yes edge")
		}
		if no == nil {
			c.warn(n.ID, WarnMissingNo, "condition node has no no edge")
		}
	}
	return yes, no
}

func (c *compiler) branches(n models.GraphNode, prefix []models.Step, seen map[string]bool) []models.Flow {
	yesEdge, noEdge := c.branchEdges(n, true)
	conds := n.Data.Conditions
	logic := n.Data.ConditionLogic
	if logic == "" {
		logic = models.LogicAll
	}

	var flows []models.Flow
	if yesEdge != nil {
		steps := c.walkBranch(yesEdge, cloneSteps(prefix), cloneSeen(seen))
		f := c.flow(c.base.ID+YesSuffix, steps)
		f.Conditions = cloneConditions(conds)
		f.ConditionLogic = logic
		flows = append(flows, f)
		if len(steps) == 0 {
			c.warn(n.ID, WarnEmptyBranch, "yes branch has no steps and will never run")
		}
	}

	if len(conds) == 0 {
		c.warn(n.ID, WarnEmptyCondition, "condition node has no conditions; the yes branch always matches")
		if noEdge != nil {
			// Visited only so its nodes are not also reported as unreachable.
			c.walkBranch(noEdge, nil, cloneSeen(seen))
		}
		return flows
	}

	if noEdge != nil {
		steps := c.walkBranch(noEdge, cloneSteps(prefix), cloneSeen(seen))
		f := c.flow(c.base.ID+NoSuffix, steps)
		f.Conditions = condition.InvertAll(conds)
		f.ConditionLogic = condition.FlipLogic(logic)
		flows = append(flows, f)
		if len(steps) == 0 {
			c.warn(n.ID, WarnEmptyBranch, "no branch has no steps and will never run")
		}
	}
	return flows
}

func (c *compiler) flow(id string, steps []models.Step) models.Flow {
	f := models.Flow{
		ID:                 id,
		Name:               c.base.Name,
		TriggerStatus:      c.base.TriggerStatus,
		ExitConditions:     cloneConditions(c.base.ExitConditions),
		ExitConditionLogic: c.base.ExitConditionLogic,
		Disabled:           c.base.Disabled,
		Tags:               c.base.Tags,
	}
	f.Steps = make([]models.Step, len(steps))
	for i, s := range steps {
		if strings.TrimSpace(s.ID) == "" {
			s.ID = fmt.Sprintf("%s-step-%d", id, i)
		}
		f.Steps[i] = s
	}
	return f
}

func (c *compiler) warn(nodeID string, code WarningCode, msg string) {
	key := nodeID + "|" + string(code)
	if c.warned[key] {
		return
	}
	c.warned[key] = true
	c.warnings = append(c.warnings, Warning{NodeID: nodeID, Code: code, Message: msg})
}

func cloneSteps(in []models.Step) []models.Step {
	return append([]models.Step(nil), in...)
}

func cloneSeen(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneConditions(in []models.Condition) []models.Condition {
	if in == nil {
		return nil
	}
	return append([]models.Condition(nil), in...)
}

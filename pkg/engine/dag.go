package engine

import (
	"fmt"
	"strings"
)

// visitColor is the DFS state of a node during cycle detection.
type visitColor int

const (
	white visitColor = iota // not yet visited
	gray                    // on the current DFS path
	black                   // fully explored
)

// ValidatePlan checks the structural invariants of a compiled plan and reports
// every violation at once: unique node ids, resolvable successors, at least one
// respond node, idempotency keys on side-effecting nodes and acyclicity.
func ValidatePlan(plan *Plan) error {
	if plan == nil {
		return NewInvalidPlanError([]string{"plan is nil"})
	}

	var violations []string
	index := make(map[string]*PlanNode, len(plan.Nodes))

	for i, node := range plan.Nodes {
		if node == nil {
			violations = append(violations, fmt.Sprintf("node %d is nil", i))
			continue
		}
		if node.NodeID == "" {
			violations = append(violations, fmt.Sprintf("node %d has empty id", i))
			continue
		}
		if _, exists := index[node.NodeID]; exists {
			violations = append(violations, fmt.Sprintf("duplicate node id: %s", node.NodeID))
			continue
		}
		index[node.NodeID] = node
	}

	respondCount := 0
	for _, node := range plan.Nodes {
		if node == nil {
			continue
		}
		for _, next := range node.Next {
			if _, ok := index[next]; !ok {
				violations = append(violations,
					fmt.Sprintf("node %s references unknown successor %s", node.NodeID, next))
			}
		}
		if node.NodeType == NodeTypeRespond {
			respondCount++
		}
		if node.Execution.SideEffect && node.Execution.IdempotencyKey == "" {
			violations = append(violations,
				fmt.Sprintf("side-effecting node %s has no idempotency key", node.NodeID))
		}
	}

	if respondCount == 0 {
		violations = append(violations, "plan has no respond node")
	}

	if cycle := findCycle(plan.Nodes, index); cycle != nil {
		violations = append(violations, fmt.Sprintf("cycle detected: %s", formatCycle(cycle)))
	}

	if len(violations) > 0 {
		return NewInvalidPlanError(violations).WithResource(plan.PlanID)
	}
	return nil
}

// findCycle runs a three-colour depth-first search over successor edges and
// returns the first cycle found as a path, or nil.
func findCycle(nodes []*PlanNode, index map[string]*PlanNode) []string {
	colors := make(map[string]visitColor, len(index))
	for _, node := range nodes {
		if node == nil || node.NodeID == "" || colors[node.NodeID] != white {
			continue
		}
		if cycle := findCycleUtil(node.NodeID, index, colors, nil); cycle != nil {
			return cycle
		}
	}
	return nil
}

func findCycleUtil(
	nodeID string,
	index map[string]*PlanNode,
	colors map[string]visitColor,
	path []string,
) []string {
	colors[nodeID] = gray
	path = append(path, nodeID)

	for _, next := range index[nodeID].Next {
		if _, ok := index[next]; !ok {
			// dangling edges are reported separately
			continue
		}
		switch colors[next] {
		case white:
			if cycle := findCycleUtil(next, index, colors, path); cycle != nil {
				return cycle
			}
		case gray:
			for i, id := range path {
				if id == next {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, next)
				}
			}
		}
	}

	colors[nodeID] = black
	return nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// ToDOT renders the plan in Graphviz DOT format.
func (p *Plan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, node := range p.Nodes {
		label := string(node.NodeType)
		if node.BindingRef != "" {
			label = fmt.Sprintf("%s\\n%s", node.BindingRef, node.NodeType)
		}
		shape := "box"
		if node.Execution.SideEffect {
			shape = "box3d"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%s\", shape=%s, fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			node.NodeID, label, shape, nodeColor(node.NodeType)))
	}
	sb.WriteString("\n")

	for _, node := range p.Nodes {
		for _, next := range node.Next {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", node.NodeID, next))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func nodeColor(t NodeType) string {
	switch t {
	case NodeTypeQuery:
		return "lightblue"
	case NodeTypeService, NodeTypeScript, NodeTypeAdapter:
		return "lightcoral"
	case NodeTypeHumanApproval:
		return "khaki"
	case NodeTypeVerify, NodeTypeRespond:
		return "lightgreen"
	default:
		return "white"
	}
}

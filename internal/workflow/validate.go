package workflow

import (
	"fmt"
	"strings"
)

// InvalidGraphError lists every structural problem found in a graph.
type InvalidGraphError struct {
	Problems []string
}

func (e *InvalidGraphError) Error() string {
	return "invalid graph: " + strings.Join(e.Problems, "; ")
}

// Validate checks the structural rules a graph must satisfy before it can
// be stored: unique ids, an existing entry, resolvable references, the
// right number of successors per kind, at least one end reachable from the
// entry and a path to an end from every node.
func Validate(g *Graph) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(g.Nodes) == 0 {
		return &InvalidGraphError{Problems: []string{"graph has no nodes"}}
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			addf("node with empty id")
			continue
		}
		if seen[n.ID] {
			addf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}

	if g.Entry == "" {
		addf("entry is required")
	} else if !seen[g.Entry] {
		addf("entry %q does not exist", g.Entry)
	}

	ref := func(from, field, to string) {
		if to != "" && !seen[to] {
			addf("node %q: %s references unknown node %q", from, field, to)
		}
	}
	for _, n := range g.Nodes {
		switch n.Kind {
		case KindTrigger, KindAction, KindWait:
			if n.Next == "" {
				addf("node %q (%s): next is required", n.ID, n.Kind)
			}
			if n.OnTrue != "" || n.OnFalse != "" {
				addf("node %q (%s): on_true/on_false only apply to conditions", n.ID, n.Kind)
			}
		case KindCondition:
			if n.OnTrue == "" || n.OnFalse == "" {
				addf("node %q: condition needs both on_true and on_false", n.ID)
			}
			if n.Next != "" {
				addf("node %q: condition uses on_true/on_false, not next", n.ID)
			}
		case KindEnd:
			if n.Next != "" || n.OnTrue != "" || n.OnFalse != "" {
				addf("node %q: end node cannot have successors", n.ID)
			}
		}
		ref(n.ID, "next", n.Next)
		ref(n.ID, "on_true", n.OnTrue)
		ref(n.ID, "on_false", n.OnFalse)
	}

	if len(problems) > 0 {
		return &InvalidGraphError{Problems: problems}
	}

	// Forward reachability from the entry.
	reachable := map[string]bool{}
	stack := []string{g.Entry}
	endReachable := false
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		n := g.index[id]
		if n.Kind == KindEnd {
			endReachable = true
		}
		stack = append(stack, n.successors()...)
	}
	if !endReachable {
		addf("no end node is reachable from entry %q", g.Entry)
	}

	// Backward reachability from every end.
	preds := make(map[string][]string)
	var ends []string
	for _, n := range g.Nodes {
		if n.Kind == KindEnd {
			ends = append(ends, n.ID)
		}
		for _, s := range n.successors() {
			preds[s] = append(preds[s], n.ID)
		}
	}
	canFinish := map[string]bool{}
	stack = ends
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if canFinish[id] {
			continue
		}
		canFinish[id] = true
		stack = append(stack, preds[id]...)
	}
	for _, n := range g.Nodes {
		if !canFinish[n.ID] {
			addf("node %q cannot reach an end node", n.ID)
		}
	}

	if len(problems) > 0 {
		return &InvalidGraphError{Problems: problems}
	}
	return nil
}

func (n *Node) successors() []string {
	var out []string
	for _, s := range []string{n.Next, n.OnTrue, n.OnFalse} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

package workflow

import (
	"fmt"
	"strconv"

	"github.com/songzhibin97/chatflow-engine/types"
)

// pickEdge selects the outgoing edge to follow. Without a handle the first
// edge wins. With a handle, the first edge carrying that handle wins, then the
// first edge carrying no handle at all.
func pickEdge(edges []types.Edge, handle string) (types.Edge, bool) {
	if len(edges) == 0 {
		return types.Edge{}, false
	}
	if handle == "" {
		return edges[0], true
	}
	for _, e := range edges {
		if e.SourceHandle == handle {
			return e, true
		}
	}
	for _, e := range edges {
		if e.SourceHandle == "" {
			return e, true
		}
	}
	return types.Edge{}, false
}

// choice is an accepted button press.
type choice struct {
	index  int
	button types.Button
}

// context returns the keys merged into the run context for the choice.
func (c choice) context() map[string]interface{} {
	return map[string]interface{}{
		"lastChoiceLabel": c.button.Label(),
		"lastChoiceValue": c.button.Value,
	}
}

// resolveChoice validates a button press against the node the session is
// parked at. The node ID has already been matched against the session.
func resolveChoice(node types.Node, index int) (choice, error) {
	p, err := node.Payload()
	if err != nil {
		return choice{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	buttons, ok := p.(types.ButtonsPayload)
	if !ok {
		return choice{}, fmt.Errorf("%w: node %s is a %s node", ErrInvalidCallback, node.ID, node.Kind())
	}
	if index >= len(buttons.Buttons) {
		return choice{}, fmt.Errorf("%w: choice %d out of range for node %s", ErrInvalidCallback, index, node.ID)
	}
	return choice{index: index, button: buttons.Buttons[index]}, nil
}

// choiceDirective decides where the run continues after a choice: the edge
// whose handle is the choice index, else the first edge without a handle.
func choiceDirective(flow types.Flow, nodeID string, c choice) types.Directive {
	edge, ok := pickEdge(flow.OutgoingEdges(nodeID), strconv.Itoa(c.index))
	if !ok {
		return types.Terminate(nil)
	}
	return types.Goto(edge.Target, nil)
}

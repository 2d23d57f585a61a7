package types

import (
	"sort"
)

// Flow defines the structure of a conversation flow.
type Flow struct {
	ID       string `json:"id" yaml:"id"`
	BotID    int64  `json:"bot_id" yaml:"bot_id"`
	Name     string `json:"name" yaml:"name"`
	IsActive bool   `json:"is_active" yaml:"is_active"`
	Nodes    []Node `json:"nodes" yaml:"nodes"`
	Edges    []Edge `json:"edges" yaml:"edges"`
}

// Node represents a single step in the flow.
type Node struct {
	ID   string                 `json:"id" yaml:"id"`
	Type NodeType               `json:"type" yaml:"type"`
	Data map[string]interface{} `json:"data,omitempty" yaml:"data,omitempty"`
}

// Edge is a directed link between two nodes.
type Edge struct {
	ID           string `json:"id" yaml:"id"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Session is the persisted execution position of one user.
type Session struct {
	UserID        string                 `json:"user_id"`
	FlowID        string                 `json:"flow_id"`
	CurrentNodeID string                 `json:"current_node_id"`
	RunID         uint64                 `json:"run_id,omitempty"`
	Context       map[string]interface{} `json:"context"`
	CreatedAt     int64                  `json:"created_at"`
	UpdatedAt     int64                  `json:"updated_at"`
}

// Node looks a node up by ID.
func (f Flow) Node(id string) (Node, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// StartNode returns the start node of the flow. When several exist the one
// with the lowest identifier wins.
func (f Flow) StartNode() (Node, bool) {
	var starts []Node
	for _, n := range f.Nodes {
		if n.Kind() == NodeTypeStart {
			starts = append(starts, n)
		}
	}
	if len(starts) == 0 {
		return Node{}, false
	}
	sort.SliceStable(starts, func(i, j int) bool { return starts[i].ID < starts[j].ID })
	return starts[0], true
}

// OutgoingEdges returns the edges leaving nodeID in insertion order.
func (f Flow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// CloneContext returns a shallow copy of a session context, never nil.
func CloneContext(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// MergeContext overlays patch onto a copy of base.
func MergeContext(base, patch map[string]interface{}) map[string]interface{} {
	merged := CloneContext(base)
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

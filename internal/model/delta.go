package model

import "time"

// Delta is the set of graph changes observed in the window (Since, Until].
type Delta struct {
	Since          time.Time      `json:"since"`
	Until          time.Time      `json:"until"`
	Nodes          []MemoryNode   `json:"nodes"`
	Edges          []Relationship `json:"edges"`
	DeletedNodeIDs []string       `json:"deletedNodeIds"`
	DeletedEdgeIDs []string       `json:"deletedEdgeIds"`
}

// Empty reports whether the delta carries no changes.
func (d *Delta) Empty() bool {
	return len(d.Nodes) == 0 && len(d.Edges) == 0 &&
		len(d.DeletedNodeIDs) == 0 && len(d.DeletedEdgeIDs) == 0
}

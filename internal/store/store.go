// Package store implements the pack store: a memory graph kept in a single
// SQLite file.
package store

import (
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// NodeParams holds parameters for storing a memory node.
type NodeParams struct {
	Content     string         `validate:"required"`
	Summary     string
	Category    model.Category `validate:"omitempty,oneof=conversation thought knowledge fact preference"`
	Importance  *float64
	Confidence  *float64
	SourceType  string
	SourceRef   string
	SourceRange string
	Depth       *int `validate:"omitempty,min=0"`
	Tags        []string
}

// NodePatch lists the node fields to change. Nil fields are left alone.
type NodePatch struct {
	Content    *string
	Summary    *string
	Category   *model.Category
	Importance *float64
	Confidence *float64
	IsActive   *bool
}

// NodeFilter narrows node listings.
type NodeFilter struct {
	Category        model.Category
	SourceType      string
	IncludeInactive bool
	// ExcludeStructural drops document and section nodes.
	ExcludeStructural bool
	Limit             int
}

// EdgeParams holds parameters for creating an edge.
type EdgeParams struct {
	SourceID string             `validate:"required"`
	TargetID string             `validate:"required"`
	Type     model.RelationType `validate:"required"`
	Strength *float64
	Context  string
}

// Graph is a snapshot of the active graph of one pack.
type Graph struct {
	Nodes []model.MemoryNode   `json:"nodes"`
	Edges []model.Relationship `json:"edges"`
	Stats model.Stats          `json:"stats"`
}

// Package model defines the core memory graph data types.
package model

import (
	"math"
	"time"
)

// Category classifies a memory node.
type Category string

const (
	CategoryConversation Category = "conversation"
	CategoryThought      Category = "thought"
	CategoryKnowledge    Category = "knowledge"
	CategoryFact         Category = "fact"
	CategoryPreference   Category = "preference"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryConversation,
	CategoryThought,
	CategoryKnowledge,
	CategoryFact,
	CategoryPreference,
}

// ValidCategories are the allowed memory categories.
var ValidCategories = map[Category]bool{
	CategoryConversation: true,
	CategoryThought:      true,
	CategoryKnowledge:    true,
	CategoryFact:         true,
	CategoryPreference:   true,
}

// RelationType is the kind of a directed edge.
type RelationType string

const (
	RelPartOf      RelationType = "PART_OF"
	RelRelatesTo   RelationType = "RELATES_TO"
	RelContradicts RelationType = "CONTRADICTS"
	RelReinforces  RelationType = "REINFORCES"
)

// ValidRelations are the allowed edge types.
var ValidRelations = map[RelationType]bool{
	RelPartOf:      true,
	RelRelatesTo:   true,
	RelContradicts: true,
	RelReinforces:  true,
}

// Source types written by the extraction pipeline.
const (
	SourceDocument  = "document"
	SourceSection   = "section"
	SourceExtracted = "extracted"
	SourcePack      = "pack"
	SourceManual    = "manual"
)

const (
	DefaultImportance = 0.5
	DefaultConfidence = 1.0
	DefaultStrength   = 0.5
)

// MemoryNode is a unit of recalled knowledge.
type MemoryNode struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	Summary      string     `json:"summary,omitempty"`
	Category     Category   `json:"category"`
	Importance   float64    `json:"importance"`
	Confidence   float64    `json:"confidence"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastAccessed *time.Time `json:"lastAccessed,omitempty"`
	AccessCount  int        `json:"accessCount"`
	SourceType   string     `json:"sourceType,omitempty"`
	SourceRef    string     `json:"sourceRef,omitempty"`
	SourceRange  string     `json:"sourceRange,omitempty"`
	IsActive     bool       `json:"isActive"`
	Depth        *int       `json:"depth,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
}

// IsStructural reports whether the node was created to hold document
// structure rather than an extracted memory.
func (n MemoryNode) IsStructural() bool {
	return n.SourceType == SourceDocument || n.SourceType == SourceSection
}

// Relationship is a directed link between two nodes.
type Relationship struct {
	ID        string       `json:"id"`
	SourceID  string       `json:"sourceId"`
	TargetID  string       `json:"targetId"`
	Type      RelationType `json:"type"`
	Strength  float64      `json:"strength"`
	Context   string       `json:"context,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Tag attaches a label to a memory.
type Tag struct {
	MemoryID string `json:"memoryId"`
	Tag      string `json:"tag"`
}

// Clamp01 forces v into [0,1]. NaN maps to def.
func Clamp01(v, def float64) float64 {
	switch {
	case math.IsNaN(v):
		return def
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// FloatPtr returns a pointer to v.
func FloatPtr(v float64) *float64 { return &v }

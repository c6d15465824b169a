package store

import (
	"context"
	"time"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// BundleVersion is the export format version.
const BundleVersion = 1

// Bundle is a portable JSON export of a pack's graph.
type Bundle struct {
	Version    int                  `json:"version"`
	ExportedAt time.Time            `json:"exportedAt"`
	Metadata   map[string]string    `json:"metadata"`
	Nodes      []model.MemoryNode   `json:"nodes"`
	Edges      []model.Relationship `json:"edges"`
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	Nodes   int `json:"nodes"`
	Edges   int `json:"edges"`
	Skipped int `json:"skipped"`
}

// Export returns every node (active or not), edge and metadata entry.
func (h handle) Export(ctx context.Context) (*Bundle, error) {
	nodes, err := h.Nodes(ctx, NodeFilter{IncludeInactive: true})
	if err != nil {
		return nil, err
	}
	edges, err := h.Edges(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := h.AllMetadata(ctx)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Version:    BundleVersion,
		ExportedAt: time.Now().UTC(),
		Metadata:   meta,
		Nodes:      nodes,
		Edges:      edges,
	}, nil
}

// Import writes a bundle, keeping ids. Nodes and edges whose id already
// exists are skipped, as are edges whose endpoints are missing. Metadata is
// not imported.
func (h handle) Import(ctx context.Context, b *Bundle) (*ImportResult, error) {
	if err := h.check("import"); err != nil {
		return nil, err
	}
	if b == nil || b.Version != BundleVersion {
		return nil, model.Validation("import", "unsupported bundle version")
	}
	res := &ImportResult{}
	err := h.atomic(ctx, func(h handle) error {
		for _, n := range b.Nodes {
			if n.ID == "" || n.Content == "" {
				res.Skipped++
				continue
			}
			existing, err := h.FindNodeByID(ctx, n.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				res.Skipped++
				continue
			}
			now := h.p.now()
			n.Importance = model.Clamp01(n.Importance, model.DefaultImportance)
			n.Confidence = model.Clamp01(n.Confidence, model.DefaultConfidence)
			if !model.ValidCategories[n.Category] {
				n.Category = model.CategoryKnowledge
			}
			if n.CreatedAt.IsZero() {
				n.CreatedAt = now
			}
			n.UpdatedAt = now
			if err := h.insertNode(ctx, &n); err != nil {
				return err
			}
			if _, err := h.insertTags(ctx, n.ID, n.Tags); err != nil {
				return err
			}
			if err := h.clearTombstone(ctx, tombNode, n.ID); err != nil {
				return err
			}
			res.Nodes++
		}

		for _, e := range b.Edges {
			if e.ID == "" || e.SourceID == e.TargetID || !model.ValidRelations[e.Type] {
				res.Skipped++
				continue
			}
			if dup, err := h.EdgeByID(ctx, e.ID); err != nil {
				return err
			} else if dup != nil {
				res.Skipped++
				continue
			}
			if dup, err := h.findEdge(ctx, e.SourceID, e.TargetID, e.Type); err != nil {
				return err
			} else if dup != nil {
				res.Skipped++
				continue
			}
			src, err := h.FindNodeByID(ctx, e.SourceID)
			if err != nil {
				return err
			}
			dst, err := h.FindNodeByID(ctx, e.TargetID)
			if err != nil {
				return err
			}
			if src == nil || dst == nil {
				res.Skipped++
				continue
			}
			e.Strength = model.Clamp01(e.Strength, model.DefaultStrength)
			e.CreatedAt = h.p.now()
			if err := h.insertEdge(ctx, &e); err != nil {
				return err
			}
			if err := h.clearTombstone(ctx, tombEdge, e.ID); err != nil {
				return err
			}
			res.Edges++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (h handle) clearTombstone(ctx context.Context, kind, id string) error {
	_, err := h.q.ExecContext(ctx, `DELETE FROM tombstones WHERE kind = ? AND id = ?`, kind, id)
	return model.Storage("clear tombstone", id, err)
}

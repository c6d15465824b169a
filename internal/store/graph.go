package store

import (
	"context"
	"time"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// GraphData returns active nodes, the edges between them and full stats.
func (h handle) GraphData(ctx context.Context) (*Graph, error) {
	nodes, err := h.Nodes(ctx, NodeFilter{})
	if err != nil {
		return nil, err
	}
	edges, err := h.queryEdges(ctx, "graph data",
		`SELECT e.id, e.source_id, e.target_id, e.type, e.strength, e.context, e.created_at
		 FROM edges e
		 JOIN nodes s ON s.id = e.source_id AND s.is_active = 1
		 JOIN nodes t ON t.id = e.target_id AND t.is_active = 1
		 ORDER BY e.created_at, e.id`)
	if err != nil {
		return nil, err
	}
	st, err := h.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Graph{Nodes: nodes, Edges: edges, Stats: st}, nil
}

// GraphDelta returns changes after since, up to the current watermark.
func (h handle) GraphDelta(ctx context.Context, since time.Time) (*model.Delta, error) {
	until, err := h.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	return h.Changes(ctx, since, until)
}

// Changes returns the nodes updated, edges created and items deleted in
// (since, until]. Inactive nodes are included so that deactivation is
// visible to the reader.
func (h handle) Changes(ctx context.Context, since, until time.Time) (*model.Delta, error) {
	if err := h.check("changes"); err != nil {
		return nil, err
	}
	d := &model.Delta{
		Since:          since.UTC(),
		Until:          until.UTC(),
		DeletedNodeIDs: []string{},
		DeletedEdgeIDs: []string{},
	}
	if !until.After(since) {
		d.Nodes = []model.MemoryNode{}
		d.Edges = []model.Relationship{}
		return d, nil
	}
	lo, hi := formatTime(since), formatTime(until)

	var err error
	d.Nodes, err = h.queryNodes(ctx, "changes",
		`SELECT `+nodeColumns+` FROM nodes WHERE updated_at > ? AND updated_at <= ?
		 ORDER BY updated_at, id`, lo, hi)
	if err != nil {
		return nil, err
	}
	d.Edges, err = h.queryEdges(ctx, "changes",
		`SELECT `+edgeColumns+` FROM edges WHERE created_at > ? AND created_at <= ?
		 ORDER BY created_at, id`, lo, hi)
	if err != nil {
		return nil, err
	}

	rows, err := h.q.QueryContext(ctx,
		`SELECT kind, id FROM tombstones WHERE deleted_at > ? AND deleted_at <= ?
		 ORDER BY deleted_at, id`, lo, hi)
	if err != nil {
		return nil, model.Storage("changes", h.p.path, err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, model.Storage("changes", h.p.path, err)
		}
		if kind == tombNode {
			d.DeletedNodeIDs = append(d.DeletedNodeIDs, id)
		} else {
			d.DeletedEdgeIDs = append(d.DeletedEdgeIDs, id)
		}
	}
	return d, model.Storage("changes", h.p.path, rows.Err())
}

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

const edgeColumns = `id, source_id, target_id, type, strength, context, created_at`

// CreateEdge links two existing nodes. Creating an edge that already exists
// for the same (source, target, type) returns the stored edge.
func (h handle) CreateEdge(ctx context.Context, p EdgeParams) (*model.Relationship, error) {
	if err := h.check("create edge"); err != nil {
		return nil, err
	}
	if err := model.ValidateStruct("create edge", p); err != nil {
		return nil, err
	}
	if !model.ValidRelations[p.Type] {
		return nil, model.Validation("create edge", "invalid relation %q (valid: PART_OF, RELATES_TO, CONTRADICTS, REINFORCES)", p.Type)
	}
	if p.SourceID == p.TargetID {
		return nil, model.Validation("create edge", "self loop on %s", p.SourceID)
	}
	strength := model.DefaultStrength
	if p.Strength != nil {
		strength = model.Clamp01(*p.Strength, model.DefaultStrength)
	}

	var edge *model.Relationship
	err := h.atomic(ctx, func(h handle) error {
		for _, id := range []string{p.SourceID, p.TargetID} {
			var one int
			err := h.q.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return model.Invariant("create edge", "endpoint %s does not exist", id)
			}
			if err != nil {
				return model.Storage("create edge", id, err)
			}
		}

		existing, err := h.findEdge(ctx, p.SourceID, p.TargetID, p.Type)
		if err != nil || existing != nil {
			edge = existing
			return err
		}

		now := h.p.now()
		e := &model.Relationship{
			ID:        h.p.newID(now),
			SourceID:  p.SourceID,
			TargetID:  p.TargetID,
			Type:      p.Type,
			Strength:  strength,
			Context:   p.Context,
			CreatedAt: now,
		}
		if err := h.insertEdge(ctx, e); err != nil {
			return err
		}
		edge = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

func (h handle) insertEdge(ctx context.Context, e *model.Relationship) error {
	_, err := h.q.ExecContext(ctx,
		`INSERT INTO edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceID, e.TargetID, string(e.Type), e.Strength, e.Context, formatTime(e.CreatedAt))
	return model.Storage("insert edge", e.ID, err)
}

func (h handle) findEdge(ctx context.Context, source, target string, typ model.RelationType) (*model.Relationship, error) {
	row := h.q.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE source_id = ? AND target_id = ? AND type = ?`,
		source, target, string(typ))
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Storage("find edge", source+"->"+target, err)
	}
	return &e, nil
}

// EdgeByID returns the edge or nil when absent.
func (h handle) EdgeByID(ctx context.Context, id string) (*model.Relationship, error) {
	if err := h.check("find edge"); err != nil {
		return nil, err
	}
	e, err := scanEdge(h.q.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Storage("find edge", id, err)
	}
	return &e, nil
}

// EdgesForNode returns every edge touching the node, in either direction.
func (h handle) EdgesForNode(ctx context.Context, id string) ([]model.Relationship, error) {
	if err := h.check("edges for node"); err != nil {
		return nil, err
	}
	return h.queryEdges(ctx, "edges for node",
		`SELECT `+edgeColumns+` FROM edges WHERE source_id = ? OR target_id = ? ORDER BY created_at, id`, id, id)
}

// Edges returns every edge in the pack.
func (h handle) Edges(ctx context.Context) ([]model.Relationship, error) {
	if err := h.check("list edges"); err != nil {
		return nil, err
	}
	return h.queryEdges(ctx, "list edges", `SELECT `+edgeColumns+` FROM edges ORDER BY created_at, id`)
}

// DeleteEdge removes an edge and records a tombstone for it.
func (h handle) DeleteEdge(ctx context.Context, id string) error {
	if err := h.check("delete edge"); err != nil {
		return err
	}
	return h.atomic(ctx, func(h handle) error {
		res, err := h.q.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id)
		if err != nil {
			return model.Storage("delete edge", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NotFound("delete edge", id)
		}
		return h.tombstone(ctx, tombEdge, id, h.p.now())
	})
}

func (h handle) queryEdges(ctx context.Context, op, query string, args ...any) ([]model.Relationship, error) {
	rows, err := h.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.Storage(op, h.p.path, err)
	}
	defer rows.Close()

	edges := []model.Relationship{}
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, model.Storage(op, h.p.path, err)
		}
		edges = append(edges, e)
	}
	return edges, model.Storage(op, h.p.path, rows.Err())
}

func scanEdge(row scanner) (model.Relationship, error) {
	var e model.Relationship
	var typ, createdAt string
	if err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &typ, &e.Strength, &e.Context, &createdAt); err != nil {
		return e, err
	}
	e.Type = model.RelationType(typ)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

const (
	tombNode = "node"
	tombEdge = "edge"
)

// DeleteNodeWithChildren hard-deletes a node and every node reachable from
// it through incoming PART_OF edges, together with their tags and edges.
// It returns the deleted ids; an unknown id deletes nothing.
func (h handle) DeleteNodeWithChildren(ctx context.Context, id string) ([]string, error) {
	if err := h.check("delete node"); err != nil {
		return nil, err
	}
	deleted := []string{}
	err := h.atomic(ctx, func(h handle) error {
		var one int
		err := h.q.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return model.Storage("delete node", id, err)
		}

		children, err := h.childIndex(ctx)
		if err != nil {
			return err
		}

		// seen guards against PART_OF cycles.
		seen := map[string]bool{id: true}
		work := []string{id}
		for len(work) > 0 {
			cur := work[0]
			work = work[1:]
			deleted = append(deleted, cur)
			for _, c := range children[cur] {
				if !seen[c] {
					seen[c] = true
					work = append(work, c)
				}
			}
		}

		now := h.p.now()
		for _, nid := range deleted {
			if err := h.purgeNode(ctx, nid, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// childIndex maps each node to the sources of PART_OF edges pointing at it.
func (h handle) childIndex(ctx context.Context) (map[string][]string, error) {
	rows, err := h.q.QueryContext(ctx,
		`SELECT source_id, target_id FROM edges WHERE type = ? ORDER BY created_at, id`, string(model.RelPartOf))
	if err != nil {
		return nil, model.Storage("child index", h.p.path, err)
	}
	defer rows.Close()

	children := map[string][]string{}
	for rows.Next() {
		var src, dst string
		if err := rows.Scan(&src, &dst); err != nil {
			return nil, model.Storage("child index", h.p.path, err)
		}
		children[dst] = append(children[dst], src)
	}
	return children, model.Storage("child index", h.p.path, rows.Err())
}

func (h handle) purgeNode(ctx context.Context, id string, now time.Time) error {
	rows, err := h.q.QueryContext(ctx, `SELECT id FROM edges WHERE source_id = ? OR target_id = ?`, id, id)
	if err != nil {
		return model.Storage("delete node", id, err)
	}
	var edgeIDs []string
	for rows.Next() {
		var eid string
		if err := rows.Scan(&eid); err != nil {
			rows.Close()
			return model.Storage("delete node", id, err)
		}
		edgeIDs = append(edgeIDs, eid)
	}
	rows.Close()

	for _, eid := range edgeIDs {
		if _, err := h.q.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, eid); err != nil {
			return model.Storage("delete edge", eid, err)
		}
		if err := h.tombstone(ctx, tombEdge, eid, now); err != nil {
			return err
		}
	}
	if _, err := h.q.ExecContext(ctx, `DELETE FROM tags WHERE memory_id = ?`, id); err != nil {
		return model.Storage("delete node", id, err)
	}
	if _, err := h.q.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return model.Storage("delete node", id, err)
	}
	return h.tombstone(ctx, tombNode, id, now)
}

func (h handle) tombstone(ctx context.Context, kind, id string, at time.Time) error {
	_, err := h.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO tombstones (kind, id, deleted_at) VALUES (?, ?, ?)`, kind, id, formatTime(at))
	return model.Storage("tombstone", id, err)
}

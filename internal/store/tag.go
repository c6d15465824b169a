package store

import (
	"context"
	"sort"
	"strings"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// TagCount is a tag and the number of nodes carrying it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// normalizeTags lower-cases and trims tags, dropping empties and repeats.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// AddTags attaches tags to a node. Tags already present are ignored.
func (h handle) AddTags(ctx context.Context, memoryID string, tags []string) ([]string, error) {
	if err := h.check("add tags"); err != nil {
		return nil, err
	}
	var all []string
	err := h.atomic(ctx, func(h handle) error {
		if _, err := h.mustNode(ctx, "add tags", memoryID); err != nil {
			return err
		}
		before, err := h.TagsFor(ctx, memoryID)
		if err != nil {
			return err
		}
		if all, err = h.insertTags(ctx, memoryID, tags); err != nil {
			return err
		}
		if len(all) == len(before) {
			return nil
		}
		_, err = h.q.ExecContext(ctx, `UPDATE nodes SET updated_at = ? WHERE id = ?`,
			formatTime(h.p.now()), memoryID)
		return model.Storage("add tags", memoryID, err)
	})
	return all, err
}

// insertTags writes normalized tags and returns the node's full tag set.
func (h handle) insertTags(ctx context.Context, memoryID string, tags []string) ([]string, error) {
	for _, t := range normalizeTags(tags) {
		if _, err := h.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (memory_id, tag) VALUES (?, ?)`, memoryID, t); err != nil {
			return nil, model.Storage("insert tag", memoryID, err)
		}
	}
	return h.TagsFor(ctx, memoryID)
}

// TagsFor returns the sorted tags of one node.
func (h handle) TagsFor(ctx context.Context, memoryID string) ([]string, error) {
	rows, err := h.q.QueryContext(ctx, `SELECT tag FROM tags WHERE memory_id = ? ORDER BY tag`, memoryID)
	if err != nil {
		return nil, model.Storage("tags for", memoryID, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, model.Storage("tags for", memoryID, err)
		}
		tags = append(tags, t)
	}
	return tags, model.Storage("tags for", memoryID, rows.Err())
}

// ListTags returns every tag with its node count, most used first.
func (h handle) ListTags(ctx context.Context) ([]TagCount, error) {
	if err := h.check("list tags"); err != nil {
		return nil, err
	}
	rows, err := h.q.QueryContext(ctx,
		`SELECT tag, COUNT(*) AS cnt FROM tags GROUP BY tag ORDER BY cnt DESC, tag`)
	if err != nil {
		return nil, model.Storage("list tags", h.p.path, err)
	}
	defer rows.Close()

	out := []TagCount{}
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, model.Storage("list tags", h.p.path, err)
		}
		out = append(out, tc)
	}
	return out, model.Storage("list tags", h.p.path, rows.Err())
}

// attachTags fills the Tags field of each node with one query.
func (h handle) attachTags(ctx context.Context, nodes []model.MemoryNode) error {
	if len(nodes) == 0 {
		return nil
	}
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}
	rows, err := h.q.QueryContext(ctx, `SELECT memory_id, tag FROM tags ORDER BY memory_id, tag`)
	if err != nil {
		return model.Storage("load tags", h.p.path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return model.Storage("load tags", h.p.path, err)
		}
		if i, ok := index[id]; ok {
			nodes[i].Tags = append(nodes[i].Tags, tag)
		}
	}
	return model.Storage("load tags", h.p.path, rows.Err())
}

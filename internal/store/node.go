package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

const nodeColumns = `id, content, summary, category, importance, confidence, created_at, updated_at,
	last_accessed, access_count, source_type, source_ref, source_range, is_active, depth`

// StoreNode validates and inserts a node, returning it as persisted.
func (h handle) StoreNode(ctx context.Context, p NodeParams) (*model.MemoryNode, error) {
	if err := h.check("store node"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, model.Validation("store node", "content is required")
	}
	if err := model.ValidateStruct("store node", p); err != nil {
		return nil, err
	}

	category := p.Category
	if category == "" {
		category = model.CategoryKnowledge
	}
	importance := model.DefaultImportance
	if p.Importance != nil {
		importance = model.Clamp01(*p.Importance, model.DefaultImportance)
	}
	confidence := model.DefaultConfidence
	if p.Confidence != nil {
		confidence = model.Clamp01(*p.Confidence, model.DefaultConfidence)
	}

	now := h.p.now()
	n := &model.MemoryNode{
		ID:          h.p.newID(now),
		Content:     p.Content,
		Summary:     p.Summary,
		Category:    category,
		Importance:  importance,
		Confidence:  confidence,
		CreatedAt:   now,
		UpdatedAt:   now,
		SourceType:  p.SourceType,
		SourceRef:   p.SourceRef,
		SourceRange: p.SourceRange,
		IsActive:    true,
		Depth:       p.Depth,
	}

	err := h.atomic(ctx, func(h handle) error {
		if err := h.insertNode(ctx, n); err != nil {
			return err
		}
		tags, err := h.insertTags(ctx, n.ID, p.Tags)
		if err != nil {
			return err
		}
		n.Tags = tags
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (h handle) insertNode(ctx context.Context, n *model.MemoryNode) error {
	var depth any
	if n.Depth != nil {
		depth = *n.Depth
	}
	_, err := h.q.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Content, n.Summary, string(n.Category), n.Importance, n.Confidence,
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt), nullTime(n.LastAccessed), n.AccessCount,
		n.SourceType, n.SourceRef, n.SourceRange, n.IsActive, depth)
	if err != nil {
		return model.Storage("insert node", n.ID, err)
	}
	return nil
}

// FindNodeByID returns the node with its tags, or nil when absent.
func (h handle) FindNodeByID(ctx context.Context, id string) (*model.MemoryNode, error) {
	if err := h.check("find node"); err != nil {
		return nil, err
	}
	row := h.q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Storage("find node", id, err)
	}
	if n.Tags, err = h.TagsFor(ctx, id); err != nil {
		return nil, err
	}
	return &n, nil
}

// mustNode loads a node or fails with a not-found error.
func (h handle) mustNode(ctx context.Context, op, id string) (*model.MemoryNode, error) {
	n, err := h.FindNodeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, model.NotFound(op, id)
	}
	return n, nil
}

// UpdateNode applies patch and bumps updatedAt. Scores are clamped.
func (h handle) UpdateNode(ctx context.Context, id string, patch NodePatch) (*model.MemoryNode, error) {
	if err := h.check("update node"); err != nil {
		return nil, err
	}
	var sets []string
	var args []any
	if patch.Content != nil {
		if strings.TrimSpace(*patch.Content) == "" {
			return nil, model.Validation("update node", "content is required")
		}
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *patch.Summary)
	}
	if patch.Category != nil {
		if !model.ValidCategories[*patch.Category] {
			return nil, model.Validation("update node", "invalid category %q", *patch.Category)
		}
		sets = append(sets, "category = ?")
		args = append(args, string(*patch.Category))
	}
	if patch.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, model.Clamp01(*patch.Importance, model.DefaultImportance))
	}
	if patch.Confidence != nil {
		sets = append(sets, "confidence = ?")
		args = append(args, model.Clamp01(*patch.Confidence, model.DefaultConfidence))
	}
	if patch.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *patch.IsActive)
	}

	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, formatTime(h.p.now()), id)
		res, err := h.q.ExecContext(ctx,
			fmt.Sprintf(`UPDATE nodes SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
		if err != nil {
			return nil, model.Storage("update node", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, model.NotFound("update node", id)
		}
	}
	return h.mustNode(ctx, "update node", id)
}

// DeactivateNode soft-deletes a node. It stays in the pack but drops out of
// graph views and search.
func (h handle) DeactivateNode(ctx context.Context, id string) (*model.MemoryNode, error) {
	inactive := false
	return h.UpdateNode(ctx, id, NodePatch{IsActive: &inactive})
}

// TouchNodes records an access on each node. It leaves updatedAt alone, so
// reads never show up in deltas.
func (h handle) TouchNodes(ctx context.Context, ids []string) error {
	if err := h.check("touch nodes"); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	marks, args := placeholders(ids)
	args = append([]any{formatTime(h.p.now())}, args...)
	_, err := h.q.ExecContext(ctx,
		`UPDATE nodes SET access_count = access_count + 1, last_accessed = ?
		 WHERE id IN (`+marks+`)`, args...)
	return model.Storage("touch nodes", h.p.path, err)
}

// Nodes lists nodes oldest first.
func (h handle) Nodes(ctx context.Context, f NodeFilter) ([]model.MemoryNode, error) {
	if err := h.check("list nodes"); err != nil {
		return nil, err
	}
	var where []string
	var args []any
	if !f.IncludeInactive {
		where = append(where, "is_active = 1")
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.SourceType != "" {
		where = append(where, "source_type = ?")
		args = append(args, f.SourceType)
	}
	if f.ExcludeStructural {
		where = append(where, "source_type NOT IN (?, ?)")
		args = append(args, model.SourceDocument, model.SourceSection)
	}
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return h.queryNodes(ctx, "list nodes", query, args...)
}

func (h handle) queryNodes(ctx context.Context, op, query string, args ...any) ([]model.MemoryNode, error) {
	rows, err := h.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.Storage(op, h.p.path, err)
	}
	defer rows.Close()

	nodes := []model.MemoryNode{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, model.Storage(op, h.p.path, err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(op, h.p.path, err)
	}
	rows.Close()
	if err := h.attachTags(ctx, nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func scanNode(row scanner) (model.MemoryNode, error) {
	var n model.MemoryNode
	var category, createdAt, updatedAt string
	var lastAccessed sql.NullString
	var depth sql.NullInt64

	err := row.Scan(
		&n.ID, &n.Content, &n.Summary, &category, &n.Importance, &n.Confidence,
		&createdAt, &updatedAt, &lastAccessed, &n.AccessCount,
		&n.SourceType, &n.SourceRef, &n.SourceRange, &n.IsActive, &depth,
	)
	if err != nil {
		return n, err
	}
	n.Category = model.Category(category)
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	n.LastAccessed = scanNullTime(lastAccessed)
	if depth.Valid {
		n.Depth = model.IntPtr(int(depth.Int64))
	}
	return n, nil
}

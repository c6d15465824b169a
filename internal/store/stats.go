package store

import (
	"context"
	"os"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// Info describes a pack file for display.
type Info struct {
	Path      string            `json:"path"`
	SizeBytes int64             `json:"sizeBytes"`
	Metadata  map[string]string `json:"metadata"`
	Stats     model.Stats       `json:"stats"`
}

// Stats counts nodes, edges, tags and queued jobs without loading rows.
func (h handle) Stats(ctx context.Context) (model.Stats, error) {
	st := model.Stats{Categories: map[model.Category]int{}}
	if err := h.check("stats"); err != nil {
		return st, err
	}

	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&st.TotalNodes, `SELECT COUNT(*) FROM nodes`, nil},
		{&st.ActiveNodes, `SELECT COUNT(*) FROM nodes WHERE is_active = 1`, nil},
		{&st.Edges, `SELECT COUNT(*) FROM edges`, nil},
		{&st.Tags, `SELECT COUNT(DISTINCT tag) FROM tags`, nil},
		{&st.Relationships, `SELECT COUNT(*) FROM edges WHERE type != ?`, []any{string(model.RelPartOf)}},
		{&st.PendingJobs, `SELECT COUNT(*) FROM jobs WHERE status IN (?, ?)`,
			[]any{string(model.JobPending), string(model.JobProcessing)}},
	}
	for _, c := range counts {
		if err := h.q.QueryRowContext(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return st, model.Storage("stats", h.p.path, err)
		}
	}

	rows, err := h.q.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM nodes WHERE is_active = 1 GROUP BY category`)
	if err != nil {
		return st, model.Storage("stats", h.p.path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return st, model.Storage("stats", h.p.path, err)
		}
		st.Categories[model.Category(cat)] = n
	}
	return st, model.Storage("stats", h.p.path, rows.Err())
}

// Info returns the pack's file size, metadata and stats.
func (p *Pack) Info(ctx context.Context) (*Info, error) {
	info := &Info{Path: p.path}
	if fi, err := os.Stat(p.path); err == nil {
		info.SizeBytes = fi.Size()
	}
	var err error
	if info.Metadata, err = p.AllMetadata(ctx); err != nil {
		return nil, err
	}
	if info.Stats, err = p.Stats(ctx); err != nil {
		return nil, err
	}
	return info, nil
}

package store

import (
	"context"
	"strings"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// SearchParams holds parameters for a keyword search.
type SearchParams struct {
	Query    string
	Category model.Category
	Limit    int
}

// SearchResult is a matching node with its relevance (higher is better).
type SearchResult struct {
	model.MemoryNode
	Score float64 `json:"score"`
}

// Search runs a full-text query over active node content and summaries,
// best matches first. Any query term may match.
func (h handle) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	if err := h.check("search"); err != nil {
		return nil, err
	}
	match := ftsQuery(p.Query)
	if match == "" {
		return nil, model.Validation("search", "query is empty")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"nodes_fts MATCH ?", "n.is_active = 1"}
	args := []any{match}
	if p.Category != "" {
		where = append(where, "n.category = ?")
		args = append(args, string(p.Category))
	}
	args = append(args, limit)

	rows, err := h.q.QueryContext(ctx,
		`SELECT n.id, n.content, n.summary, n.category, n.importance, n.confidence, n.created_at,
		        n.updated_at, n.last_accessed, n.access_count, n.source_type, n.source_ref,
		        n.source_range, n.is_active, n.depth, bm25(nodes_fts) AS rank
		 FROM nodes_fts JOIN nodes n ON n.rowid = nodes_fts.rowid
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY rank LIMIT ?`, args...)
	if err != nil {
		return nil, model.Storage("search", h.p.path, err)
	}

	var nodes []model.MemoryNode
	var ranks []float64
	for rows.Next() {
		var rank float64
		n, err := scanNode(rankScanner{rows, &rank})
		if err != nil {
			rows.Close()
			return nil, model.Storage("search", h.p.path, err)
		}
		nodes = append(nodes, n)
		ranks = append(ranks, rank)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, model.Storage("search", h.p.path, err)
	}
	if err := h.attachTags(ctx, nodes); err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(nodes))
	for i, n := range nodes {
		// bm25 is negative; smaller is a better match.
		results[i] = SearchResult{MemoryNode: n, Score: -ranks[i]}
	}
	return results, nil
}

// rankScanner appends the trailing rank column to a node scan.
type rankScanner struct {
	s    scanner
	rank *float64
}

func (r rankScanner) Scan(dest ...any) error {
	return r.s.Scan(append(dest, r.rank)...)
}

// ftsQuery quotes each term so user input never reaches the FTS5 grammar.
func ftsQuery(q string) string {
	var terms []string
	for _, f := range strings.Fields(q) {
		f = strings.Trim(f, `"`)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}

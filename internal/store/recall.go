package store

import (
	"context"
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// RecallParams holds parameters for recall assembly.
type RecallParams struct {
	Query    string
	Category model.Category
	Budget   int // max chars in output (rough token proxy: 1 token ≈ 4 chars)
}

// RecalledMemory is a scored node in a recall result.
type RecalledMemory struct {
	ID       string         `json:"id"`
	Category model.Category `json:"category"`
	Summary  string         `json:"summary,omitempty"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Excerpt  bool           `json:"excerpt,omitempty"`
}

// RecallResult is the assembled recall response.
type RecallResult struct {
	Budget   int              `json:"budget"`
	Used     int              `json:"used"`
	Memories []RecalledMemory `json:"memories"`
}

const ellipsis = "..."

// Recall searches, scores and packs the best nodes into a token budget,
// then records an access on each returned node.
func (h handle) Recall(ctx context.Context, p RecallParams) (*RecallResult, error) {
	budget := p.Budget
	if budget <= 0 {
		budget = 4000
	}
	charBudget := budget * 4

	results, err := h.Search(ctx, SearchParams{Query: p.Query, Category: p.Category, Limit: 50})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &RecallResult{Budget: budget, Memories: []RecalledMemory{}}, nil
	}

	now := time.Now()
	type scored struct {
		node  model.MemoryNode
		score float64
	}
	candidates := make([]scored, 0, len(results))
	for i, r := range results {
		// Search order is relevance order.
		relevance := 1.0 - float64(i)/float64(len(results))

		age := now.Sub(r.UpdatedAt).Hours() / 24.0
		recency := math.Exp(-0.1 * age)

		accessFreq := 0.0
		if r.AccessCount > 0 {
			accessFreq = math.Min(1, math.Log(float64(r.AccessCount)+1)/math.Log(100))
		}

		score := relevance*0.4 + recency*0.2 + r.Importance*0.2 + accessFreq*0.2
		candidates = append(candidates, scored{node: r.MemoryNode, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	result := &RecallResult{Budget: budget, Memories: []RecalledMemory{}}
	used := 0
	var touched []string
	for _, c := range candidates {
		mem := RecalledMemory{
			ID:       c.node.ID,
			Category: c.node.Category,
			Summary:  c.node.Summary,
			Content:  c.node.Content,
			Score:    math.Round(c.score*100) / 100,
		}
		if used+len(mem.Content) <= charBudget {
			result.Memories = append(result.Memories, mem)
			touched = append(touched, mem.ID)
			used += len(mem.Content)
			continue
		}
		if remaining := charBudget - used - len(ellipsis); remaining >= 100 {
			for remaining > 0 && !utf8.RuneStart(mem.Content[remaining]) {
				remaining--
			}
			mem.Content = mem.Content[:remaining] + ellipsis
			mem.Excerpt = true
			result.Memories = append(result.Memories, mem)
			touched = append(touched, mem.ID)
			used += len(mem.Content)
		}
		break
	}
	result.Used = used / 4

	if err := h.TouchNodes(ctx, touched); err != nil {
		return nil, err
	}
	return result, nil
}

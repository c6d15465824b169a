package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/chunker"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/completion"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

// ExtractResult is stored on a completed extract_recursive job.
type ExtractResult struct {
	RootID   string `json:"rootId"`
	Sections int    `json:"sections"`
	Memories int    `json:"memories"`
}

// ExtractPayload builds the payload of an extract_recursive job.
func ExtractPayload(doc model.Document, maxDepth int, instructions string) model.JobPayload {
	return model.JobPayload{
		Version: model.PayloadVersion,
		Extract: &model.ExtractCursor{Document: doc, MaxDepth: maxDepth, Instructions: instructions},
	}
}

func (p *Pipeline) maxDepth(d int) int {
	if d <= 0 {
		d = p.opts.MaxDepth
	}
	return min(d, MaxDepthLimit)
}

// extract handles one section per step. The root is created with the
// first section.
func (p *Pipeline) extract(ctx context.Context, pk *store.Pack, job *model.MemoryJob) (applyFunc, error) {
	c := job.Payload.Extract
	sections := chunker.Sections(c.Document.Content)
	if len(sections) == 0 {
		return nil, model.Validation("extract", "document %q has no content", c.Document.Title)
	}
	job.TotalSteps = len(sections)
	if c.BlockIndex >= len(sections) {
		return nil, p.completeExtract(job)
	}

	maxDepth := p.maxDepth(c.MaxDepth)
	sec := sections[c.BlockIndex]
	instructions := completion.Join(completion.ExtractInstructions, c.Instructions)

	var candidates []completion.Candidate
	for _, piece := range chunker.Split(sec.Text, sec.StartLine, p.opts.ChunkSize) {
		got, err := p.cap.Propose(ctx, piece.Text, instructions)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, got...)
	}

	sourceType := c.Document.SourceType
	if sourceType == "" || sourceType == model.SourceDocument || sourceType == model.SourceSection {
		sourceType = model.SourceExtracted
	}
	lines := fmt.Sprintf("lines %d-%d", sec.StartLine, sec.EndLine)

	return func(ctx context.Context, tx *store.Tx) error {
		if c.RootID == "" {
			root, err := tx.StoreNode(ctx, store.NodeParams{
				Content:    rootContent(c.Document),
				Summary:    c.Document.Title,
				Category:   model.CategoryKnowledge,
				SourceType: model.SourceDocument,
				SourceRef:  c.Document.SourceRef,
				Depth:      model.IntPtr(0),
			})
			if err != nil {
				return err
			}
			c.RootID = root.ID
			c.ParentStack = []model.StackEntry{{NodeID: root.ID, Depth: 0}}
		}

		parentID, childDepth := c.RootID, 1
		if maxDepth > 1 {
			depth := min(max(sec.Level, 1), maxDepth-1)
			c.ParentStack = popTo(c.ParentStack, depth)
			parent := c.ParentStack[len(c.ParentStack)-1]
			title := sec.Title
			if title == "" {
				title = c.Document.Title
			}
			node, err := tx.StoreNode(ctx, store.NodeParams{
				Content:     sec.Text,
				Summary:     title,
				Category:    model.CategoryKnowledge,
				SourceType:  model.SourceSection,
				SourceRef:   c.Document.SourceRef,
				SourceRange: lines,
				Depth:       model.IntPtr(depth),
			})
			if err != nil {
				return err
			}
			if err := partOf(ctx, tx, node.ID, parent.NodeID); err != nil {
				return err
			}
			c.ParentStack = append(c.ParentStack, model.StackEntry{NodeID: node.ID, Depth: depth})
			c.BlockTitle = sec.Title
			parentID, childDepth = node.ID, depth+1
		}

		for _, cand := range candidates {
			params, ok := candidateParams(cand)
			if !ok {
				continue
			}
			params.SourceType = sourceType
			params.SourceRef = c.Document.SourceRef
			params.SourceRange = lines
			params.Depth = model.IntPtr(childDepth)
			n, err := tx.StoreNode(ctx, params)
			if err != nil {
				return err
			}
			if err := partOf(ctx, tx, n.ID, parentID); err != nil {
				return err
			}
			c.Memories++
		}

		c.BlockIndex++
		job.Advance()
		if c.BlockIndex >= len(sections) {
			return p.completeExtract(job)
		}
		return nil
	}, nil
}

func (p *Pipeline) completeExtract(job *model.MemoryJob) error {
	c := job.Payload.Extract
	return job.Complete(ExtractResult{RootID: c.RootID, Sections: job.TotalSteps, Memories: c.Memories}, p.clock())
}

// popTo drops stack entries at depth or deeper. The root entry stays.
func popTo(stack []model.StackEntry, depth int) []model.StackEntry {
	for len(stack) > 1 && stack[len(stack)-1].Depth >= depth {
		stack = stack[:len(stack)-1]
	}
	return stack
}

func rootContent(doc model.Document) string {
	if t := strings.TrimSpace(doc.Title); t != "" {
		return t
	}
	first, _, _ := strings.Cut(strings.TrimSpace(doc.Content), "\n")
	first = strings.TrimSpace(strings.TrimLeft(first, "#"))
	if len(first) > 200 {
		first = first[:200]
	}
	if first == "" {
		return "Untitled document"
	}
	return first
}

func partOf(ctx context.Context, tx *store.Tx, child, parent string) error {
	_, err := tx.CreateEdge(ctx, store.EdgeParams{
		SourceID: child,
		TargetID: parent,
		Type:     model.RelPartOf,
		Strength: model.FloatPtr(1),
	})
	return err
}

// candidateParams turns a proposed memory into node parameters. Empty
// candidates are dropped.
func candidateParams(c completion.Candidate) (store.NodeParams, bool) {
	content := strings.TrimSpace(c.Content)
	if content == "" {
		return store.NodeParams{}, false
	}
	category := c.Category
	if !model.ValidCategories[category] {
		category = model.CategoryKnowledge
	}
	params := store.NodeParams{
		Content:  content,
		Summary:  strings.TrimSpace(c.Summary),
		Category: category,
		Tags:     c.Tags,
	}
	if c.Importance > 0 {
		params.Importance = model.FloatPtr(c.Importance)
	}
	if c.Confidence > 0 {
		params.Confidence = model.FloatPtr(c.Confidence)
	}
	return params, true
}

package jobs

import (
	"context"
	"errors"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/locator"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

// MergeResult is stored on a completed merge job.
type MergeResult struct {
	Source      string `json:"source"`
	CopiedNodes int    `json:"copiedNodes"`
	CopiedEdges int    `json:"copiedEdges"`
}

// MergePayload builds the payload of a merge job copying source into the
// job's pack.
func MergePayload(source model.Locator, batchSize int) model.JobPayload {
	return model.JobPayload{
		Version: model.PayloadVersion,
		Merge:   &model.MergeCursor{Source: source, BatchSize: batchSize},
	}
}

// mergeSource normalizes source and rejects merging a pack into itself.
func mergeSource(target, source model.Locator) (model.Locator, error) {
	t, err := locator.Pack(target)
	if err != nil {
		return source, err
	}
	s, err := locator.Pack(source)
	if err != nil {
		return source, err
	}
	if s == t {
		return source, model.Validation("merge", "source and target are the same pack %s", t.String())
	}
	return s, nil
}

// viewSource opens the merge source for reading. A missing source is a
// validation failure of the job, not a storage error.
func (p *Pipeline) viewSource(ctx context.Context, src model.Locator, fn func(sp *store.Pack) error) error {
	err := p.opener.View(ctx, src, fn)
	if errors.Is(err, model.ErrNotFound) {
		return model.Validation("merge", "source pack %s does not exist", src.String())
	}
	return err
}

// errCursorMoved reports that another process stepped the job between the
// source read and the target lock.
var errCursorMoved = errors.New("job cursor moved")

// mergePos identifies a merge cursor position.
type mergePos struct {
	planned      bool
	nodes, edges int
}

func posOf(c *model.MergeCursor) mergePos {
	return mergePos{planned: c.Planned, nodes: len(c.NodeQueue), edges: len(c.EdgeQueue)}
}

// sourceBatch is one step's reads from a merge source. It is taken before
// the target pack is locked, so a merge step never holds two pack locks.
type sourceBatch struct {
	at        mergePos
	nodeQueue []string
	edgeQueue []string
	nodes     []model.MemoryNode
	edges     []model.Relationship
	// err is a validation failure to record on the job.
	err error
}

func (p *Pipeline) batchSize(n int) int {
	if n <= 0 {
		return p.opts.BatchSize
	}
	return n
}

// readSource loads the merge cursor under a shared lock on the target, then
// reads the next batch from the source with the target unlocked. It returns
// nil when the job is not a runnable merge job.
func (p *Pipeline) readSource(ctx context.Context, loc model.Locator, jobID string) (*sourceBatch, error) {
	var c model.MergeCursor
	var found bool
	err := p.opener.View(ctx, loc, func(pk *store.Pack) error {
		job, err := pk.FindJobByID(ctx, jobID)
		if err != nil || job == nil || job.Status.Terminal() || job.Payload.Merge == nil {
			return err
		}
		c, found = *job.Payload.Merge, true
		return nil
	})
	if err != nil || !found {
		return nil, err
	}

	b := &sourceBatch{at: posOf(&c)}
	srcPath, err := p.opener.PathOf(c.Source)
	if err != nil {
		b.err = err
		return b, nil
	}
	if dst, _ := p.opener.PathOf(loc); dst == srcPath {
		b.err = model.Validation("merge", "source and target are the same pack %s", c.Source.String())
		return b, nil
	}

	batch := p.batchSize(c.BatchSize)
	err = p.viewSource(ctx, c.Source, func(sp *store.Pack) error {
		if !c.Planned {
			nodes, err := sp.Nodes(ctx, store.NodeFilter{})
			if err != nil {
				return err
			}
			edges, err := sp.Edges(ctx)
			if err != nil {
				return err
			}
			b.nodeQueue = make([]string, 0, len(nodes))
			for _, n := range nodes {
				b.nodeQueue = append(b.nodeQueue, n.ID)
			}
			b.edgeQueue = make([]string, 0, len(edges))
			for _, e := range edges {
				b.edgeQueue = append(b.edgeQueue, e.ID)
			}
			c.NodeQueue, c.EdgeQueue = b.nodeQueue, b.edgeQueue
		}

		if len(c.NodeQueue) > 0 {
			for _, id := range c.NodeQueue[:min(batch, len(c.NodeQueue))] {
				n, err := sp.FindNodeByID(ctx, id)
				if err != nil {
					return err
				}
				if n != nil && n.IsActive {
					b.nodes = append(b.nodes, *n)
				}
			}
			return nil
		}
		for _, id := range c.EdgeQueue[:min(batch, len(c.EdgeQueue))] {
			e, err := sp.EdgeByID(ctx, id)
			if err != nil {
				return err
			}
			if e != nil {
				b.edges = append(b.edges, *e)
			}
		}
		return nil
	})
	if errors.Is(err, model.ErrValidation) {
		b.err = err
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// merge copies one batch of nodes, or once all nodes are copied one batch
// of edges, from the source pack. The batch was read by readSource.
func (p *Pipeline) merge(ctx context.Context, pk *store.Pack, job *model.MemoryJob, b *sourceBatch) (applyFunc, error) {
	c := job.Payload.Merge
	srcPath, err := p.opener.PathOf(c.Source)
	if err != nil {
		return nil, err
	}
	if srcPath == pk.Path() {
		return nil, model.Validation("merge", "source and target are the same pack %s", c.Source.String())
	}
	if b == nil || b.at != posOf(c) {
		return nil, errCursorMoved
	}
	if b.err != nil {
		return nil, b.err
	}
	batch := p.batchSize(c.BatchSize)

	if !c.Planned {
		c.NodeQueue, c.EdgeQueue = b.nodeQueue, b.edgeQueue
		c.Planned = true
		job.TotalSteps = batches(len(c.NodeQueue), batch) + batches(len(c.EdgeQueue), batch)
	}
	if len(c.NodeQueue) == 0 && len(c.EdgeQueue) == 0 {
		return nil, p.completeMerge(job)
	}

	var apply applyFunc
	if len(c.NodeQueue) > 0 {
		nodes := b.nodes
		c.NodeQueue = c.NodeQueue[min(batch, len(c.NodeQueue)):]
		if c.IDMap == nil {
			c.IDMap = map[string]string{}
		}
		apply = func(ctx context.Context, tx *store.Tx) error {
			for _, n := range nodes {
				importance, confidence := n.Importance, n.Confidence
				copied, err := tx.StoreNode(ctx, store.NodeParams{
					Content:     n.Content,
					Summary:     n.Summary,
					Category:    n.Category,
					Importance:  &importance,
					Confidence:  &confidence,
					SourceType:  model.SourcePack,
					SourceRef:   c.Source.String(),
					SourceRange: n.SourceRange,
					Depth:       n.Depth,
					Tags:        n.Tags,
				})
				if err != nil {
					return err
				}
				c.IDMap[n.ID] = copied.ID
				c.CopiedNodes++
			}
			return nil
		}
	} else {
		edges := b.edges
		c.EdgeQueue = c.EdgeQueue[min(batch, len(c.EdgeQueue)):]
		apply = func(ctx context.Context, tx *store.Tx) error {
			for _, e := range edges {
				src, okS := c.IDMap[e.SourceID]
				dst, okT := c.IDMap[e.TargetID]
				if !okS || !okT {
					continue
				}
				strength := e.Strength
				_, err := tx.CreateEdge(ctx, store.EdgeParams{
					SourceID: src, TargetID: dst, Type: e.Type, Strength: &strength, Context: e.Context,
				})
				if err != nil {
					return err
				}
				c.CopiedEdges++
			}
			return nil
		}
	}

	job.Advance()
	return func(ctx context.Context, tx *store.Tx) error {
		if err := apply(ctx, tx); err != nil {
			return err
		}
		if len(c.NodeQueue) == 0 && len(c.EdgeQueue) == 0 {
			c.IDMap = nil
			return p.completeMerge(job)
		}
		return nil
	}, nil
}

func (p *Pipeline) completeMerge(job *model.MemoryJob) error {
	c := job.Payload.Merge
	return job.Complete(MergeResult{
		Source:      c.Source.String(),
		CopiedNodes: c.CopiedNodes,
		CopiedEdges: c.CopiedEdges,
	}, p.clock())
}

func batches(n, size int) int {
	return (n + size - 1) / size
}

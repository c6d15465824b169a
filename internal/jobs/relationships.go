package jobs

import (
	"context"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/completion"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/embedding"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

// RelationshipResult is stored on a completed analyze_relationships job.
type RelationshipResult struct {
	Analyzed int `json:"analyzed"`
	Created  int `json:"created"`
}

// RelationshipsPayload builds the payload of an analyze_relationships job.
// An empty nodeIDs analyzes the whole pack.
func RelationshipsPayload(nodeIDs []string, maxPairs int, instructions string) model.JobPayload {
	return model.JobPayload{
		Version: model.PayloadVersion,
		Relationships: &model.RelationshipCursor{
			NodeIDs:      nodeIDs,
			MaxPairs:     maxPairs,
			Instructions: instructions,
		},
	}
}

var judgedRelations = map[model.RelationType]bool{
	model.RelRelatesTo:   true,
	model.RelContradicts: true,
	model.RelReinforces:  true,
}

// relationships judges one queued pair per step. The first step also
// builds the queue.
func (p *Pipeline) relationships(ctx context.Context, pk *store.Pack, job *model.MemoryJob) (applyFunc, error) {
	c := job.Payload.Relationships
	if !c.Planned {
		queue, err := p.planPairs(ctx, pk, c)
		if err != nil {
			return nil, err
		}
		c.PairQueue = queue
		c.Planned = true
		job.TotalSteps = len(queue)
	}
	if len(c.PairQueue) == 0 {
		return nil, p.completeRelationships(job)
	}

	pair := c.PairQueue[0]
	a, err := pk.FindNodeByID(ctx, pair.A)
	if err != nil {
		return nil, err
	}
	b, err := pk.FindNodeByID(ctx, pair.B)
	if err != nil {
		return nil, err
	}

	var edge *store.EdgeParams
	if a != nil && b != nil && a.IsActive && b.IsActive {
		linked, err := p.linked(ctx, pk, a.ID)
		if err != nil {
			return nil, err
		}
		if !linked[b.ID] {
			candidates, err := p.cap.Propose(ctx, completion.PairPrompt(a.Content, b.Content),
				completion.Join(completion.RelateInstructions, c.Instructions))
			if err != nil {
				return nil, err
			}
			edge = judgment(a.ID, b.ID, candidates)
		}
	}

	c.PairQueue = c.PairQueue[1:]
	c.Analyzed++
	job.Advance()
	return func(ctx context.Context, tx *store.Tx) error {
		if edge != nil {
			if _, err := tx.CreateEdge(ctx, *edge); err != nil {
				return err
			}
			c.Created++
		}
		if len(c.PairQueue) == 0 {
			return p.completeRelationships(job)
		}
		return nil
	}, nil
}

func (p *Pipeline) completeRelationships(job *model.MemoryJob) error {
	c := job.Payload.Relationships
	return job.Complete(RelationshipResult{Analyzed: c.Analyzed, Created: c.Created}, p.clock())
}

// judgment picks the first usable candidate.
func judgment(a, b string, candidates []completion.Candidate) *store.EdgeParams {
	for _, cand := range candidates {
		if !judgedRelations[cand.Relation] || cand.Confidence <= 0 {
			continue
		}
		return &store.EdgeParams{
			SourceID: a,
			TargetID: b,
			Type:     cand.Relation,
			Strength: model.FloatPtr(cand.Confidence),
			Context:  cand.Content,
		}
	}
	return nil
}

// planPairs lists unlinked pairs of active extracted nodes, most similar
// first when an embedder is configured.
func (p *Pipeline) planPairs(ctx context.Context, pk *store.Pack, c *model.RelationshipCursor) ([]model.NodePair, error) {
	nodes, err := pk.Nodes(ctx, store.NodeFilter{ExcludeStructural: true})
	if err != nil {
		return nil, err
	}
	if len(c.NodeIDs) > 0 {
		scope := make(map[string]bool, len(c.NodeIDs))
		for _, id := range c.NodeIDs {
			scope[id] = true
		}
		kept := nodes[:0]
		for _, n := range nodes {
			if scope[n.ID] {
				kept = append(kept, n)
			}
		}
		nodes = kept
	}

	edges, err := pk.Edges(ctx)
	if err != nil {
		return nil, err
	}
	linked := map[model.NodePair]bool{}
	for _, e := range edges {
		linked[model.NodePair{A: e.SourceID, B: e.TargetID}] = true
		linked[model.NodePair{A: e.TargetID, B: e.SourceID}] = true
	}
	skip := func(a, b string) bool { return linked[model.NodePair{A: a, B: b}] }

	maxPairs := c.MaxPairs
	if maxPairs <= 0 {
		maxPairs = p.opts.MaxPairs
	}

	var queue []model.NodePair
	if p.opts.Embedder != nil {
		items := make([]embedding.Item, len(nodes))
		for i, n := range nodes {
			items[i] = embedding.Item{ID: n.ID, Text: n.Content}
		}
		ranked, err := embedding.RankPairs(ctx, p.opts.Embedder, items, *p.opts.Threshold, skip)
		if err != nil {
			return nil, model.Capability("embed nodes", err)
		}
		for _, r := range ranked {
			if len(queue) == maxPairs {
				break
			}
			queue = append(queue, model.NodePair{A: r.A, B: r.B})
		}
		return queue, nil
	}

	for i := 0; i < len(nodes) && len(queue) < maxPairs; i++ {
		for j := i + 1; j < len(nodes) && len(queue) < maxPairs; j++ {
			if !skip(nodes[i].ID, nodes[j].ID) {
				queue = append(queue, model.NodePair{A: nodes[i].ID, B: nodes[j].ID})
			}
		}
	}
	return queue, nil
}

// linked returns the ids of nodes sharing an edge with id.
func (p *Pipeline) linked(ctx context.Context, pk *store.Pack, id string) (map[string]bool, error) {
	edges, err := pk.EdgesForNode(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(edges))
	for _, e := range edges {
		out[e.SourceID] = true
		out[e.TargetID] = true
	}
	return out, nil
}

package jobs

import (
	"context"
	"strings"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

// ConsolidateResult is stored on a completed consolidate job.
type ConsolidateResult struct {
	Groups int `json:"groups"`
	Merged int `json:"merged"`
}

// ConsolidatePayload builds the payload of a consolidate job.
func ConsolidatePayload() model.JobPayload {
	return model.JobPayload{Version: model.PayloadVersion, Consolidate: &model.ConsolidateCursor{}}
}

// normalize folds case and whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// consolidate merges one group of duplicate nodes per step into the oldest
// node of the group.
func (p *Pipeline) consolidate(ctx context.Context, pk *store.Pack, job *model.MemoryJob) (applyFunc, error) {
	c := job.Payload.Consolidate
	if !c.Planned {
		nodes, err := pk.Nodes(ctx, store.NodeFilter{ExcludeStructural: true})
		if err != nil {
			return nil, err
		}
		groups := map[string][]string{}
		var order []string
		for _, n := range nodes {
			key := normalize(n.Content)
			if _, ok := groups[key]; !ok {
				order = append(order, key)
			}
			groups[key] = append(groups[key], n.ID)
		}
		c.Groups = nil
		for _, key := range order {
			if len(groups[key]) > 1 {
				c.Groups = append(c.Groups, groups[key])
			}
		}
		c.Planned = true
		job.TotalSteps = len(c.Groups)
	}
	if c.GroupIndex >= len(c.Groups) {
		return nil, p.completeConsolidate(job)
	}

	group := c.Groups[c.GroupIndex]
	c.GroupIndex++
	job.Advance()
	return func(ctx context.Context, tx *store.Tx) error {
		merged, err := mergeGroup(ctx, tx, group)
		if err != nil {
			return err
		}
		c.Merged += merged
		if c.GroupIndex >= len(c.Groups) {
			return p.completeConsolidate(job)
		}
		return nil
	}, nil
}

func (p *Pipeline) completeConsolidate(job *model.MemoryJob) error {
	c := job.Payload.Consolidate
	return job.Complete(ConsolidateResult{Groups: len(c.Groups), Merged: c.Merged}, p.clock())
}

// mergeGroup folds every still-active node of ids into the first one and
// returns how many were folded. Relationship edges and incoming edges move
// to the kept node; a duplicate's own PART_OF parents stay with it. Nodes
// that vanished since planning are ignored.
func mergeGroup(ctx context.Context, tx *store.Tx, ids []string) (int, error) {
	var nodes []*model.MemoryNode
	for _, id := range ids {
		n, err := tx.FindNodeByID(ctx, id)
		if err != nil {
			return 0, err
		}
		if n != nil && n.IsActive {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) < 2 {
		return 0, nil
	}

	keep := nodes[0]
	importance, confidence := keep.Importance, keep.Confidence
	var tags []string
	for _, dup := range nodes[1:] {
		importance = max(importance, dup.Importance)
		confidence = max(confidence, dup.Confidence)
		tags = append(tags, dup.Tags...)

		edges, err := tx.EdgesForNode(ctx, dup.ID)
		if err != nil {
			return 0, err
		}
		for _, e := range edges {
			// The duplicate keeps its own place in the document tree, so
			// deleting that section never reaches the kept node.
			if e.Type == model.RelPartOf && e.SourceID == dup.ID {
				continue
			}
			src, dst := e.SourceID, e.TargetID
			if src == dup.ID {
				src = keep.ID
			}
			if dst == dup.ID {
				dst = keep.ID
			}
			if err := tx.DeleteEdge(ctx, e.ID); err != nil {
				return 0, err
			}
			if src == dst {
				continue
			}
			_, err := tx.CreateEdge(ctx, store.EdgeParams{
				SourceID: src, TargetID: dst, Type: e.Type,
				Strength: model.FloatPtr(e.Strength), Context: e.Context,
			})
			if err != nil {
				return 0, err
			}
		}
		if _, err := tx.DeactivateNode(ctx, dup.ID); err != nil {
			return 0, err
		}
	}

	if len(tags) > 0 {
		if _, err := tx.AddTags(ctx, keep.ID, tags); err != nil {
			return 0, err
		}
	}
	if importance != keep.Importance || confidence != keep.Confidence {
		_, err := tx.UpdateNode(ctx, keep.ID, store.NodePatch{Importance: &importance, Confidence: &confidence})
		if err != nil {
			return 0, err
		}
	}
	return len(nodes) - 1, nil
}

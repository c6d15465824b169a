// Package delta computes incremental graph changes between watermarks.
//
// A caller keeps the Until of the last delta it saw and passes it as the
// next since. Every structural change lands in exactly one window:
// pack timestamps increase strictly and never fall below what is on disk.
package delta

import (
	"context"
	"time"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

// Reader is the read side of a pack.
type Reader interface {
	Watermark(ctx context.Context) (time.Time, error)
	Changes(ctx context.Context, since, until time.Time) (*model.Delta, error)
}

// Since returns the changes after since. Until is the reader's watermark
// taken before the query; a since ahead of it yields an empty delta that
// keeps since as its until.
func Since(ctx context.Context, r Reader, since time.Time) (*model.Delta, error) {
	until, err := r.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	if until.Before(since) {
		until = since
	}
	return r.Changes(ctx, since, until)
}

// Cursor remembers the last watermark across calls.
type Cursor struct {
	since time.Time
}

// NewCursor starts a cursor at since.
func NewCursor(since time.Time) *Cursor {
	return &Cursor{since: since}
}

// Position returns the watermark the next call starts from.
func (c *Cursor) Position() time.Time { return c.since }

// Next returns the changes since the previous call and advances.
func (c *Cursor) Next(ctx context.Context, r Reader) (*model.Delta, error) {
	d, err := Since(ctx, r, c.since)
	if err != nil {
		return nil, err
	}
	c.since = d.Until
	return d, nil
}

// Mark positions the cursor at the reader's current watermark, skipping
// everything already written.
func (c *Cursor) Mark(ctx context.Context, r Reader) error {
	w, err := r.Watermark(ctx)
	if err != nil {
		return err
	}
	if w.After(c.since) {
		c.since = w
	}
	return nil
}

// Observe runs fn with write access to the pack and returns what it
// changed.
func Observe(ctx context.Context, o *store.Opener, loc model.Locator, fn func(p *store.Pack) error) (*model.Delta, error) {
	var mark time.Time
	err := o.View(ctx, loc, func(p *store.Pack) error {
		var err error
		mark, err = p.Watermark(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := o.Use(ctx, loc, fn); err != nil {
		return nil, err
	}
	var d *model.Delta
	err = o.View(ctx, loc, func(p *store.Pack) error {
		var err error
		d, err = Since(ctx, p, mark)
		return err
	})
	return d, err
}

// Merge folds next into acc so that acc describes both windows. Later
// node versions replace earlier ones and deletions cancel earlier inserts.
func Merge(acc, next *model.Delta) *model.Delta {
	if acc == nil {
		return next
	}
	if next == nil {
		return acc
	}
	out := &model.Delta{Since: acc.Since, Until: next.Until}

	deletedNodes := toSet(next.DeletedNodeIDs)
	deletedEdges := toSet(next.DeletedEdgeIDs)
	nodeIdx := map[string]int{}
	for _, n := range append(append([]model.MemoryNode{}, acc.Nodes...), next.Nodes...) {
		if deletedNodes[n.ID] && !contains(next.Nodes, n.ID) {
			continue
		}
		if i, ok := nodeIdx[n.ID]; ok {
			out.Nodes[i] = n
			continue
		}
		nodeIdx[n.ID] = len(out.Nodes)
		out.Nodes = append(out.Nodes, n)
	}
	for _, e := range acc.Edges {
		if !deletedEdges[e.ID] {
			out.Edges = append(out.Edges, e)
		}
	}
	out.Edges = append(out.Edges, next.Edges...)

	out.DeletedNodeIDs = union(acc.DeletedNodeIDs, next.DeletedNodeIDs)
	out.DeletedEdgeIDs = union(acc.DeletedEdgeIDs, next.DeletedEdgeIDs)
	return out
}

func contains(nodes []model.MemoryNode, id string) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func union(a, b []string) []string {
	seen := toSet(a)
	out := append([]string{}, a...)
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

func TestDeleteNodeWithChildren(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)

	a := mustStore(t, p, "A")
	b := mustStore(t, p, "B")
	c := mustStore(t, p, "C")
	other := mustStore(t, p, "unrelated")
	mustLink(t, p, b.ID, a.ID, model.RelPartOf)
	mustLink(t, p, c.ID, b.ID, model.RelPartOf)
	mustLink(t, p, c.ID, other.ID, model.RelRelatesTo)
	_, err := p.AddTags(ctx, c.ID, []string{"leaf"})
	require.NoError(t, err)

	before, err := p.Stats(ctx)
	require.NoError(t, err)

	deleted, err := p.DeleteNodeWithChildren(ctx, a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID}, deleted)

	after, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.TotalNodes-3, after.TotalNodes)
	assert.Equal(t, 0, after.Edges, "every edge touching a deleted node is gone")
	assert.Equal(t, 0, after.Tags)

	kept, err := p.FindNodeByID(ctx, other.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestDeleteNodeWithChildrenUnknown(t *testing.T) {
	p := newTestPack(t)
	mustStore(t, p, "stays")

	deleted, err := p.DeleteNodeWithChildren(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, deleted)
	assert.NotNil(t, deleted)
}

func TestDeleteNodeWithChildrenOnlyFollowsPartOf(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	root := mustStore(t, p, "root")
	child := mustStore(t, p, "child")
	peer := mustStore(t, p, "peer")
	mustLink(t, p, child.ID, root.ID, model.RelPartOf)
	mustLink(t, p, peer.ID, root.ID, model.RelReinforces)
	// root PART_OF child would make a cycle; the walk must still end.
	mustLink(t, p, root.ID, child.ID, model.RelPartOf)

	deleted, err := p.DeleteNodeWithChildren(ctx, root.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{root.ID, child.ID}, deleted)

	n, _ := p.FindNodeByID(ctx, peer.ID)
	assert.NotNil(t, n)
}

func TestDeleteLeavesTombstones(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	a := mustStore(t, p, "A")
	b := mustStore(t, p, "B")
	e := mustLink(t, p, b.ID, a.ID, model.RelPartOf)

	mark, err := p.Watermark(ctx)
	require.NoError(t, err)
	_, err = p.DeleteNodeWithChildren(ctx, a.ID)
	require.NoError(t, err)

	d, err := p.GraphDelta(ctx, mark)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, d.DeletedNodeIDs)
	assert.Equal(t, []string{e.ID}, d.DeletedEdgeIDs)
	assert.Empty(t, d.Nodes)
}

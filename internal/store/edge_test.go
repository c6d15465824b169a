package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

func TestCreateEdge(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	a := mustStore(t, p, "memory a")
	b := mustStore(t, p, "memory b")

	e, err := p.CreateEdge(ctx, EdgeParams{SourceID: a.ID, TargetID: b.ID, Type: model.RelRelatesTo, Strength: model.FloatPtr(4)})
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Strength)
	assert.NotEmpty(t, e.ID)

	again, err := p.CreateEdge(ctx, EdgeParams{SourceID: a.ID, TargetID: b.ID, Type: model.RelRelatesTo})
	require.NoError(t, err)
	assert.Equal(t, e.ID, again.ID, "re-creating returns the stored edge")

	edges, err := p.EdgesForNode(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestCreateEdgeRejects(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	a := mustStore(t, p, "memory a")

	tests := []struct {
		name   string
		params EdgeParams
	}{
		{"invalid type", EdgeParams{SourceID: a.ID, TargetID: a.ID + "x", Type: "depends_on"}},
		{"self loop", EdgeParams{SourceID: a.ID, TargetID: a.ID, Type: model.RelRelatesTo}},
		{"missing source", EdgeParams{TargetID: a.ID, Type: model.RelRelatesTo}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.CreateEdge(ctx, tt.params)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestCreateEdgeMissingEndpoint(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	a := mustStore(t, p, "memory a")

	_, err := p.CreateEdge(ctx, EdgeParams{SourceID: a.ID, TargetID: "ghost", Type: model.RelRelatesTo})
	assert.ErrorIs(t, err, model.ErrInvariant)
	assert.NotErrorIs(t, err, model.ErrValidation)
}

func TestDeleteEdge(t *testing.T) {
	ctx := context.Background()
	p := newTestPack(t)
	a := mustStore(t, p, "memory a")
	b := mustStore(t, p, "memory b")
	e := mustLink(t, p, a.ID, b.ID, model.RelContradicts)

	require.NoError(t, p.DeleteEdge(ctx, e.ID))
	edges, _ := p.EdgesForNode(ctx, a.ID)
	assert.Empty(t, edges)

	err := p.DeleteEdge(ctx, e.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

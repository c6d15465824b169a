package library

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/locator"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/logging"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/metrics"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

type fixture struct {
	root   string
	opener *store.Opener
	agg    *Aggregator
	lib    model.Locator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	root := t.TempDir()
	o := store.NewOpener(locator.DirResolver{"main": root})
	opts.Logger = logging.Discard()
	return &fixture{
		root:   root,
		opener: o,
		agg:    New(o, opts),
		lib:    model.Locator{Collection: "main", Directory: "libs", FileName: "work"},
	}
}

// pack creates a pack holding one node per content.
func (f *fixture) pack(t *testing.T, dir, name string, contents ...string) model.Locator {
	t.Helper()
	ctx := context.Background()
	loc := model.Locator{Collection: "main", Directory: dir, FileName: name}
	require.NoError(t, f.opener.Create(ctx, loc, map[string]string{store.MetaName: "Pack " + name}))
	require.NoError(t, f.opener.Use(ctx, loc, func(p *store.Pack) error {
		var prev string
		for _, c := range contents {
			n, err := p.StoreNode(ctx, store.NodeParams{Content: c, Category: model.CategoryFact})
			if err != nil {
				return err
			}
			if prev != "" {
				if _, err := p.CreateEdge(ctx, store.EdgeParams{SourceID: n.ID, TargetID: prev, Type: model.RelRelatesTo}); err != nil {
					return err
				}
			}
			prev = n.ID
		}
		return nil
	}))
	return loc
}

func TestCreateLibrary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	lib, err := f.agg.Create(ctx, f.lib, "", map[string]string{"owner": "team"})
	require.NoError(t, err)
	assert.Equal(t, "work", lib.Name)
	assert.NotEmpty(t, lib.ID)
	assert.Empty(t, lib.Packs)
	assert.FileExists(t, filepath.Join(f.root, "libs", "work.cqmlib"))

	_, err = f.agg.Create(ctx, f.lib, "again", nil)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	got, err := f.agg.Open(ctx, f.lib)
	require.NoError(t, err)
	assert.Equal(t, lib.ID, got.ID)
	assert.Equal(t, "team", got.Metadata["owner"])

	_, err = f.agg.Open(ctx, model.Locator{Collection: "main", FileName: "nope"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAddPackTwiceKeepsOneReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	_, err := f.agg.Create(ctx, f.lib, "Work", nil)
	require.NoError(t, err)
	a := f.pack(t, "packs", "a", "one", "two")

	lib, err := f.agg.AddPack(ctx, f.lib, a)
	require.NoError(t, err)
	require.Len(t, lib.Packs, 1)
	assert.Equal(t, "Pack a", lib.Packs[0].Name)
	assert.Equal(t, 2, lib.Packs[0].Stats.ActiveNodes)
	assert.NotNil(t, lib.Packs[0].SyncedAt)

	again, err := f.agg.AddPack(ctx, f.lib, model.Locator{Collection: "main", Directory: "packs", FileName: "a.cqmpack"})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
	require.NotNil(t, again)
	assert.Len(t, again.Packs, 1)

	stored, err := f.agg.Read(ctx, f.lib)
	require.NoError(t, err)
	assert.Len(t, stored.Packs, 1)

	_, err = f.agg.AddPack(ctx, f.lib, model.Locator{Collection: "main", FileName: "ghost"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSyncDropsDeletedPack(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	f := newFixture(t, Options{Metrics: metrics.New(reg), Concurrency: 2})
	_, err := f.agg.Create(ctx, f.lib, "Work", nil)
	require.NoError(t, err)

	a := f.pack(t, "packs", "a", "one", "two")
	b := f.pack(t, "packs", "b", "three")
	c := f.pack(t, "other", "c", "four", "five", "six")
	for _, p := range []model.Locator{a, b, c} {
		_, err := f.agg.AddPack(ctx, f.lib, p)
		require.NoError(t, err)
	}

	lib, err := f.agg.SyncPackStats(ctx, f.lib)
	require.NoError(t, err)
	assert.Equal(t, 3, lib.Stats.Packs)
	assert.Equal(t, 6, lib.Stats.ActiveNodes)
	assert.Equal(t, 6, lib.Stats.Categories[model.CategoryFact])

	require.NoError(t, os.Remove(filepath.Join(f.root, "packs", "b.cqmpack")))

	lib, err = f.agg.SyncPackStats(ctx, f.lib)
	require.NoError(t, err)
	keys := []string{}
	for _, ref := range lib.Packs {
		keys = append(keys, ref.Key())
	}
	assert.Equal(t, []string{"packs/a.cqmpack", "other/c.cqmpack"}, keys, "manifest order kept")
	assert.Equal(t, 2, lib.Stats.Packs)
	assert.Equal(t, 5, lib.Stats.ActiveNodes)
	assert.Equal(t, 3, lib.Stats.Edges)

	expected := `
# HELP cqm_library_dropped_packs_total Pack references dropped because the file was gone.
# TYPE cqm_library_dropped_packs_total counter
cqm_library_dropped_packs_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "cqm_library_dropped_packs_total"))
}

func TestRemovePack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	_, err := f.agg.Create(ctx, f.lib, "Work", nil)
	require.NoError(t, err)
	a := f.pack(t, "", "a", "one")
	_, err = f.agg.AddPack(ctx, f.lib, a)
	require.NoError(t, err)

	lib, err := f.agg.RemovePack(ctx, f.lib, a)
	require.NoError(t, err)
	assert.Empty(t, lib.Packs)
	assert.Equal(t, 0, lib.Stats.TotalNodes)

	lib, err = f.agg.RemovePack(ctx, f.lib, a)
	require.NoError(t, err)
	assert.Empty(t, lib.Packs)
}

func TestLibraryGraphData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	_, err := f.agg.Create(ctx, f.lib, "Work", nil)
	require.NoError(t, err)
	a := f.pack(t, "packs", "a", "one", "two")
	b := f.pack(t, "packs", "b", "three")
	for _, p := range []model.Locator{a, b} {
		_, err := f.agg.AddPack(ctx, f.lib, p)
		require.NoError(t, err)
	}

	g, err := f.agg.GraphData(ctx, f.lib)
	require.NoError(t, err)
	assert.Equal(t, "Work", g.Library)
	require.Len(t, g.Nodes, 3)
	perPack := map[string]int{}
	for _, n := range g.Nodes {
		perPack[n.Pack]++
	}
	assert.Equal(t, map[string]int{"packs/a.cqmpack": 2, "packs/b.cqmpack": 1}, perPack)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, "packs/a.cqmpack", g.Edges[0].Pack)
	assert.Equal(t, 2, g.Stats.Packs)
	assert.Equal(t, 3, g.Stats.ActiveNodes)
	assert.Equal(t, "Pack b", g.Packs[1].Name)
}

func TestFindInDirectory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.pack(t, "packs", "b", "x")
	f.pack(t, "packs", "a", "y")
	f.pack(t, "packs/nested", "deep", "z")
	_, err := f.agg.Create(ctx, model.Locator{Collection: "main", Directory: "packs", FileName: "shelf"}, "Shelf", nil)
	require.NoError(t, err)

	packs, err := f.agg.FindPacksInDirectory(ctx, "main", "packs")
	require.NoError(t, err)
	require.Len(t, packs, 2)
	assert.Equal(t, "a.cqmpack", packs[0].Locator.FileName)
	assert.Equal(t, "packs", packs[0].Locator.Directory)
	assert.Equal(t, "Pack a", packs[0].Name)

	libs, err := f.agg.FindLibrariesInDirectory(ctx, "main", "packs")
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, "Shelf", libs[0].Name)

	empty, err := f.agg.FindPacksInDirectory(ctx, "main", "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = f.agg.FindPacksInDirectory(ctx, "main", "../up")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestWatcherResyncsOnRemoval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f := newFixture(t, Options{})
	_, err := f.agg.Create(ctx, f.lib, "Work", nil)
	require.NoError(t, err)
	a := f.pack(t, "packs", "a", "one")
	b := f.pack(t, "packs", "b", "two")
	for _, p := range []model.Locator{a, b} {
		_, err := f.agg.AddPack(ctx, f.lib, p)
		require.NoError(t, err)
	}

	synced := make(chan *model.Library, 1)
	w := f.agg.NewWatcher(f.lib, 20*time.Millisecond)
	w.OnSync = func(lib *model.Library, err error) {
		if err != nil {
			return
		}
		select {
		case synced <- lib:
		default:
		}
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register its directories.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.Remove(filepath.Join(f.root, "packs", "a.cqmpack")))

	select {
	case lib := <-synced:
		require.Len(t, lib.Packs, 1)
		assert.Equal(t, "packs/b.cqmpack", lib.Packs[0].Key())
	case <-ctx.Done():
		t.Fatal("watcher did not resync")
	}
	cancel()
	assert.NoError(t, <-done)
}

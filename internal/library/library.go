// Package library aggregates packs into named libraries. A library is a
// YAML manifest (.cqmlib) listing pack references with cached stats; the
// packs themselves stay independent files.
package library

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/locator"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/logging"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/metrics"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

// DefaultConcurrency bounds parallel pack reads during a sync.
const DefaultConcurrency = 4

// Options configures an Aggregator.
type Options struct {
	Fs          afero.Fs
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Aggregator manages library manifests over packs opened through one
// Opener.
type Aggregator struct {
	opener      *store.Opener
	fs          afero.Fs
	concurrency int
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New returns an Aggregator.
func New(o *store.Opener, opts Options) *Aggregator {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Aggregator{
		opener:      o,
		fs:          opts.Fs,
		concurrency: opts.Concurrency,
		log:         logging.OrDefault(opts.Logger).With("component", "library"),
		metrics:     opts.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (a *Aggregator) pathOf(loc model.Locator) (string, error) {
	return locator.Path(a.opener.Resolver(), loc, model.LibraryExt)
}

// packLocator addresses a referenced pack. References are relative to the
// library's collection.
func packLocator(lib model.Locator, ref model.PackRef) model.Locator {
	return model.Locator{Collection: lib.Collection, Directory: ref.Directory, FileName: ref.FileName}
}

// Create writes an empty library manifest.
func (a *Aggregator) Create(ctx context.Context, loc model.Locator, name string, meta map[string]string) (*model.Library, error) {
	p, err := a.pathOf(loc)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = strings.TrimSuffix(filepath.Base(p), model.LibraryExt)
	}
	var lib *model.Library
	err = locked(ctx, p, func() error {
		exists, err := afero.Exists(a.fs, p)
		if err != nil {
			return model.Storage("create library", p, err)
		}
		if exists {
			return model.AlreadyExists("create library", loc.String())
		}
		now := a.now()
		lib = &model.Library{
			ID:        uuid.NewString(),
			Name:      name,
			Metadata:  meta,
			Packs:     []model.PackRef{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		return a.writeManifest(p, lib)
	})
	if err != nil {
		return nil, err
	}
	return lib, nil
}

// Open reads the manifest and refreshes its pack stats.
func (a *Aggregator) Open(ctx context.Context, loc model.Locator) (*model.Library, error) {
	return a.SyncPackStats(ctx, loc)
}

// Read returns the manifest as stored, without touching the packs.
func (a *Aggregator) Read(ctx context.Context, loc model.Locator) (*model.Library, error) {
	p, err := a.pathOf(loc)
	if err != nil {
		return nil, err
	}
	return a.readManifest(p)
}

// AddPack references an existing pack. Adding a pack twice returns the
// library unchanged together with an ErrAlreadyExists error.
func (a *Aggregator) AddPack(ctx context.Context, loc, pack model.Locator) (*model.Library, error) {
	pack, err := locator.Pack(pack)
	if err != nil {
		return nil, err
	}
	if pack.Collection != loc.Collection {
		return nil, model.Validation("add pack", "pack %s is outside collection %q", pack.String(), loc.Collection)
	}
	ok, err := a.opener.Exists(pack)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NotFound("add pack", pack.String())
	}

	var dup *model.Library
	_, err = a.modify(ctx, loc, func(lib *model.Library) error {
		if lib.HasPack(pack.Key()) {
			dup = lib
			return model.AlreadyExists("add pack", pack.String())
		}
		lib.Packs = append(lib.Packs, model.PackRef{Directory: pack.Directory, FileName: pack.FileName})
		return nil
	})
	if errors.Is(err, model.ErrAlreadyExists) {
		return dup, err
	}
	if err != nil {
		return nil, err
	}
	return a.SyncPackStats(ctx, loc)
}

// RemovePack drops a pack reference. Removing an absent reference is not
// an error.
func (a *Aggregator) RemovePack(ctx context.Context, loc, pack model.Locator) (*model.Library, error) {
	pack, err := locator.Pack(pack)
	if err != nil {
		return nil, err
	}
	_, err = a.modify(ctx, loc, func(lib *model.Library) error {
		kept := lib.Packs[:0]
		for _, ref := range lib.Packs {
			if ref.Key() != pack.Key() {
				kept = append(kept, ref)
			}
		}
		lib.Packs = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a.SyncPackStats(ctx, loc)
}

// modify runs fn on the manifest under its lock and writes the result.
func (a *Aggregator) modify(ctx context.Context, loc model.Locator, fn func(lib *model.Library) error) (*model.Library, error) {
	p, err := a.pathOf(loc)
	if err != nil {
		return nil, err
	}
	var lib *model.Library
	err = locked(ctx, p, func() error {
		var err error
		if lib, err = a.readManifest(p); err != nil {
			return err
		}
		if err := fn(lib); err != nil {
			return err
		}
		lib.UpdatedAt = a.now()
		return a.writeManifest(p, lib)
	})
	return lib, err
}

// packState is what a sync learns about one reference.
type packState struct {
	missing bool
	name    string
	stats   model.Stats
}

// SyncPackStats refreshes every reference from its pack file, drops
// references whose file is gone and recomputes the aggregate.
func (a *Aggregator) SyncPackStats(ctx context.Context, loc model.Locator) (*model.Library, error) {
	var dropped int
	lib, err := a.modify(ctx, loc, func(lib *model.Library) error {
		states := make([]packState, len(lib.Packs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.concurrency)
		for i, ref := range lib.Packs {
			g.Go(func() error {
				st, err := a.readPack(gctx, packLocator(loc, ref))
				states[i] = st
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		now := a.now()
		kept := make([]model.PackRef, 0, len(lib.Packs))
		var agg model.Stats
		for i, ref := range lib.Packs {
			if states[i].missing {
				a.log.Info("dropping missing pack", "library", loc.String(), "pack", ref.Key())
				dropped++
				continue
			}
			ref.Name = states[i].name
			ref.Stats = states[i].stats
			ref.SyncedAt = &now
			agg.Add(ref.Stats)
			kept = append(kept, ref)
		}
		if agg.Categories == nil {
			agg.Categories = map[model.Category]int{}
		}
		lib.Packs = kept
		lib.Stats = model.LibraryStats{Packs: len(kept), Stats: agg}
		lib.SyncedAt = &now
		return nil
	})
	if err != nil {
		a.metrics.ObserveSync(metrics.OutcomeError, 0)
		return nil, err
	}
	a.metrics.ObserveSync(metrics.OutcomeOK, dropped)
	return lib, nil
}

func (a *Aggregator) readPack(ctx context.Context, loc model.Locator) (packState, error) {
	var st packState
	err := a.opener.View(ctx, loc, func(p *store.Pack) error {
		info, err := p.Info(ctx)
		if err != nil {
			return err
		}
		st.stats = info.Stats
		st.name = info.Metadata[store.MetaName]
		return nil
	})
	if errors.Is(err, model.ErrNotFound) {
		return packState{missing: true}, nil
	}
	return st, err
}

// PackNode is a node tagged with the key of the pack holding it.
type PackNode struct {
	Pack string `json:"pack"`
	model.MemoryNode
}

// PackEdge is an edge tagged with the key of the pack holding it.
type PackEdge struct {
	Pack string `json:"pack"`
	model.Relationship
}

// PackInfo describes one pack of a library graph.
type PackInfo struct {
	Key   string      `json:"key"`
	Name  string      `json:"name"`
	Stats model.Stats `json:"stats"`
}

// Graph is the union of the active graphs of every referenced pack.
type Graph struct {
	Library string             `json:"library"`
	Nodes   []PackNode         `json:"nodes"`
	Edges   []PackEdge         `json:"edges"`
	Packs   []PackInfo         `json:"packs"`
	Stats   model.LibraryStats `json:"stats"`
}

// GraphData merges the graphs of all referenced packs. Missing packs are
// skipped; the next sync drops them.
func (a *Aggregator) GraphData(ctx context.Context, loc model.Locator) (*Graph, error) {
	lib, err := a.Read(ctx, loc)
	if err != nil {
		return nil, err
	}
	out := &Graph{Library: lib.Name, Nodes: []PackNode{}, Edges: []PackEdge{}, Packs: []PackInfo{}}
	agg := model.Stats{Categories: map[model.Category]int{}}
	for _, ref := range lib.Packs {
		var name string
		var g *store.Graph
		err := a.opener.View(ctx, packLocator(loc, ref), func(p *store.Pack) error {
			var err error
			if g, err = p.GraphData(ctx); err != nil {
				return err
			}
			name, err = p.Metadata(ctx, store.MetaName)
			return err
		})
		if errors.Is(err, model.ErrNotFound) {
			a.log.Info("skipping missing pack", "library", loc.String(), "pack", ref.Key())
			continue
		}
		if err != nil {
			return nil, err
		}
		key := ref.Key()
		for _, n := range g.Nodes {
			out.Nodes = append(out.Nodes, PackNode{Pack: key, MemoryNode: n})
		}
		for _, e := range g.Edges {
			out.Edges = append(out.Edges, PackEdge{Pack: key, Relationship: e})
		}
		out.Packs = append(out.Packs, PackInfo{Key: key, Name: name, Stats: g.Stats})
		agg.Add(g.Stats)
	}
	out.Stats = model.LibraryStats{Packs: len(out.Packs), Stats: agg}
	return out, nil
}

// Entry is a pack or library found in a directory.
type Entry struct {
	Locator model.Locator `json:"locator"`
	Name    string        `json:"name,omitempty"`
}

// FindPacksInDirectory lists the packs directly inside dir, with their
// display names.
func (a *Aggregator) FindPacksInDirectory(ctx context.Context, collection, dir string) ([]Entry, error) {
	entries, err := a.list(collection, dir, model.PackExt)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		err := a.opener.View(ctx, entries[i].Locator, func(p *store.Pack) error {
			var err error
			entries[i].Name, err = p.Metadata(ctx, store.MetaName)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// FindLibrariesInDirectory lists the library manifests directly inside
// dir.
func (a *Aggregator) FindLibrariesInDirectory(ctx context.Context, collection, dir string) ([]Entry, error) {
	entries, err := a.list(collection, dir, model.LibraryExt)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		p, err := a.pathOf(entries[i].Locator)
		if err != nil {
			return nil, err
		}
		if lib, err := a.readManifest(p); err == nil {
			entries[i].Name = lib.Name
		}
	}
	return entries, nil
}

func (a *Aggregator) list(collection, dir, ext string) ([]Entry, error) {
	abs, err := locator.Dir(a.opener.Resolver(), collection, dir)
	if err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(a.fs, abs)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, model.Storage("list directory", abs, err)
	}
	rel, _ := locator.Normalize(model.Locator{Collection: collection, Directory: dir, FileName: "x"}, "")
	entries := []Entry{}
	for _, fi := range infos {
		if fi.IsDir() || !strings.EqualFold(path.Ext(fi.Name()), ext) {
			continue
		}
		entries = append(entries, Entry{Locator: model.Locator{
			Collection: collection,
			Directory:  rel.Directory,
			FileName:   fi.Name(),
		}})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Locator.FileName < entries[j].Locator.FileName })
	return entries, nil
}

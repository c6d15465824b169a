package library

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// DefaultDebounce delays a sync after the last relevant file event.
const DefaultDebounce = 500 * time.Millisecond

// Watcher resyncs a library when one of its pack files is removed or
// renamed.
type Watcher struct {
	agg      *Aggregator
	loc      model.Locator
	debounce time.Duration
	// OnSync, when set, receives the outcome of every triggered sync.
	OnSync func(*model.Library, error)
}

// NewWatcher returns a watcher for the library at loc.
func (a *Aggregator) NewWatcher(loc model.Locator, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{agg: a, loc: loc, debounce: debounce}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return model.Storage("watch library", w.loc.String(), err)
	}
	defer fw.Close()

	packs, err := w.watch(ctx, fw)
	if err != nil {
		return err
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !packs[filepath.Clean(ev.Name)] || !(ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				continue
			}
			w.agg.log.Debug("pack file event", "library", w.loc.String(), "file", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.agg.log.Warn("watch error", "library", w.loc.String(), "error", err)
		case <-timer.C:
			lib, err := w.agg.SyncPackStats(ctx, w.loc)
			if w.OnSync != nil {
				w.OnSync(lib, err)
			}
			if err != nil {
				w.agg.log.Warn("library sync failed", "library", w.loc.String(), "error", err)
				continue
			}
			if packs, err = w.watch(ctx, fw); err != nil {
				return err
			}
		}
	}
}

// watch adds the directories of the referenced packs and returns the set
// of pack paths that matter.
func (w *Watcher) watch(ctx context.Context, fw *fsnotify.Watcher) (map[string]bool, error) {
	lib, err := w.agg.Read(ctx, w.loc)
	if err != nil {
		return nil, err
	}
	packs := map[string]bool{}
	dirs := map[string]bool{}
	for _, ref := range lib.Packs {
		p, err := w.agg.opener.PathOf(packLocator(w.loc, ref))
		if err != nil {
			return nil, err
		}
		packs[filepath.Clean(p)] = true
		dirs[filepath.Dir(p)] = true
	}
	watched := map[string]bool{}
	for _, d := range fw.WatchList() {
		watched[d] = true
	}
	for d := range dirs {
		if watched[d] {
			continue
		}
		if err := fw.Add(d); err != nil {
			w.agg.log.Warn("cannot watch directory", "dir", d, "error", err)
		}
	}
	return packs, nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/locator"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

const lockRetry = 25 * time.Millisecond

// Opener hands out scoped pack handles. Writers hold an exclusive file lock
// on "<pack>.lock" for the whole scope; readers hold a shared one.
type Opener struct {
	resolver locator.Resolver
}

// NewOpener returns an Opener resolving locators through r.
func NewOpener(r locator.Resolver) *Opener {
	return &Opener{resolver: r}
}

// Resolver returns the locator resolver.
func (o *Opener) Resolver() locator.Resolver { return o.resolver }

// PathOf resolves a pack locator to its file path.
func (o *Opener) PathOf(loc model.Locator) (string, error) {
	return locator.Path(o.resolver, loc, model.PackExt)
}

// Exists reports whether the pack file is present.
func (o *Opener) Exists(loc model.Locator) (bool, error) {
	path, err := o.PathOf(loc)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, model.Storage("stat pack", path, err)
	}
	return true, nil
}

// Create initializes a pack under an exclusive lock.
func (o *Opener) Create(ctx context.Context, loc model.Locator, meta map[string]string) error {
	path, err := o.PathOf(loc)
	if err != nil {
		return err
	}
	return o.locked(ctx, path, true, func() error {
		p, err := Create(ctx, path, meta)
		if err != nil {
			return err
		}
		return p.Close()
	})
}

// Use opens the pack for writing, runs fn and closes it again.
func (o *Opener) Use(ctx context.Context, loc model.Locator, fn func(p *Pack) error) error {
	return o.scope(ctx, loc, true, fn)
}

// View opens the pack for reading under a shared lock.
func (o *Opener) View(ctx context.Context, loc model.Locator, fn func(p *Pack) error) error {
	return o.scope(ctx, loc, false, fn)
}

func (o *Opener) scope(ctx context.Context, loc model.Locator, exclusive bool, fn func(p *Pack) error) error {
	path, err := o.PathOf(loc)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return model.NotFound("open pack", loc.String())
	}
	return o.locked(ctx, path, exclusive, func() error {
		p, err := Open(ctx, path)
		if err != nil {
			return err
		}
		defer p.Close()
		return fn(p)
	})
}

func (o *Opener) locked(ctx context.Context, path string, exclusive bool, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.Storage("lock pack", path, err)
	}
	lk := flock.New(path + ".lock")
	var ok bool
	var err error
	if exclusive {
		ok, err = lk.TryLockContext(ctx, lockRetry)
	} else {
		ok, err = lk.TryRLockContext(ctx, lockRetry)
	}
	if err != nil {
		return model.Storage("lock pack", path, err)
	}
	if !ok {
		return model.Storage("lock pack", path, fmt.Errorf("lock not acquired"))
	}
	defer func() { _ = lk.Unlock() }()
	return fn()
}

package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

const lockRetry = 25 * time.Millisecond

// manifestVersion is written at the top of every manifest.
const manifestVersion = 1

type manifest struct {
	Version       int `yaml:"version"`
	model.Library `yaml:",inline"`
}

func (a *Aggregator) readManifest(path string) (*model.Library, error) {
	data, err := afero.ReadFile(a.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, model.NotFound("read library", path)
	}
	if err != nil {
		return nil, model.Storage("read library", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, model.Storage("read library", path, fmt.Errorf("decode manifest: %w", err))
	}
	if m.Version > manifestVersion {
		return nil, model.Validation("read library", "manifest version %d is newer than %d", m.Version, manifestVersion)
	}
	lib := m.Library
	if lib.Packs == nil {
		lib.Packs = []model.PackRef{}
	}
	return &lib, nil
}

// writeManifest replaces the manifest through a temp file and rename so
// readers never see a partial file.
func (a *Aggregator) writeManifest(path string, lib *model.Library) error {
	data, err := yaml.Marshal(manifest{Version: manifestVersion, Library: *lib})
	if err != nil {
		return model.Storage("write library", path, err)
	}
	if err := a.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.Storage("write library", path, err)
	}
	tmp := path + ".tmp"
	defer func() { _ = a.fs.Remove(tmp) }()
	if err := afero.WriteFile(a.fs, tmp, data, 0o644); err != nil {
		return model.Storage("write library", path, err)
	}
	if err := a.fs.Rename(tmp, path); err != nil {
		return model.Storage("write library", path, err)
	}
	return nil
}

// locked holds the manifest's exclusive lock while fn runs.
func locked(ctx context.Context, path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.Storage("lock library", path, err)
	}
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLockContext(ctx, lockRetry)
	if err != nil {
		return model.Storage("lock library", path, err)
	}
	if !ok {
		return model.Storage("lock library", path, fmt.Errorf("lock not acquired"))
	}
	defer func() { _ = lk.Unlock() }()
	return fn()
}

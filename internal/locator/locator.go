// Package locator maps pack and library locators onto files under a
// collection root.
package locator

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// Resolver maps a collection name to its root directory.
type Resolver interface {
	Root(collection string) (string, error)
}

// DirResolver resolves collections from a fixed name → directory table.
type DirResolver map[string]string

// Root returns the absolute root of collection.
func (r DirResolver) Root(collection string) (string, error) {
	root, ok := r[collection]
	if !ok || root == "" {
		return "", model.NotFound("resolve collection", collection)
	}
	return filepath.Abs(root)
}

// Normalize validates loc and appends ext to the file name when missing.
// The directory is cleaned to a slash-separated relative path ("" for the
// collection root).
func Normalize(loc model.Locator, ext string) (model.Locator, error) {
	if err := model.ValidateStruct("locate", loc); err != nil {
		return loc, err
	}
	dir, err := cleanDir(loc.Directory)
	if err != nil {
		return loc, err
	}
	name := loc.FileName
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return loc, model.Validation("locate", "file name %q must be a bare name", name)
	}
	if ext != "" && !strings.EqualFold(filepath.Ext(name), ext) {
		name += ext
	}
	return model.Locator{Collection: loc.Collection, Directory: dir, FileName: name}, nil
}

func cleanDir(dir string) (string, error) {
	dir = strings.ReplaceAll(dir, `\`, "/")
	dir = strings.TrimPrefix(dir, "/")
	if dir == "" {
		return "", nil
	}
	clean := path.Clean(dir)
	if clean == "." {
		return "", nil
	}
	if !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", model.Validation("locate", "directory %q escapes the collection root", dir)
	}
	return clean, nil
}

// Path resolves loc (already normalized or not) to an absolute file path.
func Path(r Resolver, loc model.Locator, ext string) (string, error) {
	loc, err := Normalize(loc, ext)
	if err != nil {
		return "", err
	}
	root, err := r.Root(loc.Collection)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(loc.Directory), loc.FileName), nil
}

// Dir resolves a directory inside a collection.
func Dir(r Resolver, collection, dir string) (string, error) {
	clean, err := cleanDir(dir)
	if err != nil {
		return "", err
	}
	root, err := r.Root(collection)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// Pack normalizes loc as a pack locator.
func Pack(loc model.Locator) (model.Locator, error) { return Normalize(loc, model.PackExt) }

// Library normalizes loc as a library locator.
func Library(loc model.Locator) (model.Locator, error) { return Normalize(loc, model.LibraryExt) }

// Parse reads "collection:dir/name" (or "dir/name" with the default
// collection) into a locator.
func Parse(s, defaultCollection string) (model.Locator, error) {
	collection := defaultCollection
	if i := strings.Index(s, ":"); i > 0 && !filepath.IsAbs(s) {
		collection, s = s[:i], s[i+1:]
	}
	s = strings.ReplaceAll(s, `\`, "/")
	dir, name := path.Split(s)
	loc := model.Locator{Collection: collection, Directory: strings.TrimSuffix(dir, "/"), FileName: name}
	if loc.FileName == "" {
		return loc, model.Validation("parse locator", "missing file name in %q", s)
	}
	return loc, nil
}

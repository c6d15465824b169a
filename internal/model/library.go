package model

import (
	"path"
	"time"
)

// File extensions for packs and library manifests.
const (
	PackExt    = ".cqmpack"
	LibraryExt = ".cqmlib"
)

// Locator addresses a pack or library file without exposing its absolute path.
type Locator struct {
	Collection string `json:"collection" yaml:"collection,omitempty" validate:"required"`
	Directory  string `json:"directory" yaml:"directory"`
	FileName   string `json:"fileName" yaml:"file_name" validate:"required"`
}

// String renders the locator as collection:directory/fileName.
func (l Locator) String() string {
	return l.Collection + ":" + path.Join(l.Directory, l.FileName)
}

// Key identifies a pack within a collection.
func (l Locator) Key() string {
	return path.Join(l.Directory, l.FileName)
}

// Stats are cheap aggregate counts of one pack.
type Stats struct {
	TotalNodes    int              `json:"totalNodes" yaml:"total_nodes"`
	ActiveNodes   int              `json:"activeNodes" yaml:"active_nodes"`
	Edges         int              `json:"edges" yaml:"edges"`
	Tags          int              `json:"tags" yaml:"tags"`
	Relationships int              `json:"relationships" yaml:"relationships"`
	Categories    map[Category]int `json:"categories" yaml:"categories"`
	PendingJobs   int              `json:"pendingJobs" yaml:"pending_jobs"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.TotalNodes += o.TotalNodes
	s.ActiveNodes += o.ActiveNodes
	s.Edges += o.Edges
	s.Tags += o.Tags
	s.Relationships += o.Relationships
	s.PendingJobs += o.PendingJobs
	if s.Categories == nil {
		s.Categories = map[Category]int{}
	}
	for c, n := range o.Categories {
		s.Categories[c] += n
	}
}

// PackRef is a library's reference to one pack.
type PackRef struct {
	Directory string     `json:"directory" yaml:"directory"`
	FileName  string     `json:"fileName" yaml:"file_name"`
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Stats     Stats      `json:"stats" yaml:"stats"`
	SyncedAt  *time.Time `json:"syncedAt,omitempty" yaml:"synced_at,omitempty"`
}

// Key identifies the referenced pack within the library's collection.
func (r PackRef) Key() string {
	return path.Join(r.Directory, r.FileName)
}

// LibraryStats is the cached aggregate over all referenced packs.
type LibraryStats struct {
	Packs int `json:"packs" yaml:"packs"`
	Stats `yaml:",inline"`
}

// Library is a named manifest referencing zero or more packs.
type Library struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Packs     []PackRef         `json:"packs" yaml:"packs"`
	Stats     LibraryStats      `json:"stats" yaml:"stats"`
	CreatedAt time.Time         `json:"createdAt" yaml:"created_at"`
	UpdatedAt time.Time         `json:"updatedAt" yaml:"updated_at"`
	SyncedAt  *time.Time        `json:"syncedAt,omitempty" yaml:"synced_at,omitempty"`
}

// HasPack reports whether key is already referenced.
func (l *Library) HasPack(key string) bool {
	for _, p := range l.Packs {
		if p.Key() == key {
			return true
		}
	}
	return false
}

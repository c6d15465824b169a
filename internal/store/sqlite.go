package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// SchemaVersion is written to the metadata table of every new pack.
const SchemaVersion = "1"

// timeLayout is fixed width so that lexical order of stored timestamps is
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT 'knowledge',
	importance    REAL NOT NULL DEFAULT 0.5,
	confidence    REAL NOT NULL DEFAULT 1.0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	last_accessed TEXT,
	access_count  INTEGER NOT NULL DEFAULT 0,
	source_type   TEXT NOT NULL DEFAULT '',
	source_ref    TEXT NOT NULL DEFAULT '',
	source_range  TEXT NOT NULL DEFAULT '',
	is_active     INTEGER NOT NULL DEFAULT 1,
	depth         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_nodes_updated ON nodes(updated_at);
CREATE INDEX IF NOT EXISTS idx_nodes_category ON nodes(category, is_active);

CREATE TABLE IF NOT EXISTS edges (
	id         TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL REFERENCES nodes(id),
	target_id  TEXT NOT NULL REFERENCES nodes(id),
	type       TEXT NOT NULL,
	strength   REAL NOT NULL DEFAULT 0.5,
	context    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (source_id, target_id, type)
);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id, type);
CREATE INDEX IF NOT EXISTS idx_edges_created ON edges(created_at);

CREATE TABLE IF NOT EXISTS tags (
	memory_id TEXT NOT NULL REFERENCES nodes(id),
	tag       TEXT NOT NULL,
	PRIMARY KEY (memory_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	payload      TEXT NOT NULL,
	result       TEXT,
	progress     INTEGER NOT NULL DEFAULT 0,
	total_steps  INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tombstones (
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	deleted_at TEXT NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS idx_tombstones_deleted ON tombstones(deleted_at);

CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
	content,
	summary,
	content=nodes,
	content_rowid=rowid
);

CREATE TRIGGER IF NOT EXISTS nodes_ai AFTER INSERT ON nodes BEGIN
	INSERT INTO nodes_fts(rowid, content, summary) VALUES (new.rowid, new.content, new.summary);
END;
CREATE TRIGGER IF NOT EXISTS nodes_ad AFTER DELETE ON nodes BEGIN
	INSERT INTO nodes_fts(nodes_fts, rowid, content, summary) VALUES ('delete', old.rowid, old.content, old.summary);
END;
CREATE TRIGGER IF NOT EXISTS nodes_au AFTER UPDATE OF content, summary ON nodes BEGIN
	INSERT INTO nodes_fts(nodes_fts, rowid, content, summary) VALUES ('delete', old.rowid, old.content, old.summary);
	INSERT INTO nodes_fts(rowid, content, summary) VALUES (new.rowid, new.content, new.summary);
END;
`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// handle runs pack operations against the database or an open transaction.
// Pack and Tx embed it, so every operation is available on both.
type handle struct {
	p *Pack
	q querier
}

// Pack is an open .cqmpack file. It is not safe for concurrent use by
// multiple writers; callers serialize access through Opener.
type Pack struct {
	handle
	db   *sql.DB
	path string

	mu      sync.Mutex
	closed  bool
	last    time.Time
	entropy *ulid.MonotonicEntropy
}

// Tx is a pack transaction. Operations called on it commit or roll back
// together.
type Tx struct {
	handle
}

// Create opens path, creating the file and schema when needed. Existing
// packs are left intact; meta keys are written over existing values.
func Create(ctx context.Context, path string, meta map[string]string) (*Pack, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, model.Storage("create pack", path, fmt.Errorf("create dir: %w", err))
	}
	p, err := open(ctx, path)
	if err != nil {
		return nil, err
	}
	err = p.Tx(ctx, func(tx *Tx) error {
		now := p.now()
		defaults := map[string]string{
			MetaCreatedAt:     formatTime(now),
			MetaSchemaVersion: SchemaVersion,
			MetaName:          strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		}
		for k, v := range defaults {
			if _, err := tx.q.ExecContext(ctx,
				`INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
				return model.Storage("create pack", path, err)
			}
		}
		for k, v := range meta {
			if err := tx.SetMetadataField(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Open opens an existing pack. A missing file is a not-found error.
func Open(ctx context.Context, path string) (*Pack, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, model.NotFound("open pack", path)
		}
		return nil, model.Storage("open pack", path, err)
	}
	return open(ctx, path)
}

func open(ctx context.Context, path string) (*Pack, error) {
	dsn := path + "?_pragma=journal_mode(delete)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, model.Storage("open pack", path, err)
	}
	// One connection keeps transactions and the FTS triggers on the same
	// session.
	db.SetMaxOpenConns(1)

	p := &Pack{
		db:      db,
		path:    path,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	p.handle = handle{p: p, q: db}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, model.Storage("migrate pack", path, err)
	}
	last, err := p.diskWatermark(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	p.last = last
	return p, nil
}

// Path returns the pack's file path.
func (p *Pack) Path() string { return p.path }

// Close releases the database. Further operations fail with ErrClosed.
func (p *Pack) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

// Tx runs fn in a single transaction. fn must only use tx; the pack's own
// methods would wait on the connection held by the transaction.
func (p *Pack) Tx(ctx context.Context, fn func(tx *Tx) error) error {
	if err := p.check("begin"); err != nil {
		return err
	}
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Storage("begin", p.path, err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{handle{p: p, q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return model.Storage("commit", p.path, err)
	}
	return nil
}

// atomic runs fn inside the current transaction, or a new one when the
// handle is not transactional.
func (h handle) atomic(ctx context.Context, fn func(h handle) error) error {
	if _, ok := h.q.(*sql.Tx); ok {
		return fn(h)
	}
	return h.p.Tx(ctx, func(tx *Tx) error { return fn(tx.handle) })
}

func (h handle) check(op string) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if h.p.closed {
		return model.Closed(op)
	}
	return nil
}

// now returns a UTC timestamp strictly after every timestamp this handle
// has handed out or found on disk.
func (p *Pack) now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := time.Now().UTC().Truncate(time.Nanosecond)
	if !t.After(p.last) {
		t = p.last.Add(time.Nanosecond)
	}
	p.last = t
	return t
}

func (p *Pack) newID(t time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), p.entropy).String()
}

// Watermark returns the newest change timestamp of the pack. Every change
// made after the call gets a strictly greater timestamp.
func (h handle) Watermark(ctx context.Context) (time.Time, error) {
	if err := h.check("watermark"); err != nil {
		return time.Time{}, err
	}
	disk, err := h.diskWatermark(ctx)
	if err != nil {
		return time.Time{}, err
	}
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if disk.After(h.p.last) {
		h.p.last = disk
	}
	return h.p.last, nil
}

func (h handle) diskWatermark(ctx context.Context) (time.Time, error) {
	var s sql.NullString
	err := h.q.QueryRowContext(ctx, `SELECT MAX(ts) FROM (
		SELECT MAX(updated_at) AS ts FROM nodes
		UNION ALL SELECT MAX(last_accessed) FROM nodes
		UNION ALL SELECT MAX(created_at) FROM edges
		UNION ALL SELECT MAX(deleted_at) FROM tombstones
		UNION ALL SELECT MAX(created_at) FROM jobs
	)`).Scan(&s)
	if err != nil {
		return time.Time{}, model.Storage("watermark", h.p.path, err)
	}
	if !s.Valid {
		return time.Time{}, nil
	}
	return parseTime(s.String), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// placeholders returns "?, ?, ..." with n markers and the args as []any.
func placeholders(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// Well-known metadata keys.
const (
	MetaName          = "name"
	MetaDescription   = "description"
	MetaSourceURL     = "source_url"
	MetaSourceContact = "source_contact"
	MetaLastSyncedAt  = "last_synced_at"
	MetaCreatedAt     = "created_at"
	MetaSchemaVersion = "schema_version"
)

// AllMetadata returns every metadata key and value.
func (h handle) AllMetadata(ctx context.Context) (map[string]string, error) {
	if err := h.check("metadata"); err != nil {
		return nil, err
	}
	rows, err := h.q.QueryContext(ctx, `SELECT key, value FROM metadata`)
	if err != nil {
		return nil, model.Storage("metadata", h.p.path, err)
	}
	defer rows.Close()

	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, model.Storage("metadata", h.p.path, err)
		}
		meta[k] = v
	}
	return meta, model.Storage("metadata", h.p.path, rows.Err())
}

// Metadata returns one metadata value, or "" when unset.
func (h handle) Metadata(ctx context.Context, key string) (string, error) {
	if err := h.check("metadata"); err != nil {
		return "", err
	}
	var v string
	err := h.q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", model.Storage("metadata", key, err)
	}
	return v, nil
}

// SetMetadataField writes one metadata value.
func (h handle) SetMetadataField(ctx context.Context, key, value string) error {
	if err := h.check("set metadata"); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return model.Validation("set metadata", "key is required")
	}
	_, err := h.q.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return model.Storage("set metadata", key, err)
}

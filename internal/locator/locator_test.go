package locator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      model.Locator
		ext     string
		want    model.Locator
		wantErr bool
	}{
		{
			name: "adds extension",
			in:   model.Locator{Collection: "c", Directory: "notes", FileName: "work"},
			ext:  model.PackExt,
			want: model.Locator{Collection: "c", Directory: "notes", FileName: "work.cqmpack"},
		},
		{
			name: "keeps extension",
			in:   model.Locator{Collection: "c", FileName: "work.cqmpack"},
			ext:  model.PackExt,
			want: model.Locator{Collection: "c", FileName: "work.cqmpack"},
		},
		{
			name: "cleans directory",
			in:   model.Locator{Collection: "c", Directory: "/a/./b/", FileName: "lib"},
			ext:  model.LibraryExt,
			want: model.Locator{Collection: "c", Directory: "a/b", FileName: "lib.cqmlib"},
		},
		{
			name:    "escape rejected",
			in:      model.Locator{Collection: "c", Directory: "../outside", FileName: "x"},
			ext:     model.PackExt,
			wantErr: true,
		},
		{
			name:    "nested file name rejected",
			in:      model.Locator{Collection: "c", FileName: "a/b"},
			wantErr: true,
		},
		{
			name:    "missing collection",
			in:      model.Locator{FileName: "x"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in, tt.ext)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPath(t *testing.T) {
	root := t.TempDir()
	r := DirResolver{"main": root}

	p, err := Path(r, model.Locator{Collection: "main", Directory: "x", FileName: "a"}, model.PackExt)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "x", "a.cqmpack"), p)

	_, err = Path(r, model.Locator{Collection: "other", FileName: "a"}, model.PackExt)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestParse(t *testing.T) {
	loc, err := Parse("docs:team/notes.cqmpack", "main")
	require.NoError(t, err)
	assert.Equal(t, model.Locator{Collection: "docs", Directory: "team", FileName: "notes.cqmpack"}, loc)

	loc, err = Parse("notes", "main")
	require.NoError(t, err)
	assert.Equal(t, "main", loc.Collection)
	assert.Equal(t, "", loc.Directory)

	_, err = Parse("main:dir/", "main")
	assert.ErrorIs(t, err, model.ErrValidation)
}

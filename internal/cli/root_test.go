package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/config"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/jobs"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

const notesDoc = `# Intro

Go is a compiled language with garbage collection.

# Usage

Run go build to compile the program.
`

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	out := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		out <- buf.String()
	}()

	original := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = original }()
	fn()
	_ = w.Close()
	return <-out
}

// writeConfig points the main collection at a temp directory and returns
// the config file path.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	packs := filepath.Join(dir, "packs")
	body := fmt.Sprintf("collections:\n  main: %s\ndefault_collection: main\nlog:\n  level: error\n", packs)
	path := filepath.Join(dir, "cqm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, packs
}

func execute(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	formatFlag, collection = "json", ""
	RootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	return captureStdout(t, func() {
		assert.NoError(t, RootCmd.Execute(), "cqm %s", strings.Join(args, " "))
	})
}

func TestPackArg(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg, collection = prev, "" })
	cfg = &config.Config{DefaultCollection: "main"}

	collection = ""
	assert.Equal(t, model.Locator{Collection: "work", Directory: "team", FileName: "notes.cqmpack"}, packArg("work:team/notes"))
	assert.Equal(t, model.Locator{Collection: "main", FileName: "notes.cqmpack"}, packArg("notes.cqmpack"))

	collection = "side"
	assert.Equal(t, "side", packArg("notes").Collection)
	assert.Equal(t, "work", packArg("work:notes").Collection)
}

func TestJobRunReportsEveryStep(t *testing.T) {
	cfgPath, packs := writeConfig(t)
	doc := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(doc, []byte(notesDoc), 0o644))

	execute(t, cfgPath, "pack", "create", "team/notes")
	_, err := os.Stat(filepath.Join(packs, "team", "notes.cqmpack"))
	require.NoError(t, err, "pack created under the collection root")

	var job model.MemoryJob
	out := execute(t, cfgPath, "job", "enqueue", "team/notes", "extract_recursive", "--file", doc)
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, model.JobPending, job.Status)

	out = execute(t, cfgPath, "job", "run", "team/notes")
	var reports []jobs.StepReport
	dec := json.NewDecoder(strings.NewReader(out))
	for {
		var rep jobs.StepReport
		err := dec.Decode(&rep)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		reports = append(reports, rep)
	}
	require.Len(t, reports, 2, "one report per section")
	for _, rep := range reports {
		assert.Equal(t, job.ID, rep.Job.ID)
		require.NotNil(t, rep.Delta)
		assert.NotEmpty(t, rep.Delta.Nodes, "every step adds nodes")
	}
	last := reports[len(reports)-1]
	assert.True(t, last.Complete)
	assert.Equal(t, model.JobCompleted, last.Job.Status)
	assert.False(t, reports[0].Complete)

	var shown model.MemoryJob
	out = execute(t, cfgPath, "job", "show", "team/notes", job.ID)
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, model.JobCompleted, shown.Status)
	assert.Equal(t, 2, shown.Progress)
}

package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/completion"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/locator"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/logging"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/metrics"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

const twoSections = `# Intro

Go is a compiled language with garbage collection.

# Usage

Run go build to compile the program.
`

func newPipeline(t *testing.T, c completion.Capability, opts Options) (*Pipeline, model.Locator) {
	t.Helper()
	o := store.NewOpener(locator.DirResolver{"main": t.TempDir()})
	loc := model.Locator{Collection: "main", FileName: "jobs.cqmpack"}
	require.NoError(t, o.Create(context.Background(), loc, nil))
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return New(o, c, opts), loc
}

func storeNodes(t *testing.T, p *Pipeline, loc model.Locator, contents ...string) []*model.MemoryNode {
	t.Helper()
	var out []*model.MemoryNode
	require.NoError(t, p.Opener().Use(context.Background(), loc, func(pk *store.Pack) error {
		for _, c := range contents {
			n, err := pk.StoreNode(context.Background(), store.NodeParams{Content: c})
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	}))
	return out
}

func loadJob(t *testing.T, p *Pipeline, loc model.Locator, id string) model.MemoryJob {
	t.Helper()
	var job *model.MemoryJob
	require.NoError(t, p.Opener().View(context.Background(), loc, func(pk *store.Pack) error {
		var err error
		job, err = pk.FindJobByID(context.Background(), id)
		return err
	}))
	require.NotNil(t, job)
	return *job
}

func graph(t *testing.T, p *Pipeline, loc model.Locator) *store.Graph {
	t.Helper()
	var g *store.Graph
	require.NoError(t, p.Opener().View(context.Background(), loc, func(pk *store.Pack) error {
		var err error
		g, err = pk.GraphData(context.Background())
		return err
	}))
	return g
}

// drain steps a job to completion and returns every state it went through.
func drain(t *testing.T, p *Pipeline, loc model.Locator, id string) []model.MemoryJob {
	t.Helper()
	var states []model.MemoryJob
	for i := 0; i < 100; i++ {
		done, err := p.ProcessStep(context.Background(), loc, id)
		require.NoError(t, err)
		states = append(states, loadJob(t, p, loc, id))
		if done {
			return states
		}
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func TestExtractRecursiveMaxDepthTwo(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})

	job, err := p.Enqueue(ctx, loc, model.JobExtractRecursive,
		ExtractPayload(model.Document{Title: "Go notes", Content: twoSections, SourceRef: "notes.md"}, 2, ""))
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)

	states := drain(t, p, loc, job.ID)
	assert.Equal(t, model.JobProcessing, states[0].Status)
	for i := 1; i < len(states); i++ {
		assert.GreaterOrEqual(t, states[i].Progress, states[i-1].Progress)
	}
	final := states[len(states)-1]
	assert.Equal(t, model.JobCompleted, final.Status)
	assert.Equal(t, 2, final.TotalSteps)
	assert.Equal(t, final.TotalSteps, final.Progress)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	var result ExtractResult
	require.NoError(t, json.Unmarshal(final.Result, &result))
	assert.Equal(t, 2, result.Sections)
	assert.Equal(t, 2, result.Memories)

	g := graph(t, p, loc)
	byID := map[string]model.MemoryNode{}
	for _, n := range g.Nodes {
		byID[n.ID] = n
	}
	root := byID[result.RootID]
	assert.Equal(t, model.SourceDocument, root.SourceType)
	assert.Equal(t, 0, *root.Depth)

	var sections []string
	for _, e := range g.Edges {
		assert.Equal(t, model.RelPartOf, e.Type)
		if e.TargetID == result.RootID {
			sections = append(sections, e.SourceID)
		}
	}
	require.Len(t, sections, 2)
	for _, id := range sections {
		sec := byID[id]
		assert.Equal(t, model.SourceSection, sec.SourceType)
		assert.Equal(t, 1, *sec.Depth)

		children := 0
		for _, e := range g.Edges {
			if e.TargetID == id {
				children++
				child := byID[e.SourceID]
				assert.Equal(t, 2, *child.Depth)
				assert.Equal(t, model.SourceExtracted, child.SourceType)
			}
		}
		assert.GreaterOrEqual(t, children, 1, "section %s", sec.Summary)
	}
}

func TestExtractMaxDepthOneHangsOffRoot(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})

	job, err := p.Enqueue(ctx, loc, model.JobExtractRecursive,
		ExtractPayload(model.Document{Content: twoSections}, 1, ""))
	require.NoError(t, err)
	drain(t, p, loc, job.ID)

	g := graph(t, p, loc)
	require.Len(t, g.Nodes, 3)
	for _, n := range g.Nodes {
		assert.NotEqual(t, model.SourceSection, n.SourceType)
		if n.SourceType != model.SourceDocument {
			assert.Equal(t, 1, *n.Depth)
		}
	}
	assert.Len(t, g.Edges, 2)
}

func TestExtractNestedHeadings(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Func(func(ctx context.Context, content, _ string) ([]completion.Candidate, error) {
		return nil, nil
	}), Options{})

	doc := "# A\n\ntext a\n\n## A1\n\ntext a1\n\n# B\n\ntext b\n"
	job, err := p.Enqueue(ctx, loc, model.JobExtractRecursive, ExtractPayload(model.Document{Content: doc}, 5, ""))
	require.NoError(t, err)
	drain(t, p, loc, job.ID)

	g := graph(t, p, loc)
	bySummary := map[string]model.MemoryNode{}
	for _, n := range g.Nodes {
		bySummary[n.Summary] = n
	}
	parent := map[string]string{}
	for _, e := range g.Edges {
		parent[e.SourceID] = e.TargetID
	}
	assert.Equal(t, bySummary["A"].ID, parent[bySummary["A1"].ID])
	assert.Equal(t, 2, *bySummary["A1"].Depth)
	assert.Equal(t, parent[bySummary["A"].ID], parent[bySummary["B"].ID])
}

func TestExtractEmptyDocumentFails(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})

	job, err := p.Enqueue(ctx, loc, model.JobExtractRecursive, ExtractPayload(model.Document{Content: "  \n "}, 0, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxDepth, job.Payload.Extract.MaxDepth)

	done, err := p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got := loadJob(t, p, loc, job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Contains(t, got.Error, "no content")
	assert.Empty(t, graph(t, p, loc).Nodes)
}

func TestCapabilityFailureIsCaptured(t *testing.T) {
	ctx := context.Background()
	calls := 0
	flaky := completion.Func(func(ctx context.Context, content, _ string) ([]completion.Candidate, error) {
		calls++
		return nil, errors.New("upstream unavailable")
	})
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p, loc := newPipeline(t, flaky, Options{MaxStepFailures: 2, Metrics: m})

	job, err := p.Enqueue(ctx, loc, model.JobExtractRecursive, ExtractPayload(model.Document{Content: twoSections}, 2, ""))
	require.NoError(t, err)

	done, err := p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	assert.False(t, done)
	got := loadJob(t, p, loc, job.ID)
	assert.Equal(t, model.JobProcessing, got.Status)
	assert.Contains(t, got.Error, "upstream unavailable")
	assert.Equal(t, 1, got.Payload.Failures)
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, graph(t, p, loc).Nodes, "failed step must not write")

	done, err = p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	assert.True(t, done)
	got = loadJob(t, p, loc, job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, 2, calls)

	series, err := testutil.GatherAndCount(reg, "cqm_job_steps_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series, "one deferred and one failed step")
}

func TestFailureCounterResetsAfterSuccess(t *testing.T) {
	ctx := context.Background()
	fail := true
	c := completion.Func(func(ctx context.Context, content, _ string) ([]completion.Candidate, error) {
		if fail {
			fail = false
			return nil, errors.New("timeout")
		}
		return []completion.Candidate{{Content: "a memory"}}, nil
	})
	p, loc := newPipeline(t, c, Options{MaxStepFailures: 2})
	job, err := p.Enqueue(ctx, loc, model.JobExtractRecursive, ExtractPayload(model.Document{Content: twoSections}, 2, ""))
	require.NoError(t, err)

	_, err = p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	_, err = p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)

	got := loadJob(t, p, loc, job.ID)
	assert.Equal(t, 0, got.Payload.Failures)
	assert.Empty(t, got.Error)
	assert.Equal(t, 1, got.Progress)
}

func TestTerminalJobIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})
	job, err := p.Enqueue(ctx, loc, model.JobConsolidate, ConsolidatePayload())
	require.NoError(t, err)

	require.NoError(t, p.Opener().Use(ctx, loc, func(pk *store.Pack) error {
		_, err := pk.CancelJob(ctx, job.ID)
		return err
	}))

	done, err := p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, model.JobCancelled, loadJob(t, p, loc, job.ID).Status)

	_, err = p.ProcessStep(ctx, loc, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUnknownPayloadVersionFails(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})
	job, err := p.Enqueue(ctx, loc, model.JobConsolidate, ConsolidatePayload())
	require.NoError(t, err)

	require.NoError(t, p.Opener().Use(ctx, loc, func(pk *store.Pack) error {
		job.Payload.Version = 99
		return pk.UpdateJob(ctx, job)
	}))

	done, err := p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	assert.True(t, done)
	got := loadJob(t, p, loc, job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Contains(t, got.Error, "version")
}

func TestAnalyzeRelationships(t *testing.T) {
	ctx := context.Background()
	var prompts []string
	judge := completion.Func(func(ctx context.Context, content, _ string) ([]completion.Candidate, error) {
		prompts = append(prompts, content)
		return []completion.Candidate{
			{Relation: model.RelPartOf, Confidence: 1},
			{Relation: model.RelReinforces, Confidence: 0.8, Content: "same topic"},
		}, nil
	})
	p, loc := newPipeline(t, judge, Options{})
	nodes := storeNodes(t, p, loc, "one", "two", "three")
	require.NoError(t, p.Opener().Use(ctx, loc, func(pk *store.Pack) error {
		_, err := pk.CreateEdge(ctx, store.EdgeParams{SourceID: nodes[0].ID, TargetID: nodes[1].ID, Type: model.RelRelatesTo})
		return err
	}))

	job, err := p.Enqueue(ctx, loc, model.JobAnalyzeRelationships, RelationshipsPayload(nil, 0, ""))
	require.NoError(t, err)
	states := drain(t, p, loc, job.ID)
	final := states[len(states)-1]
	assert.Equal(t, model.JobCompleted, final.Status)
	assert.Equal(t, 2, final.TotalSteps)
	assert.Equal(t, 2, final.Progress)

	var result RelationshipResult
	require.NoError(t, json.Unmarshal(final.Result, &result))
	assert.Equal(t, RelationshipResult{Analyzed: 2, Created: 2}, result)
	require.Len(t, prompts, 2)
	assert.Equal(t, completion.PairPrompt("one", "three"), prompts[0])

	g := graph(t, p, loc)
	require.Len(t, g.Edges, 3)
	for _, e := range g.Edges[1:] {
		assert.Equal(t, model.RelReinforces, e.Type)
		assert.InDelta(t, 0.8, e.Strength, 1e-9)
		assert.Equal(t, "same topic", e.Context)
	}
}

func TestAnalyzeRelationshipsNothingToDo(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})
	storeNodes(t, p, loc, "lonely")

	job, err := p.Enqueue(ctx, loc, model.JobAnalyzeRelationships, RelationshipsPayload(nil, 0, ""))
	require.NoError(t, err)
	done, err := p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, model.JobCompleted, loadJob(t, p, loc, job.ID).Status)
}

type staticEmbedder map[string][]float64

func (s staticEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = s[t]
	}
	return out, nil
}

func TestAnalyzeRelationshipsEmbeddingPrefilter(t *testing.T) {
	ctx := context.Background()
	e := staticEmbedder{
		"cats purr":         {1, 0},
		"kittens purr":      {0.95, 0.05},
		"taxes are due now": {0, 1},
	}
	p, loc := newPipeline(t, completion.Heuristic{}, Options{Embedder: e, Threshold: model.FloatPtr(0.9)})
	nodes := storeNodes(t, p, loc, "cats purr", "kittens purr", "taxes are due now")

	job, err := p.Enqueue(ctx, loc, model.JobAnalyzeRelationships, RelationshipsPayload(nil, 0, ""))
	require.NoError(t, err)
	drain(t, p, loc, job.ID)

	final := loadJob(t, p, loc, job.ID)
	assert.Equal(t, 1, final.TotalSteps)
	g := graph(t, p, loc)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, nodes[0].ID, g.Edges[0].SourceID)
	assert.Equal(t, nodes[1].ID, g.Edges[0].TargetID)
}

func TestAnalyzeRelationshipsZeroThresholdKeepsEveryPair(t *testing.T) {
	ctx := context.Background()
	e := staticEmbedder{
		"cats purr":         {1, 0},
		"kittens purr":      {0.95, 0.05},
		"taxes are due now": {0, 1},
	}
	p, loc := newPipeline(t, completion.Heuristic{}, Options{Embedder: e, Threshold: model.FloatPtr(0)})
	storeNodes(t, p, loc, "cats purr", "kittens purr", "taxes are due now")

	job, err := p.Enqueue(ctx, loc, model.JobAnalyzeRelationships, RelationshipsPayload(nil, 0, ""))
	require.NoError(t, err)
	_, err = p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loadJob(t, p, loc, job.ID).TotalSteps)
}

func TestConsolidate(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})

	var keep, dup, other *model.MemoryNode
	require.NoError(t, p.Opener().Use(ctx, loc, func(pk *store.Pack) error {
		var err error
		if keep, err = pk.StoreNode(ctx, store.NodeParams{Content: "Go is fast", Tags: []string{"go"}}); err != nil {
			return err
		}
		if dup, err = pk.StoreNode(ctx, store.NodeParams{
			Content: "  go IS\nfast ", Importance: model.FloatPtr(0.9), Tags: []string{"speed"},
		}); err != nil {
			return err
		}
		if other, err = pk.StoreNode(ctx, store.NodeParams{Content: "Rust is safe"}); err != nil {
			return err
		}
		if _, err = pk.CreateEdge(ctx, store.EdgeParams{SourceID: other.ID, TargetID: dup.ID, Type: model.RelRelatesTo}); err != nil {
			return err
		}
		_, err = pk.CreateEdge(ctx, store.EdgeParams{SourceID: dup.ID, TargetID: keep.ID, Type: model.RelReinforces})
		return err
	}))

	job, err := p.Enqueue(ctx, loc, model.JobConsolidate, ConsolidatePayload())
	require.NoError(t, err)
	states := drain(t, p, loc, job.ID)
	final := states[len(states)-1]
	assert.Equal(t, model.JobCompleted, final.Status)

	var result ConsolidateResult
	require.NoError(t, json.Unmarshal(final.Result, &result))
	assert.Equal(t, ConsolidateResult{Groups: 1, Merged: 1}, result)

	require.NoError(t, p.Opener().View(ctx, loc, func(pk *store.Pack) error {
		k, err := pk.FindNodeByID(ctx, keep.ID)
		require.NoError(t, err)
		assert.True(t, k.IsActive)
		assert.Equal(t, []string{"go", "speed"}, k.Tags)
		assert.InDelta(t, 0.9, k.Importance, 1e-9)

		d, err := pk.FindNodeByID(ctx, dup.ID)
		require.NoError(t, err)
		assert.False(t, d.IsActive)

		edges, err := pk.Edges(ctx)
		require.NoError(t, err)
		require.Len(t, edges, 1, "self loop dropped, edge re-pointed")
		assert.Equal(t, other.ID, edges[0].SourceID)
		assert.Equal(t, keep.ID, edges[0].TargetID)
		return nil
	}))
}

const twinSections = `# One

Deploys run through the staging pipeline first.

# Two

Deploys run through the staging pipeline first.
`

func TestConsolidateKeepsSectionMembership(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})

	job, err := p.Enqueue(ctx, loc, model.JobExtractRecursive,
		ExtractPayload(model.Document{Title: "Deploys", Content: twinSections}, 2, ""))
	require.NoError(t, err)
	drain(t, p, loc, job.ID)

	job, err = p.Enqueue(ctx, loc, model.JobConsolidate, ConsolidatePayload())
	require.NoError(t, err)
	states := drain(t, p, loc, job.ID)
	var result ConsolidateResult
	require.NoError(t, json.Unmarshal(states[len(states)-1].Result, &result))
	require.Equal(t, 1, result.Merged)

	g := graph(t, p, loc)
	sections := map[string]string{}
	var kept string
	for _, n := range g.Nodes {
		switch n.SourceType {
		case model.SourceSection:
			sections[n.Summary] = n.ID
		case model.SourceExtracted:
			kept = n.ID
		}
	}
	require.NotEmpty(t, kept)
	var parents []string
	for _, e := range g.Edges {
		if e.Type == model.RelPartOf && e.SourceID == kept {
			parents = append(parents, e.TargetID)
		}
	}
	assert.Equal(t, []string{sections["One"]}, parents)

	require.NoError(t, p.Opener().Use(ctx, loc, func(pk *store.Pack) error {
		_, err := pk.DeleteNodeWithChildren(ctx, sections["Two"])
		return err
	}))
	require.NoError(t, p.Opener().View(ctx, loc, func(pk *store.Pack) error {
		n, err := pk.FindNodeByID(ctx, kept)
		require.NoError(t, err)
		require.NotNil(t, n, "memory under section One survives deleting section Two")
		assert.True(t, n.IsActive)
		return nil
	}))
}

func TestStepFailsLoudlyWhenParentIsGone(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})

	job, err := p.Enqueue(ctx, loc, model.JobExtractRecursive,
		ExtractPayload(model.Document{Title: "Go notes", Content: twoSections}, 2, ""))
	require.NoError(t, err)
	done, err := p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	require.False(t, done)

	before := loadJob(t, p, loc, job.ID)
	rootID := before.Payload.Extract.RootID
	require.NotEmpty(t, rootID)
	require.NoError(t, p.Opener().Use(ctx, loc, func(pk *store.Pack) error {
		_, err := pk.DeleteNodeWithChildren(ctx, rootID)
		return err
	}))

	_, err = p.ProcessStep(ctx, loc, job.ID)
	assert.ErrorIs(t, err, model.ErrInvariant)

	after := loadJob(t, p, loc, job.ID)
	assert.Equal(t, before, after, "stored job untouched")
	assert.Equal(t, model.JobProcessing, after.Status)
	assert.Empty(t, graph(t, p, loc).Nodes, "step writes rolled back")
}

func TestUnreadablePayloadFailsJob(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})
	job, err := p.Enqueue(ctx, loc, model.JobExtractRecursive,
		ExtractPayload(model.Document{Title: "Go notes", Content: twoSections}, 2, ""))
	require.NoError(t, err)

	path, err := p.Opener().PathOf(loc)
	require.NoError(t, err)
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE jobs SET payload = ? WHERE id = ?`, `{"extract":[`, job.ID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	done, err := p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	assert.True(t, done)
	failed := loadJob(t, p, loc, job.ID)
	assert.Equal(t, model.JobFailed, failed.Status)
	assert.Contains(t, failed.Error, "decode payload")
}

func TestMergePacks(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{BatchSize: 1})
	src := model.Locator{Collection: "main", Directory: "shared", FileName: "team"}
	require.NoError(t, p.Opener().Create(ctx, src, nil))

	var a, b *model.MemoryNode
	require.NoError(t, p.Opener().Use(ctx, src, func(pk *store.Pack) error {
		var err error
		if a, err = pk.StoreNode(ctx, store.NodeParams{Content: "alpha", Tags: []string{"x"}}); err != nil {
			return err
		}
		if b, err = pk.StoreNode(ctx, store.NodeParams{Content: "beta"}); err != nil {
			return err
		}
		_, err = pk.CreateEdge(ctx, store.EdgeParams{SourceID: a.ID, TargetID: b.ID, Type: model.RelRelatesTo, Strength: model.FloatPtr(0.3)})
		return err
	}))

	_, err := p.Enqueue(ctx, loc, model.JobMerge, MergePayload(loc, 0))
	assert.ErrorIs(t, err, model.ErrValidation)

	job, err := p.Enqueue(ctx, loc, model.JobMerge, MergePayload(src, 0))
	require.NoError(t, err)
	states := drain(t, p, loc, job.ID)
	final := states[len(states)-1]
	assert.Equal(t, model.JobCompleted, final.Status)
	assert.Equal(t, 3, final.TotalSteps)
	assert.Equal(t, 3, final.Progress)

	var result MergeResult
	require.NoError(t, json.Unmarshal(final.Result, &result))
	assert.Equal(t, 2, result.CopiedNodes)
	assert.Equal(t, 1, result.CopiedEdges)

	g := graph(t, p, loc)
	require.Len(t, g.Nodes, 2)
	ids := map[string]bool{}
	for _, n := range g.Nodes {
		ids[n.ID] = true
		assert.Equal(t, model.SourcePack, n.SourceType)
		assert.Equal(t, "main:shared/team.cqmpack", n.SourceRef)
		assert.NotEqual(t, a.ID, n.ID)
	}
	require.Len(t, g.Edges, 1)
	assert.True(t, ids[g.Edges[0].SourceID])
	assert.True(t, ids[g.Edges[0].TargetID])
	assert.InDelta(t, 0.3, g.Edges[0].Strength, 1e-9)
}

func TestMergeStepLeavesTargetUnlockedWhileSourceIsBusy(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})
	other := model.Locator{Collection: "main", FileName: "other"}
	require.NoError(t, p.Opener().Create(ctx, other, nil))
	storeNodes(t, p, loc, "kept in jobs")
	storeNodes(t, p, other, "kept in other")

	job, err := p.Enqueue(ctx, loc, model.JobMerge, MergePayload(other, 0))
	require.NoError(t, err)

	// Hold other the way a step of the reverse merge would, and read the
	// target from inside that scope once the forward step is waiting.
	stepped := make(chan error, 1)
	var crossed error
	require.NoError(t, p.Opener().Use(ctx, other, func(*store.Pack) error {
		go func() {
			_, err := p.ProcessStep(ctx, loc, job.ID)
			stepped <- err
		}()
		time.Sleep(100 * time.Millisecond)
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		crossed = p.Opener().View(wctx, loc, func(*store.Pack) error { return nil })
		return nil
	}))
	require.NoError(t, crossed, "target locked while waiting on source")
	require.NoError(t, <-stepped)

	drain(t, p, loc, job.ID)
	assert.Len(t, graph(t, p, loc).Nodes, 2)
}

func TestMergeMissingSourceFails(t *testing.T) {
	ctx := context.Background()
	p, loc := newPipeline(t, completion.Heuristic{}, Options{})
	job, err := p.Enqueue(ctx, loc, model.JobMerge, MergePayload(model.Locator{Collection: "main", FileName: "ghost"}, 0))
	require.NoError(t, err)

	done, err := p.ProcessStep(ctx, loc, job.ID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, model.JobFailed, loadJob(t, p, loc, job.ID).Status)
}

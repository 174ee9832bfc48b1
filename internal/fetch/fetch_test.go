// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package fetch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/docbatch/internal/layout"
	"github.com/pdiddy/docbatch/internal/manifest"
	"github.com/pdiddy/docbatch/internal/remote"
	"github.com/pdiddy/docbatch/internal/remote/remotetest"
	"github.com/pdiddy/docbatch/pkg/types"
)

const (
	notesJSON = "```json\n" + `{"concepts": [{"title": "Raft Log", "body": "An ordered list of entries.", "related": ["Leader Election"]}, {"title": "Leader Election", "body": "Choosing a single leader per term."}]}` + "\n```"

	cardsJSON = `{"cards": [{"question": "What does a term number order?", "answer": "Leadership epochs.", "difficulty": "medium"}]}`

	summaryJSON = `Here is the summary:
{"must_know": ["Logs replicate through the leader"], "should_know": ["Snapshots bound log size"], "common_mistakes": ["Counting uncommitted entries"], "learning_path": [{"stage": 1, "title": "Basics", "topics": ["terms", "logs"]}]}`
)

var keys = map[types.ArtifactKind]string{
	types.ArtifactNotes:      "notes_k1",
	types.ArtifactFlashcards: "flashcards_k1",
	types.ArtifactSummary:    "summary_k1",
}

type fixture struct {
	fetcher *Fetcher
	fake    *remotetest.Fake
	repo    *manifest.FileStore
	layout  layout.Layout
	job     string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	l := layout.New(root)
	require.NoError(t, l.Init())

	fake := remotetest.New()
	var reqs []remote.Request
	for _, kind := range types.ArtifactKinds {
		reqs = append(reqs, remote.Request{CorrelationKey: keys[kind], Kind: kind, FileHandle: "file_0"})
	}
	job, err := fake.SubmitBatch(context.Background(), reqs)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(l.Processing("raft"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.Processing("raft"), "raft.pdf"), []byte("%PDF"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(l.Processing("raft"), layout.JobDescriptor), []byte("job_handle: "+job+"\n"), 0o644))

	repo := manifest.NewFileStore(filepath.Join(root, "manifest.yaml"))
	submitted := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Upsert(context.Background(), types.DocumentRecord{
		Name:        "raft",
		Status:      types.StatusProcessing,
		SourcePath:  filepath.Join(l.Inbox(), "raft.pdf"),
		JobHandle:   job,
		FileHandle:  "file_0",
		Correlation: keys,
		SubmittedAt: &submitted,
		Metadata:    types.Metadata{Size: 4, CostEstimated: 0.000001},
	}))

	remoteCfg := types.DefaultPipelineConfig().Remote
	return fixture{
		fetcher: New(repo, fake, l, remoteCfg),
		fake:    fake,
		repo:    repo,
		layout:  l,
		job:     job,
	}
}

func (f fixture) get(t *testing.T) types.DocumentRecord {
	t.Helper()
	rec, err := f.repo.Get(context.Background(), "raft")
	require.NoError(t, err)
	return rec
}

func TestFetchAllArtifacts(t *testing.T) {
	f := newFixture(t)
	f.fake.Succeed(f.job, map[types.ArtifactKind]string{
		types.ArtifactNotes:      notesJSON,
		types.ArtifactFlashcards: cardsJSON,
		types.ArtifactSummary:    summaryJSON,
	})

	var out bytes.Buffer
	sum, err := f.fetcher.Run(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Contains(t, out.String(), "fetched raft")

	rec := f.get(t)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.Results.Count())
	assert.Empty(t, rec.Error)
	assert.Equal(t, int64(3000), rec.Metadata.InputTokens)
	assert.Equal(t, int64(600), rec.Metadata.OutputTokens)
	assert.InDelta(t, 0.009, rec.Metadata.CostActual, 1e-9)
	assert.Equal(t, 0.000001, rec.Metadata.CostEstimated)

	set, err := LoadResults(f.layout.Root, rec)
	require.NoError(t, err)
	require.NotNil(t, set.Notes)
	assert.Len(t, set.Notes.Concepts, 2)
	assert.Equal(t, []string{"Leader Election"}, set.Notes.Concepts[0].Related)
	require.NotNil(t, set.Flashcards)
	assert.Equal(t, types.DifficultyMedium, set.Flashcards.Cards[0].Difficulty)
	require.NotNil(t, set.Summary)
	assert.Equal(t, "Basics", set.Summary.LearningPath[0].Title)

	assert.FileExists(t, filepath.Join(f.layout.Completed("raft"), "raft.pdf"))
	assert.FileExists(t, filepath.Join(f.layout.Completed("raft"), layout.JobDescriptor))
	assert.NoDirExists(t, f.layout.Processing("raft"))
}

func TestFetchOnFailedJobLeavesFileInProcessing(t *testing.T) {
	f := newFixture(t)
	f.fake.FailJob(f.job, "batch ended without successful requests")

	sum, err := f.fetcher.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Zero(t, sum.Total())

	rec := f.get(t)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, "batch ended without successful requests", rec.Error)
	assert.Zero(t, rec.Results.Count())
	assert.FileExists(t, filepath.Join(f.layout.Processing("raft"), "raft.pdf"))
	assert.NoDirExists(t, f.layout.Completed("raft"))
}

func TestFetchFlashcardsParseFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	f.fake.Succeed(f.job, map[types.ArtifactKind]string{
		types.ArtifactNotes:      notesJSON,
		types.ArtifactFlashcards: `{"cards": [{"question": "truncated`,
		types.ArtifactSummary:    summaryJSON,
	})

	var out bytes.Buffer
	sum, err := f.fetcher.Run(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Partial)
	assert.Contains(t, out.String(), "partial raft")

	rec := f.get(t)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.NotEmpty(t, rec.Results.Notes)
	assert.NotEmpty(t, rec.Results.Summary)
	assert.Empty(t, rec.Results.Flashcards)
	assert.Contains(t, rec.Error, "partial result: flashcards")
	assert.NoFileExists(t, filepath.Join(f.layout.Root, ResultFile("raft", types.ArtifactFlashcards)))
	assert.FileExists(t, filepath.Join(f.layout.Completed("raft"), "raft.pdf"))

	// Partial results are final: nothing is fetched again.
	calls := f.fake.Calls()
	sum, err = f.fetcher.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Zero(t, sum.Total())
	assert.Equal(t, calls, f.fake.Calls())
}

func TestFetchNothingParsesIsRetried(t *testing.T) {
	f := newFixture(t)
	f.fake.Succeed(f.job, map[types.ArtifactKind]string{
		types.ArtifactNotes:      "I cannot help with that.",
		types.ArtifactFlashcards: `{"cards": []}`,
	})

	sum, err := f.fetcher.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	rec := f.get(t)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Zero(t, rec.Results.Count())
	assert.Contains(t, rec.Error, "summary")
	assert.FileExists(t, filepath.Join(f.layout.Processing("raft"), "raft.pdf"))

	before, err := os.ReadFile(f.repo.Path())
	require.NoError(t, err)
	sum, err = f.fetcher.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	after, err := os.ReadFile(f.repo.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Once the output is fixed the retry succeeds.
	f.fake.Succeed(f.job, map[types.ArtifactKind]string{
		types.ArtifactNotes:      notesJSON,
		types.ArtifactFlashcards: cardsJSON,
		types.ArtifactSummary:    summaryJSON,
	})
	sum, err = f.fetcher.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Empty(t, f.get(t).Error)
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```\n", `{"a":1}`},
		{"leading prose", "Sure!\n{\"a\":{\"b\":2}}\nThanks", `{"a":{"b":2}}`},
		{"no object", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripFences(tt.in))
		})
	}
}

func TestParseArtifactValidates(t *testing.T) {
	var set types.ResultSet
	err := parseArtifact(types.ArtifactFlashcards, `{"cards":[{"question":"q","answer":"a","difficulty":"impossible"}]}`, &set)
	assert.ErrorContains(t, err, "invalid difficulty")
	assert.Nil(t, set.Flashcards)

	err = parseArtifact(types.ArtifactSummary, `{"must_know":[]}`, &set)
	assert.ErrorContains(t, err, "no must-know")
}

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package submit

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/docbatch/internal/layout"
	"github.com/pdiddy/docbatch/internal/manifest"
	"github.com/pdiddy/docbatch/internal/remote/remotetest"
	"github.com/pdiddy/docbatch/pkg/types"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	fake   *remotetest.Fake
	repo   manifest.Repository
	layout layout.Layout
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	l := layout.New(root)
	require.NoError(t, l.Init())

	repo := manifest.NewFileStore(filepath.Join(root, "manifest.yaml"))
	fake := remotetest.New()
	e := NewEngine(repo, fake, l, types.DefaultPipelineConfig().Submission)
	e.Scanner.CountPages = func(string) (int, error) { return 12, nil }
	e.Now = func() time.Time { return testNow }
	e.NewID = func() string { return "0123456789abcdef01234567" }
	return fixture{engine: e, fake: fake, repo: repo, layout: l}
}

func (f fixture) drop(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.layout.Inbox(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestEstimateCost(t *testing.T) {
	assert.Equal(t, 0.0135, EstimateCost(5*1<<20, 0.0027))
	assert.Equal(t, 0.0, EstimateCost(0, 0.0027))
	assert.Equal(t, 0.00135, EstimateCost(512*1<<10, 0.0027))

	exact := 1000.0 / (1 << 20) * 0.0027
	assert.InDelta(t, exact, EstimateCost(1000, 0.0027), 1e-12)
	assert.NotEqual(t, 3e-06, EstimateCost(1000, 0.0027))
}

func TestCorrelationKey(t *testing.T) {
	assert.Equal(t, "flashcards_abc", CorrelationKey(types.ArtifactFlashcards, "abc"))
	assert.Len(t, newSubmissionID(), 32)
	assert.NotContains(t, newSubmissionID(), "-")
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, size int) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), bytes.Repeat([]byte("x"), size), 0o644))
	}
	write("empty.txt", 0)
	write("huge.md", 64)
	write("photo.png", 10)
	write("broken.pdf", 10)
	write("good.pdf", 10)
	write("Notes File.txt", 10)
	write(".docbatch-123.tmp", 10)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	s := Scanner{
		Config: types.SubmissionConfig{MaxFileSize: 32, Extensions: []string{".pdf", ".md", ".txt"}},
		CountPages: func(path string) (int, error) {
			if strings.HasSuffix(path, "broken.pdf") {
				return 0, errors.New("no xref table")
			}
			return 4, nil
		},
	}
	candidates, rejections, err := s.Scan(dir)
	require.NoError(t, err)

	// Directory order: uppercase sorts first.
	require.Len(t, candidates, 2)
	assert.Equal(t, "notes-file", candidates[0].Name)
	assert.Zero(t, candidates[0].Pages)
	assert.Equal(t, "good", candidates[1].Name)
	assert.Equal(t, 4, candidates[1].Pages)

	reasons := make(map[string]string)
	for _, r := range rejections {
		reasons[r.Name] = r.Err.Reason
	}
	assert.Len(t, reasons, 4)
	assert.Contains(t, reasons["empty"], "empty")
	assert.Contains(t, reasons["huge"], "limit")
	assert.Contains(t, reasons["photo"], "unsupported")
	assert.Contains(t, reasons["broken"], "unreadable PDF")
}

func TestScanMissingInbox(t *testing.T) {
	c, r, err := Scanner{}.Scan(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, c)
	assert.Empty(t, r)
}

func TestDiscoverRejectsBeforeAnyNetworkCall(t *testing.T) {
	f := newFixture(t)
	f.engine.Scanner.Config.MaxFileSize = 16
	f.drop(t, "blank.pdf", nil)
	f.drop(t, "oversized.txt", bytes.Repeat([]byte("a"), 17))

	var out bytes.Buffer
	sum, err := f.engine.Run(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed)
	assert.Zero(t, f.fake.Calls())

	for _, name := range []string{"blank", "oversized"} {
		rec, err := f.repo.Get(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, rec.Status)
		assert.NotEmpty(t, rec.Error)
	}
	assert.Contains(t, out.String(), "rejected blank")
}

func TestRejectedDocumentIsNotRecordedTwice(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "blank.md", nil)

	_, err := f.engine.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	path := filepath.Join(f.layout.Root, "manifest.yaml")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	sum, err := f.engine.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Zero(t, sum.Total())
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSubmitMovesDocumentAndRecordsJob(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "Kubernetes Guide.pdf", bytes.Repeat([]byte("p"), 5*1<<20))

	var out bytes.Buffer
	sum, err := f.engine.Run(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Contains(t, out.String(), "submitted kubernetes-guide")

	rec, err := f.repo.Get(context.Background(), "kubernetes-guide")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, rec.Status)
	assert.Equal(t, "file_1", rec.FileHandle)
	assert.Equal(t, "batch_2", rec.JobHandle)
	assert.Equal(t, 0.0135, rec.Metadata.CostEstimated)
	assert.Equal(t, 12, rec.Metadata.Pages)
	require.NotNil(t, rec.SubmittedAt)
	require.NotNil(t, rec.EstimatedCompletion)
	assert.True(t, rec.SubmittedAt.Equal(testNow))
	assert.True(t, rec.EstimatedCompletion.Equal(testNow.Add(24*time.Hour)))
	assert.Equal(t, map[types.ArtifactKind]string{
		types.ArtifactNotes:      "notes_0123456789abcdef01234567",
		types.ArtifactFlashcards: "flashcards_0123456789abcdef01234567",
		types.ArtifactSummary:    "summary_0123456789abcdef01234567",
	}, rec.Correlation)

	reqs := f.fake.Batch("batch_2")
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		assert.Equal(t, "file_1", r.FileHandle)
		assert.Equal(t, rec.Correlation[r.Kind], r.CorrelationKey)
		assert.Contains(t, r.Prompt, "kubernetes-guide")
	}

	assert.NoFileExists(t, filepath.Join(f.layout.Inbox(), "Kubernetes Guide.pdf"))
	assert.FileExists(t, filepath.Join(f.layout.Processing("kubernetes-guide"), "Kubernetes Guide.pdf"))

	data, err := os.ReadFile(filepath.Join(f.layout.Processing("kubernetes-guide"), layout.JobDescriptor))
	require.NoError(t, err)
	var d JobDescriptor
	require.NoError(t, yaml.Unmarshal(data, &d))
	assert.Equal(t, "batch_2", d.JobHandle)
	assert.Equal(t, "Kubernetes Guide.pdf", d.Source)
}

func TestTransientFailureStaysPending(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "notes.md", []byte("# notes"))
	f.fake.UploadErr = &types.TransientRemoteError{Op: "upload", StatusCode: 503, Err: errors.New("overloaded")}

	sum, err := f.engine.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	rec, err := f.repo.Get(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Contains(t, rec.Error, "overloaded")
	assert.FileExists(t, filepath.Join(f.layout.Inbox(), "notes.md"))

	// The next run retries and clears the error.
	f.fake.UploadErr = nil
	sum, err = f.engine.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	rec, err = f.repo.Get(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestPermanentRejectionFails(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "manual.txt", []byte("text"))
	f.fake.SubmitErr = &types.PermanentRemoteError{Op: "submit batch", StatusCode: 400, Err: errors.New("invalid_request_error: bad document")}

	_, err := f.engine.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)

	rec, err := f.repo.Get(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "bad document")
	assert.Empty(t, rec.JobHandle)
}

func TestTrackedDocumentIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "guide.md", []byte("# guide"))
	submitted := testNow
	require.NoError(t, f.repo.Upsert(context.Background(), types.DocumentRecord{
		Name:        "guide",
		Status:      types.StatusProcessing,
		SourcePath:  filepath.Join(f.layout.Inbox(), "guide.md"),
		JobHandle:   "batch_old",
		SubmittedAt: &submitted,
	}))
	before, err := f.repo.Get(context.Background(), "guide")
	require.NoError(t, err)

	sum, err := f.engine.Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Zero(t, sum.Total())
	assert.Zero(t, f.fake.Calls())

	after, err := f.repo.Get(context.Background(), "guide")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestNameCollisionSubmitsOnlyTheFirst(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "guide.md", []byte("# md"))
	f.drop(t, "guide.txt", []byte("txt"))

	var out bytes.Buffer
	sum, err := f.engine.Run(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, []string{"guide.md"}, f.fake.Uploads())
	assert.Contains(t, out.String(), "maps to the same name")
}

func TestNameCollisionPrefersAcceptedFile(t *testing.T) {
	tests := []struct {
		name   string
		valid  string
		broken string
	}{
		{"accepted sorts first", "a.md", "a.txt"},
		{"accepted sorts last", "a.txt", "a.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.drop(t, tt.valid, []byte("# notes"))
			f.drop(t, tt.broken, nil)

			var out bytes.Buffer
			sum, err := f.engine.Run(context.Background(), &out)
			require.NoError(t, err)
			assert.Equal(t, 1, sum.Succeeded)
			assert.Zero(t, sum.Failed)
			assert.Equal(t, []string{tt.valid}, f.fake.Uploads())
			assert.Contains(t, out.String(), "skipped a: "+tt.broken+" maps to the same name as "+tt.valid)
			assert.NotContains(t, out.String(), "rejected a")

			rec, err := f.repo.Get(context.Background(), "a")
			require.NoError(t, err)
			assert.Equal(t, types.StatusProcessing, rec.Status)
			assert.Empty(t, rec.Error)
		})
	}
}

func TestNamelessFileIsRejectedWithoutRecord(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "---.md", []byte("x"))
	f.drop(t, "guide.md", []byte("# guide"))

	var out bytes.Buffer
	sum, err := f.engine.Run(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Contains(t, out.String(), "rejected ---.md")

	m, err := f.repo.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, m.Documents, 1)
	assert.Equal(t, "guide", m.Documents[0].Name)
}

func TestRenderPrompt(t *testing.T) {
	for kind, key := range map[types.ArtifactKind]string{
		types.ArtifactNotes:      `"concepts"`,
		types.ArtifactFlashcards: `"cards"`,
		types.ArtifactSummary:    `"learning_path"`,
	} {
		p, err := RenderPrompt(kind, "raft-paper")
		require.NoError(t, err)
		assert.Contains(t, p, `"raft-paper"`)
		assert.Contains(t, p, key)
	}
	_, err := RenderPrompt("diagram", "x")
	assert.Error(t, err)
}

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package vault imports fetched artifacts into a Markdown knowledge vault:
// one note per concept, a flashcard deck, pareto pages, and a source index
// per document.
//
// Every page carries YAML frontmatter naming the document it came from. A
// page is only ever rewritten by the document that owns it; pages owned by
// another document, or written by hand, are linked to and left alone.
// Writes are atomic and skipped when the content is unchanged, so importing
// the same results twice leaves the vault byte-identical.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pdiddy/docbatch/internal/fetch"
	"github.com/pdiddy/docbatch/internal/layout"
	"github.com/pdiddy/docbatch/internal/manifest"
	"github.com/pdiddy/docbatch/pkg/types"
)

// Importer runs the import phase.
type Importer struct {
	Repo manifest.Repository

	// Root is the pipeline root that result references are relative to.
	Root   string
	Config types.VaultConfig
	Now    func() time.Time

	// mu serializes vault writes; concept pages are shared across documents.
	mu sync.Mutex
}

// New returns an importer using the wall clock.
func New(repo manifest.Repository, root string, cfg types.VaultConfig) *Importer {
	return &Importer{Repo: repo, Root: root, Config: cfg, Now: time.Now}
}

// Eligible reports whether rec should be imported. Imported records are
// only revisited when force is set.
func Eligible(rec types.DocumentRecord, force bool) bool {
	switch rec.Status {
	case types.StatusCompleted:
		return rec.Results.Count() > 0
	case types.StatusImported:
		return force
	}
	return false
}

// Stats counts what one import did to the vault.
type Stats struct {
	Written   int
	Unchanged int
	Kept      int
}

// ImportOne writes the vault pages for one document and marks it imported.
func (im *Importer) ImportOne(ctx context.Context, rec types.DocumentRecord, force bool, w io.Writer) (types.Outcome, error) {
	if !Eligible(rec, force) {
		return types.OutcomeSkipped, nil
	}
	wctx := context.WithoutCancel(ctx)
	log := slog.With("document", rec.Name)

	set, err := fetch.LoadResults(im.Root, rec)
	if err != nil {
		return im.recordError(wctx, rec.Name, err, w)
	}

	im.mu.Lock()
	stats, err := im.apply(rec, set)
	im.mu.Unlock()
	if err != nil {
		return im.recordError(wctx, rec.Name, err, w)
	}
	log.Debug("vault updated", "written", stats.Written, "unchanged", stats.Unchanged, "kept", stats.Kept)

	now := im.Now().UTC()
	if _, err := im.Repo.Update(wctx, rec.Name, func(r *types.DocumentRecord) error {
		if r.Status == types.StatusImported {
			return nil
		}
		if err := r.Transition(types.StatusImported); err != nil {
			return err
		}
		r.ImportedAt = &now
		return nil
	}); err != nil {
		fmt.Fprintf(w, "failed  %s: %v\n", rec.Name, err)
		return types.OutcomeFailed, err
	}

	fmt.Fprintf(w, "imported %s (%d written, %d unchanged, %d kept)\n", rec.Name, stats.Written, stats.Unchanged, stats.Kept)
	return types.OutcomeSucceeded, nil
}

func (im *Importer) apply(rec types.DocumentRecord, set types.ResultSet) (Stats, error) {
	var stats Stats
	pages, err := im.plan(rec, set)
	if err != nil {
		return stats, err
	}
	for _, p := range pages {
		wrote, kept, err := im.write(p, rec.Name)
		if err != nil {
			return stats, err
		}
		switch {
		case kept:
			stats.Kept++
		case wrote:
			stats.Written++
		default:
			stats.Unchanged++
		}
	}
	return stats, nil
}

// plan renders every page for rec. Paths are relative to the vault root
// and use forward slashes so they double as wiki links.
func (im *Importer) plan(rec types.DocumentRecord, set types.ResultSet) ([]page, error) {
	var (
		pages []page
		links []string
	)
	indexLink := path.Join(im.Config.SourcesDir, rec.Name)
	add := func(rel, link, kind string, body string) error {
		content, err := renderPage(Frontmatter{
			Source:    rec.Name,
			Generator: Generator,
			Type:      kind,
			Tags:      []string{Generator, kind, tag(rec.Name)},
		}, body)
		if err != nil {
			return err
		}
		pages = append(pages, page{Path: rel, Link: link, Content: content})
		if kind != "source" {
			links = append(links, link)
		}
		return nil
	}

	if set.Notes != nil {
		concepts := mergeConcepts(set.Notes.Concepts)
		known, err := im.existingConcepts()
		if err != nil {
			return nil, err
		}
		for _, c := range concepts {
			name := fileName(c.Title)
			known[strings.ToLower(name)] = name
		}
		resolve := func(ref string) (string, bool) {
			target, ok := known[strings.ToLower(fileName(ref))]
			return target, ok
		}
		for _, c := range concepts {
			name := fileName(c.Title)
			if name == "" {
				continue
			}
			rel := path.Join(im.Config.ConceptsDir, name+".md")
			if err := add(rel, name, "concept", renderConcept(c, indexLink, resolve)); err != nil {
				return nil, err
			}
		}
	}

	if set.Flashcards != nil {
		rel := path.Join(im.Config.FlashcardsDir, rec.Name+".md")
		if err := add(rel, strings.TrimSuffix(rel, ".md"), "flashcards", renderFlashcards(*set.Flashcards, rec.Name)); err != nil {
			return nil, err
		}
	}

	if set.Summary != nil {
		dir := path.Join(im.Config.ParetoDir, rec.Name)
		for _, pp := range []struct {
			title string
			body  string
		}{
			{"Must Know", renderList("Must Know", set.Summary.MustKnow)},
			{"Should Know", renderShouldKnow(*set.Summary)},
			{"Learning Path", renderLearningPath(set.Summary.LearningPath)},
		} {
			rel := path.Join(dir, pp.title+".md")
			if err := add(rel, strings.TrimSuffix(rel, ".md"), "pareto", pp.body); err != nil {
				return nil, err
			}
		}
	}

	if err := add(indexLink+".md", indexLink, "source", renderIndex(rec, links)); err != nil {
		return nil, err
	}
	return pages, nil
}

// mergeConcepts deduplicates concepts by case-insensitive title, keeping
// the first body and the union of related titles in first-seen order.
func mergeConcepts(in []types.Concept) []types.Concept {
	var out []types.Concept
	index := make(map[string]int)
	for _, c := range in {
		key := strings.ToLower(fileName(c.Title))
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			c.Related = appendUnique(nil, c.Related...)
			out = append(out, c)
			continue
		}
		out[i].Related = appendUnique(out[i].Related, c.Related...)
	}
	for i := range out {
		// A concept never links to itself.
		self := strings.ToLower(fileName(out[i].Title))
		kept := out[i].Related[:0]
		for _, r := range out[i].Related {
			if strings.ToLower(fileName(r)) != self {
				kept = append(kept, r)
			}
		}
		out[i].Related = kept
	}
	return out
}

func appendUnique(dst []string, items ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, d := range dst {
		seen[strings.ToLower(strings.TrimSpace(d))] = true
	}
	for _, it := range items {
		k := strings.ToLower(strings.TrimSpace(it))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		dst = append(dst, strings.TrimSpace(it))
	}
	return dst
}

// existingConcepts maps lowercased page names already in the concepts
// directory to their actual names.
func (im *Importer) existingConcepts() (map[string]string, error) {
	dir := filepath.Join(im.Config.Dir, filepath.FromSlash(im.Config.ConceptsDir))
	known := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return known, nil
	}
	if err != nil {
		return nil, &types.LocalIOError{Op: "reading concepts", Path: dir, Err: err}
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".md")
		known[strings.ToLower(name)] = name
	}
	return known, nil
}

// write stores p unless the existing file belongs to someone else (kept)
// or already holds the same bytes.
func (im *Importer) write(p page, owner string) (wrote, kept bool, err error) {
	full := filepath.Join(im.Config.Dir, filepath.FromSlash(p.Path))
	existing, err := os.ReadFile(full)
	switch {
	case err == nil:
		fm, ok := parseFrontmatter(existing)
		if !ok || fm.Source != owner {
			return false, true, nil
		}
		if bytes.Equal(existing, p.Content) {
			return false, false, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return false, false, &types.LocalIOError{Op: "reading vault page", Path: full, Err: err}
	}
	if err := layout.WriteFileAtomic(full, p.Content, 0o644); err != nil {
		return false, false, &types.LocalIOError{Op: "writing vault page", Path: full, Err: err}
	}
	return true, false, nil
}

func (im *Importer) recordError(ctx context.Context, name string, err error, w io.Writer) (types.Outcome, error) {
	if _, uerr := im.Repo.Update(ctx, name, func(r *types.DocumentRecord) error {
		r.Error = err.Error()
		return nil
	}); uerr != nil {
		err = errors.Join(err, uerr)
	}
	fmt.Fprintf(w, "failed  %s: %v\n", name, err)
	return types.OutcomeFailed, err
}

// Run imports every eligible record sequentially.
func (im *Importer) Run(ctx context.Context, force bool, w io.Writer) (types.RunSummary, error) {
	var sum types.RunSummary
	m, err := im.Repo.Load(ctx)
	if err != nil {
		return sum, err
	}
	for _, rec := range m.Documents {
		if !Eligible(rec, force) || ctx.Err() != nil {
			continue
		}
		o, _ := im.ImportOne(ctx, rec, force, w)
		sum.Add(o)
	}
	return sum, nil
}

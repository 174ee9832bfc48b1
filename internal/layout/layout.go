// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package layout owns the on-disk directory view of the pipeline:
// inbox/, processing/<name>/ and completed/<name>/results/. Directory
// placement is a cache of manifest status, never a source of truth.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pdiddy/docbatch/pkg/types"
)

const (
	inboxDir      = "inbox"
	processingDir = "processing"
	completedDir  = "completed"
	resultsDir    = "results"

	// JobDescriptor is the file written next to a submitted document.
	JobDescriptor = "job.yaml"
)

// Layout resolves pipeline paths under a root directory.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root.
func New(root string) Layout {
	return Layout{Root: root}
}

// Init creates the fixed top-level directories.
func (l Layout) Init() error {
	for _, dir := range []string{l.Inbox(), filepath.Join(l.Root, processingDir), filepath.Join(l.Root, completedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &types.LocalIOError{Op: "creating directory", Path: dir, Err: err}
		}
	}
	return nil
}

func (l Layout) Inbox() string { return filepath.Join(l.Root, inboxDir) }

func (l Layout) Processing(name string) string {
	return filepath.Join(l.Root, processingDir, name)
}

func (l Layout) Completed(name string) string {
	return filepath.Join(l.Root, completedDir, name)
}

func (l Layout) Results(name string) string {
	return filepath.Join(l.Completed(name), resultsDir)
}

// DirFor returns the directory a record's source file belongs in, or "" for
// statuses whose view is left where it is (failed).
func (l Layout) DirFor(rec types.DocumentRecord) string {
	switch rec.Status {
	case types.StatusPending:
		return l.Inbox()
	case types.StatusProcessing:
		return l.Processing(rec.Name)
	case types.StatusCompleted, types.StatusImported:
		return l.Completed(rec.Name)
	}
	return ""
}

// Locate finds the record's source file in any of the directories it can be
// in, preferring the one that matches its status.
func (l Layout) Locate(rec types.DocumentRecord) (string, error) {
	base := filepath.Base(rec.SourcePath)
	candidates := []string{
		l.DirFor(rec),
		l.Inbox(),
		l.Processing(rec.Name),
		l.Completed(rec.Name),
	}
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, base)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &types.LocalIOError{Op: "locating source", Path: base, Err: os.ErrNotExist}
}

// Place moves the record's files into the directory its status implies. It
// is idempotent: files already in place are left alone and a missing source
// is not an error once its target exists.
func (l Layout) Place(rec types.DocumentRecord) error {
	target := l.DirFor(rec)
	if target == "" {
		return nil
	}
	base := filepath.Base(rec.SourcePath)
	if _, err := os.Stat(filepath.Join(target, base)); err == nil {
		// Sidecar files such as job.yaml may still be behind.
		return l.sweep(rec.Name, target)
	}

	src, err := l.Locate(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return &types.LocalIOError{Op: "creating directory", Path: target, Err: err}
	}
	if err := os.Rename(src, filepath.Join(target, base)); err != nil {
		return &types.LocalIOError{Op: "moving source", Path: src, Err: err}
	}
	return l.sweep(rec.Name, target)
}

// sweep moves leftover entries of the document's other per-name directories
// into target and removes the emptied directories. Entries already present
// in target are kept as they are.
func (l Layout) sweep(name, target string) error {
	for _, dir := range []string{l.Processing(name), l.Completed(name)} {
		if dir == target {
			continue
		}
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return &types.LocalIOError{Op: "reading directory", Path: dir, Err: err}
		}
		if target == l.Inbox() {
			// Job descriptors have no meaning once a document is back in the inbox.
			for _, e := range entries {
				if e.Name() == JobDescriptor {
					os.Remove(filepath.Join(dir, e.Name()))
				}
			}
			os.Remove(dir)
			continue
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return &types.LocalIOError{Op: "creating directory", Path: target, Err: err}
		}
		for _, e := range entries {
			dst := filepath.Join(target, e.Name())
			if _, err := os.Stat(dst); err == nil {
				continue
			}
			if err := os.Rename(filepath.Join(dir, e.Name()), dst); err != nil {
				return &types.LocalIOError{Op: "moving", Path: filepath.Join(dir, e.Name()), Err: err}
			}
		}
		// Only succeeds when empty.
		os.Remove(dir)
	}
	return nil
}

// NameFor derives the stable document name from a filename: the base name
// without extension, lowercased, with runs of non-alphanumerics collapsed
// to a single hyphen.
func NameFor(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(base) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// WriteFileAtomic writes data to a temporary file in the destination
// directory, syncs it, and renames it over path. A reader never observes a
// partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmpFile, err := os.CreateTemp(dir, ".docbatch-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, writeErr := tmpFile.Write(data)
	if writeErr == nil {
		writeErr = tmpFile.Sync()
	}
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", closeErr)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// WriteFileIfChanged writes data atomically unless path already holds
// exactly data. It reports whether a write happened.
func WriteFileIfChanged(path string, data []byte, perm os.FileMode) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(data) {
		return false, nil
	}
	if err := WriteFileAtomic(path, data, perm); err != nil {
		return false, err
	}
	return true, nil
}

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package manifest persists the ledger of tracked documents. The manifest is
// the sole source of truth for pipeline state; every other component reads
// and writes through a Repository.
//
// Two implementations are provided: FileStore keeps a single YAML file that
// is replaced atomically, and SQLiteStore keeps one row per record in an
// embedded database. Both serialize read-modify-write cycles within a
// process. Concurrent processes are last-write-wins.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/pdiddy/docbatch/pkg/types"
)

// ErrNotFound is returned when no record has the requested name.
var ErrNotFound = errors.New("document not found in manifest")

// Repository is the storage contract the pipeline depends on.
type Repository interface {
	// Load returns the current manifest, or an empty one if none exists.
	Load(ctx context.Context) (*types.Manifest, error)

	// Save replaces the stored manifest atomically.
	Save(ctx context.Context, m *types.Manifest) error

	// Upsert merges rec by name, keeping its position if it already exists.
	Upsert(ctx context.Context, rec types.DocumentRecord) error

	// Get returns the record named name.
	Get(ctx context.Context, name string) (types.DocumentRecord, error)

	// Update applies fn to the named record inside one critical section and
	// persists the result only if the record changed. If fn returns an
	// error nothing is written.
	Update(ctx context.Context, name string, fn func(*types.DocumentRecord) error) (types.DocumentRecord, error)

	Close() error
}

// Open returns the repository selected by cfg.
func Open(cfg types.PipelineConfig) (Repository, error) {
	switch cfg.Manifest.Backend {
	case types.ManifestFile, "":
		return NewFileStore(cfg.ManifestPath()), nil
	case types.ManifestSQLite:
		return NewSQLiteStore(cfg.ManifestPath())
	default:
		return nil, fmt.Errorf("unsupported manifest backend %q: use file or sqlite", cfg.Manifest.Backend)
	}
}

// applyUpdate runs fn against a clone of cur and reports whether anything
// changed. The returned record has passed validation.
func applyUpdate(cur types.DocumentRecord, fn func(*types.DocumentRecord) error) (types.DocumentRecord, bool, error) {
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur, false, err
	}
	if next.Name != cur.Name {
		return cur, false, fmt.Errorf("update of %s attempted to rename it to %s", cur.Name, next.Name)
	}
	if reflect.DeepEqual(cur, next) {
		return cur, false, nil
	}
	if err := next.Validate(); err != nil {
		return cur, false, err
	}
	return next, true, nil
}

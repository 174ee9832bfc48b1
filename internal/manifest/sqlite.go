// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/docbatch/pkg/types"
)

// SQLiteStore keeps one row per DocumentRecord in an embedded SQLite
// database. Rows keep their insertion sequence so Load returns records in
// manifest order.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens or creates the database at path and its schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating manifest directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps transactions and the mutex in lockstep.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*types.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM documents ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying manifest: %w", err)
	}
	defer rows.Close()

	m := &types.Manifest{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		var rec types.DocumentRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}
		m.Documents = append(m.Documents, rec)
	}
	return m, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, m *types.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("clearing manifest: %w", err)
	}
	for _, rec := range m.Documents {
		if err := upsertRow(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec types.DocumentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertRow(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (types.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getRow(ctx, s.db, name)
}

func (s *SQLiteStore) Update(ctx context.Context, name string, fn func(*types.DocumentRecord) error) (types.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.DocumentRecord{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := getRow(ctx, tx, name)
	if err != nil {
		return types.DocumentRecord{}, err
	}
	next, changed, err := applyUpdate(cur, fn)
	if err != nil || !changed {
		return next, err
	}
	if err := upsertRow(ctx, tx, next); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, fmt.Errorf("committing update: %w", err)
	}
	return next, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRow(ctx context.Context, q queryRower, name string) (types.DocumentRecord, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT record FROM documents WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DocumentRecord{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return types.DocumentRecord{}, fmt.Errorf("querying %s: %w", name, err)
	}
	var rec types.DocumentRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return types.DocumentRecord{}, fmt.Errorf("decoding record %s: %w", name, err)
	}
	return rec, nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, rec types.DocumentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.Name, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (name, status, record) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET status=excluded.status, record=excluded.record`,
		rec.Name, string(rec.Status), string(data),
	)
	if err != nil {
		return fmt.Errorf("upserting %s: %w", rec.Name, err)
	}
	return nil
}

// Package sqlite persists cases and their test vectors in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"caserun/internal/domain/execution"
	"caserun/internal/ports"
)

// Store implements ports.CaseCatalog backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ ports.CaseCatalog = (*Store)(nil)

// Open creates or opens a SQLite database at dbPath and runs migrations.
// Use ":memory:" for an in-memory database.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetCase loads a case with its vectors in position order.
func (s *Store) GetCase(ctx context.Context, id int64) (execution.Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, difficulty, initial_code, created_at
		FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Case{}, execution.Errorf(execution.KindCaseNotFound, "case %d not found", id)
	}
	if err != nil {
		return execution.Case{}, fmt.Errorf("querying case: %w", err)
	}

	vectors, err := s.vectors(ctx, id)
	if err != nil {
		return execution.Case{}, err
	}
	c.Vectors = vectors
	return c, nil
}

func (s *Store) vectors(ctx context.Context, caseID int64) ([]execution.TestVector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT params, expected FROM test_vectors
		WHERE case_id = ? ORDER BY position`, caseID)
	if err != nil {
		return nil, fmt.Errorf("querying test vectors: %w", err)
	}
	defer rows.Close()

	var vectors []execution.TestVector
	for rows.Next() {
		var paramsJSON, expectedJSON string
		if err := rows.Scan(&paramsJSON, &expectedJSON); err != nil {
			return nil, fmt.Errorf("scanning test vector: %w", err)
		}
		var v execution.TestVector
		if err := decodeJSON(paramsJSON, &v.Params); err != nil {
			return nil, fmt.Errorf("decoding params of case %d: %w", caseID, err)
		}
		if err := decodeJSON(expectedJSON, &v.Expected); err != nil {
			return nil, fmt.Errorf("decoding expected of case %d: %w", caseID, err)
		}
		vectors = append(vectors, v)
	}
	return vectors, rows.Err()
}

// ListCases returns one page of cases without their vectors, newest first, and the total count.
func (s *Store) ListCases(ctx context.Context, page, limit int) ([]execution.Case, int, error) {
	page, limit = execution.NormalizePage(page, limit)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cases: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, difficulty, initial_code, created_at
		FROM cases ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cases: %w", err)
	}
	defer rows.Close()

	cases := []execution.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		cases = append(cases, c)
	}
	return cases, total, rows.Err()
}

// PutCase inserts or replaces a case together with all of its vectors.
func (s *Store) PutCase(ctx context.Context, c execution.Case) (err error) {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM test_vectors WHERE case_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clearing test vectors: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cases (id, title, description, difficulty, initial_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			difficulty = excluded.difficulty,
			initial_code = excluded.initial_code,
			created_at = excluded.created_at`,
		c.ID, c.Title, c.Description, c.Difficulty, c.InitialCode,
		c.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting case: %w", err)
	}

	for i, v := range c.Vectors {
		params := v.Params
		if params == nil {
			params = map[string]any{}
		}
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params of vector %d: %w", i, err)
		}
		expectedJSON, err := json.Marshal(v.Expected)
		if err != nil {
			return fmt.Errorf("encoding expected of vector %d: %w", i, err)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO test_vectors (case_id, position, params, expected)
			VALUES (?, ?, ?, ?)`, c.ID, i, string(paramsJSON), string(expectedJSON)); err != nil {
			return fmt.Errorf("inserting vector %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit case %d: %w", c.ID, err)
	}
	return nil
}

// decodeJSON keeps numbers as json.Number so integers beyond 2^53 survive.
func decodeJSON(data string, v any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (execution.Case, error) {
	var (
		c         execution.Case
		createdAt string
	)
	if err := row.Scan(&c.ID, &c.Title, &c.Description, &c.Difficulty, &c.InitialCode, &createdAt); err != nil {
		return execution.Case{}, err
	}
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

func parseTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

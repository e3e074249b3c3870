// Package casefile serves cases from a YAML fixture file held in memory.
package casefile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"caserun/internal/domain/execution"
	"caserun/internal/ports"
)

// Store is an in-memory case catalog.
type Store struct {
	mu    sync.RWMutex
	cases map[int64]execution.Case
}

var _ ports.CaseCatalog = (*Store)(nil)

type document struct {
	Cases []execution.Case `yaml:"cases"`
}

// New builds a store from cases. IDs must be positive and unique and every
// vector needs an expected value.
func New(cases ...execution.Case) (*Store, error) {
	s := &Store{cases: make(map[int64]execution.Case, len(cases))}
	for _, c := range cases {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, exists := s.cases[c.ID]; exists {
			return nil, fmt.Errorf("duplicate case id %d", c.ID)
		}
		s.cases[c.ID] = c
	}
	return s, nil
}

// Load reads a YAML fixture file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read case file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document of the form `cases: [...]`.
func Parse(data []byte) (*Store, error) {
	var doc document
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode case file: %w", err)
	}
	return New(doc.Cases...)
}

// GetCase returns the case with the given id.
func (s *Store) GetCase(ctx context.Context, id int64) (execution.Case, error) {
	if err := ctx.Err(); err != nil {
		return execution.Case{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[id]
	if !ok {
		return execution.Case{}, execution.Errorf(execution.KindCaseNotFound, "case %d not found", id)
	}
	return c, nil
}

// ListCases returns one page of cases, newest first, and the total count.
func (s *Store) ListCases(ctx context.Context, page, limit int) ([]execution.Case, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	page, limit = execution.NormalizePage(page, limit)

	all := s.Cases()
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	start := (page - 1) * limit
	if start >= len(all) {
		return []execution.Case{}, len(all), nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

// Cases returns every case ordered by id.
func (s *Store) Cases() []execution.Case {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]execution.Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

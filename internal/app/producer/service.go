package producer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"caserun/internal/domain/execution"
	"caserun/internal/ports"
)

// Service implements ports.RequestSource over an in-memory batch of requests.
type Service struct {
	mu       sync.Mutex
	requests []execution.Request
	index    int
}

var _ ports.RequestSource = (*Service)(nil)

// NewService builds a producer that yields requests in order.
func NewService(requests ...execution.Request) *Service {
	s := &Service{}
	for _, req := range requests {
		s.AddRequest(req)
	}
	return s
}

type batchFile struct {
	Requests []batchEntry `yaml:"requests"`
}

type batchEntry struct {
	ID         string   `yaml:"id"`
	CaseID     int64    `yaml:"case_id"`
	Language   string   `yaml:"language"`
	Source     string   `yaml:"source"`
	SourceFile string   `yaml:"source_file"`
	Args       []string `yaml:"args"`
}

// Load reads a YAML batch file. Relative source_file entries are resolved
// against the directory of path.
func Load(path string) (*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a YAML batch document.
func Parse(data []byte, baseDir string) (*Service, error) {
	var doc batchFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode batch file: %w", err)
	}

	s := &Service{}
	for i, entry := range doc.Requests {
		req, err := entry.request(baseDir)
		if err != nil {
			return nil, fmt.Errorf("batch request %d: %w", i, err)
		}
		s.AddRequest(req)
	}
	return s, nil
}

func (e batchEntry) request(baseDir string) (execution.Request, error) {
	if e.CaseID <= 0 {
		return execution.Request{}, fmt.Errorf("case_id must be positive")
	}
	if strings.TrimSpace(e.Language) == "" {
		return execution.Request{}, fmt.Errorf("language is required")
	}

	source := e.Source
	if e.SourceFile != "" {
		if source != "" {
			return execution.Request{}, fmt.Errorf("source and source_file are mutually exclusive")
		}
		path := e.SourceFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return execution.Request{}, fmt.Errorf("read source file: %w", err)
		}
		source = string(data)
	}

	return execution.Request{
		ID:       e.ID,
		CaseID:   e.CaseID,
		Language: execution.Language(strings.ToLower(strings.TrimSpace(e.Language))),
		Source:   source,
		Args:     e.Args,
	}, nil
}

// NextRequest returns the next queued request, or io.EOF once the batch is exhausted.
func (s *Service) NextRequest(ctx context.Context) (execution.Request, error) {
	select {
	case <-ctx.Done():
		return execution.Request{}, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index >= len(s.requests) {
		return execution.Request{}, io.EOF
	}

	req := s.requests[s.index]
	s.index++

	return req, nil
}

// AddRequest appends a request to the batch, assigning an ID when missing.
func (s *Service) AddRequest(req execution.Request) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
}

// Len reports how many requests the batch holds in total.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

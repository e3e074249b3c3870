package execution

import (
	"fmt"
	"time"
)

// TestVector is one input/expected-output pair of a case. Its position in Case.Vectors is its index.
type TestVector struct {
	Params   map[string]any `json:"params" yaml:"params"`
	Expected any            `json:"expected,omitempty" yaml:"expected"`
}

// Case is a coding exercise with its hidden test vectors. The engine never mutates it.
type Case struct {
	ID          int64        `json:"id" yaml:"id"`
	Title       string       `json:"title" yaml:"title"`
	Description string       `json:"description" yaml:"description"`
	Difficulty  string       `json:"difficulty,omitempty" yaml:"difficulty"`
	InitialCode string       `json:"initialCode,omitempty" yaml:"initial_code"`
	Vectors     []TestVector `json:"testVectors,omitempty" yaml:"test_vectors"`
	CreatedAt   time.Time    `json:"createdAt,omitempty" yaml:"created_at"`
}

// Validate checks that the case can be graded: a positive id and an expected
// value on every vector. A vector without one would pass on empty output.
func (c Case) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("case %q: id must be positive", c.Title)
	}
	for i, v := range c.Vectors {
		if v.Expected == nil {
			return fmt.Errorf("case %d: vector %d has no expected value", c.ID, i)
		}
	}
	return nil
}

// previewVectors is how many vectors a hidden-mode preview exposes.
const previewVectors = 3

// Preview returns a copy of the case that is safe to show to a solver:
// at most the first three vectors, without their expected values.
func (c Case) Preview() Case {
	preview := c
	n := len(c.Vectors)
	if n > previewVectors {
		n = previewVectors
	}
	preview.Vectors = make([]TestVector, n)
	for i := 0; i < n; i++ {
		preview.Vectors[i] = TestVector{Params: c.Vectors[i].Params}
	}
	return preview
}

// Request asks for a submission to be graded against a case. It is never persisted.
type Request struct {
	ID       string
	CaseID   int64
	Language Language
	Source   string
	Args     []string
}

// Input is what a single program run receives for one test vector.
type Input struct {
	Params map[string]any
	Args   []string
}

const (
	// DefaultPageLimit is the page size used when a listing request does not name one.
	DefaultPageLimit = 10
	// MaxPageLimit caps the page size of a listing.
	MaxPageLimit = 100
)

// NormalizePage clamps 1-based listing parameters to usable values.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

package ports

import (
	"context"

	"caserun/internal/domain/execution"
)

// PreparedProgram is submitted source made ready to run, once per test vector.
type PreparedProgram interface {
	Run(ctx context.Context, input execution.Input) (*execution.Outcome, error)
	// CompareCombined reports whether stderr takes part in output comparison.
	CompareCombined() bool
}

// Runner prepares submissions for execution in sandboxes.
type Runner interface {
	// Validate fails with execution.ErrUnsupportedLanguage for unknown languages.
	Validate(lang execution.Language) error
	// Prepare returns a ready program, or the outcome of a failed build step.
	Prepare(ctx context.Context, lang execution.Language, source string) (PreparedProgram, *execution.Outcome, error)
	Close() error
}

package ports

import (
	"context"

	"caserun/internal/domain/execution"
)

// CaseLookup resolves a case and its test vectors by id.
//
// Implementations return an error matching execution.ErrCaseNotFound when no such case exists.
type CaseLookup interface {
	GetCase(ctx context.Context, id int64) (execution.Case, error)
}

// CaseCatalog extends CaseLookup with paginated listing, newest first.
type CaseCatalog interface {
	CaseLookup
	ListCases(ctx context.Context, page, limit int) ([]execution.Case, int, error)
}

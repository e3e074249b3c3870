package ports

import (
	"context"

	"caserun/internal/domain/execution"
)

// RequestSource provides grading requests to a worker loop.
//
// NextRequest returns io.EOF once the source is exhausted.
type RequestSource interface {
	NextRequest(ctx context.Context) (execution.Request, error)
}

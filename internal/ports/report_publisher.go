package ports

import (
	"context"

	"caserun/internal/domain/execution"
)

// RunReportPublisher publishes grading reports to an external system.
type RunReportPublisher interface {
	PublishRunReport(ctx context.Context, report execution.RunReport) error
	Close() error
}

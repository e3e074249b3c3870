package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"caserun/internal/domain/execution"
	"caserun/internal/metrics"
	"caserun/internal/ports"
)

// DefaultConcurrency bounds how many vectors of one case run at once.
const DefaultConcurrency = 3

// Harness drives every test vector of a case through a prepared program.
type Harness struct {
	comparator  Comparator
	concurrency int
	logger      zerolog.Logger
}

// NewHarness builds a harness. A non-positive concurrency means DefaultConcurrency.
func NewHarness(comparator Comparator, concurrency int, logger zerolog.Logger) *Harness {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if comparator.Exit == "" {
		comparator.Exit = ExitIgnore
	}
	return &Harness{
		comparator:  comparator,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run evaluates every vector in its own sandbox and returns the results in vector order.
//
// Per-vector failures become failed results. An environment failure cancels
// the vectors that have not finished, which are reported as not run, and is
// returned together with the partial report.
func (h *Harness) Run(ctx context.Context, c execution.Case, lang execution.Language, program ports.PreparedProgram, args []string) (execution.Report, error) {
	start := time.Now()
	results := pendingResults(c)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for i := range c.Vectors {
		idx := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			vector := c.Vectors[idx]
			outcome, err := program.Run(gctx, execution.Input{Params: vector.Params, Args: args})
			if err != nil {
				if execution.IsEnvironment(err) {
					return err
				}
				if gctx.Err() != nil {
					return nil
				}
				results[idx] = failedResult(results[idx], err)
				return nil
			}
			results[idx] = h.grade(results[idx], outcome, program.CompareCombined())
			return nil
		})
	}

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("run vectors: %w", ctx.Err())
	}

	report := buildReport(c, lang, results, err, time.Since(start))
	for _, r := range report.Results {
		metrics.VectorResults.WithLabelValues(string(lang), string(r.Status)).Inc()
	}
	if err != nil {
		h.logger.Warn().Err(err).Int64("case", c.ID).Msg("vector evaluation aborted")
	}
	return report, err
}

func (h *Harness) grade(result execution.TestResult, outcome *execution.Outcome, combined bool) execution.TestResult {
	v := h.comparator.grade(result.Expected, outcome, combined)

	result.Output = v.observed
	result.Status = v.status
	result.Passed = v.status == execution.StatusPassed
	result.ExitCode = outcome.ExitCode
	result.TimedOut = outcome.TimedOut
	result.Stderr = string(outcome.Stderr)
	result.Duration = outcome.Duration
	result.Diagnostic = v.diagnostic
	result.Diff = v.diff
	if outcome.Truncated {
		result.Diagnostic = joinDiagnostics(result.Diagnostic, "output truncated")
	}
	return result
}

func pendingResults(c execution.Case) []execution.TestResult {
	results := make([]execution.TestResult, len(c.Vectors))
	for i, vector := range c.Vectors {
		results[i] = execution.TestResult{
			Index:    i,
			Params:   vector.Params,
			Expected: vector.Expected,
			Status:   execution.StatusNotRun,
		}
	}
	return results
}

// failAll marks every vector of c with the same failure, e.g. after a failed build.
func failAll(c execution.Case, lang execution.Language, status execution.Status, diagnostic string) execution.Report {
	results := pendingResults(c)
	for i := range results {
		results[i].Status = status
		results[i].Diagnostic = diagnostic
	}
	return buildReport(c, lang, results, nil, 0)
}

func failedResult(result execution.TestResult, err error) execution.TestResult {
	result.Status = statusOf(err)
	result.Passed = false
	result.Diagnostic = err.Error()
	return result
}

func statusOf(err error) execution.Status {
	switch execution.KindOf(err) {
	case execution.KindInjection:
		return execution.StatusInjectionError
	case execution.KindStart:
		return execution.StatusStartError
	default:
		return execution.StatusRuntimeError
	}
}

func buildReport(c execution.Case, lang execution.Language, results []execution.TestResult, err error, elapsed time.Duration) execution.Report {
	passed := err == nil
	for _, r := range results {
		if !r.Passed {
			passed = false
		}
	}
	return execution.Report{
		CaseID:   c.ID,
		Language: lang,
		Results:  results,
		Passed:   passed,
		Duration: elapsed,
	}
}

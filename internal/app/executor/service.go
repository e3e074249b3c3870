package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"caserun/internal/domain/execution"
	"caserun/internal/metrics"
	"caserun/internal/ports"
)

// Service grades submissions against cases. It is the entry point for every transport.
type Service struct {
	runner  ports.Runner
	cases   ports.CaseLookup
	harness *Harness
	logger  zerolog.Logger
}

// NewService constructs a Service with the provided dependencies.
func NewService(runner ports.Runner, cases ports.CaseLookup, harness *Harness, logger zerolog.Logger) *Service {
	if harness == nil {
		harness = NewHarness(Comparator{}, DefaultConcurrency, logger)
	}
	return &Service{
		runner:  runner,
		cases:   cases,
		harness: harness,
		logger:  logger,
	}
}

// Run grades req.
//
// Unknown languages and missing cases fail before any sandbox is created.
// Failures of individual vectors are reported in the returned Report. An
// environment failure is returned as an error matching execution.ErrEnvironment.
func (s *Service) Run(ctx context.Context, req execution.Request) (execution.Report, error) {
	start := time.Now()
	logger := s.logger.With().
		Str("request", req.ID).
		Int64("case", req.CaseID).
		Str("language", string(req.Language)).
		Logger()

	report, err := s.run(ctx, req)
	report.Duration = time.Since(start)

	outcome := "failed"
	switch {
	case err != nil:
		outcome = string(execution.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		if execution.IsEnvironment(err) {
			metrics.EnvironmentFailures.Inc()
		}
		logger.Warn().Err(err).Dur("duration", report.Duration).Msg("run aborted")
	case report.Passed:
		outcome = "passed"
	}
	metrics.Runs.WithLabelValues(string(req.Language), outcome).Inc()

	if err == nil {
		logger.Info().
			Bool("passed", report.Passed).
			Int("vectors", len(report.Results)).
			Dur("duration", report.Duration).
			Msg("run finished")
	}
	return report, err
}

func (s *Service) run(ctx context.Context, req execution.Request) (execution.Report, error) {
	empty := execution.Report{CaseID: req.CaseID, Language: req.Language}

	if err := s.runner.Validate(req.Language); err != nil {
		return empty, err
	}

	c, err := s.cases.GetCase(ctx, req.CaseID)
	if err != nil {
		return empty, err
	}

	program, build, err := s.runner.Prepare(ctx, req.Language, req.Source)
	if err != nil {
		if execution.IsEnvironment(err) || ctx.Err() != nil {
			return empty, err
		}
		return failAll(c, req.Language, statusOf(err), "build: "+err.Error()), nil
	}
	if build != nil {
		return failAll(c, req.Language, execution.StatusBuildFailed, buildDiagnostic(build)), nil
	}

	return s.harness.Run(ctx, c, req.Language, program, req.Args)
}

func buildDiagnostic(build *execution.Outcome) string {
	var head string
	switch {
	case build.TimedOut:
		head = "build timed out"
	case build.OOMKilled:
		head = "build exceeded the memory limit"
	default:
		head = fmt.Sprintf("build failed with status %d", build.ExitCode)
	}
	if output := strings.TrimSpace(string(build.RawOutput)); output != "" {
		return head + "\n" + output
	}
	return head
}

// ExecuteFromSource pulls requests from source and grades them with bounded parallelism.
//
// If maxRequests is greater than zero the execution stops after the specified
// number of requests has been processed. Otherwise it keeps consuming until the
// context is cancelled or the source signals completion via io.EOF.
//
// When onReport is provided it is invoked after every request with the
// corresponding run report. A request the source rejects as invalid counts
// toward maxRequests and is reported with its error instead of being graded.
func (s *Service) ExecuteFromSource(
	ctx context.Context,
	source ports.RequestSource,
	maxRequests int,
	maxParallel int,
	onReport func(execution.RunReport),
) error {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxParallel)
	processed := 0

	finish := func(err error) error {
		wg.Wait()
		return err
	}

	for {
		if maxRequests > 0 && processed >= maxRequests {
			return finish(nil)
		}

		req, err := source.NextRequest(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return finish(nil)
			}
			if errors.Is(err, execution.ErrInvalidRequest) {
				processed++
				s.logger.Warn().Err(err).Str("request", req.ID).Msg("skipping invalid request")
				metrics.Runs.WithLabelValues(string(req.Language), string(execution.KindInvalidRequest)).Inc()
				if onReport != nil {
					onReport(execution.RunReport{Request: req, Err: err})
				}
				continue
			}

			return finish(fmt.Errorf("get next request: %w", err))
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return finish(nil)
		}
		wg.Add(1)
		processed++
		go func(req execution.Request) {
			defer wg.Done()
			defer func() { <-sem }()

			report, err := s.Run(ctx, req)
			runReport := execution.RunReport{Request: req, Err: err}
			if err == nil {
				runReport.Report = &report
			}
			if onReport != nil {
				onReport(runReport)
			}
		}(req)
	}
}

// Close releases any resources owned by the underlying runner.
func (s *Service) Close() error {
	return s.runner.Close()
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"caserun/internal/domain/execution"
	"caserun/internal/metrics"
)

// Phase is a state of the supervised sandbox lifecycle.
type Phase string

const (
	PhaseCreated       Phase = "created"
	PhaseFilesInjected Phase = "files_injected"
	PhaseStarted       Phase = "started"
	PhaseCompleted     Phase = "completed"
	PhaseTimedOut      Phase = "timed_out"
	PhaseRuntimeError  Phase = "runtime_error"
	PhaseDestroyed     Phase = "destroyed"
)

const (
	killTimeout    = 2 * time.Second
	destroyTimeout = 5 * time.Second
	drainTimeout   = 2 * time.Second
)

// Job describes one sandboxed execution.
type Job struct {
	Language execution.Language
	// Stage labels metrics and logs, e.g. "build" or "run".
	Stage   string
	Image   string
	Command []string
	Env     []string
	Workdir string
	User    string
	Limits  execution.RunLimits
	// Payload is a tar archive extracted into Workdir before start.
	Payload []byte
	// Stdin is written to the process once it started. Nil leaves stdin closed.
	Stdin []byte
	// Collect lists files, relative to Workdir, read back after a zero exit.
	Collect []string
	Labels  map[string]string
}

// Supervisor owns the lifecycle of exactly one sandbox. It cannot be reused.
type Supervisor struct {
	rt     ContainerRuntime
	job    Job
	logger zerolog.Logger

	used   atomic.Bool
	mu     sync.Mutex
	phases []Phase
}

// NewSupervisor prepares a supervisor for job.
func NewSupervisor(rt ContainerRuntime, job Job, logger zerolog.Logger) *Supervisor {
	if job.Stage == "" {
		job.Stage = "run"
	}
	return &Supervisor{
		rt:     rt,
		job:    job,
		logger: logger,
	}
}

// Phases returns the states the sandbox went through so far.
func (s *Supervisor) Phases() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Phase(nil), s.phases...)
}

func (s *Supervisor) enter(phase Phase) {
	s.mu.Lock()
	s.phases = append(s.phases, phase)
	s.mu.Unlock()
	s.logger.Debug().Str("phase", string(phase)).Msg("sandbox transition")
}

// Run executes the job and always destroys the sandbox before returning.
//
// A deadline expiry is not an error: the outcome reports TimedOut. Failures
// before the process started are InjectionError or StartError, failures while
// awaiting it are RuntimeError, and an unusable container engine is an
// environment error.
func (s *Supervisor) Run(ctx context.Context) (*execution.Outcome, error) {
	if !s.used.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("supervisor: sandbox already run")
	}

	runCtx := ctx
	if limit := s.job.Limits.TimeLimit; limit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	start := time.Now()
	state := PhaseRuntimeError
	defer func() {
		lang := string(s.job.Language)
		metrics.SandboxRuns.WithLabelValues(lang, s.job.Stage, string(state)).Inc()
		metrics.SandboxDuration.WithLabelValues(lang, s.job.Stage).Observe(float64(time.Since(start).Milliseconds()))
	}()

	runID := uuid.NewString()
	spec := SandboxSpec{
		Name:    "caserun-" + runID,
		Image:   s.job.Image,
		Command: s.job.Command,
		Env:     s.job.Env,
		Workdir: s.job.Workdir,
		User:    s.job.User,
		Limits:  s.job.Limits,
		Stdin:   s.job.Stdin != nil,
		Labels:  s.labels(runID),
	}

	id, err := s.rt.Create(runCtx, spec)
	if err != nil {
		// The engine may have created the container before the call failed.
		s.destroy(spec.Name)
		s.enter(PhaseDestroyed)
		if s.deadlineHit(ctx, runCtx) {
			state = PhaseTimedOut
			return s.timedOut(nil, start), nil
		}
		return nil, failure(ctx, execution.KindStart, "create sandbox", err)
	}
	s.enter(PhaseCreated)
	metrics.SandboxesActive.Inc()

	var att Attachment
	running := false
	defer func() {
		if att != nil {
			_ = att.Close()
		}
		if running {
			s.kill(id)
		}
		s.destroy(id)
		metrics.SandboxesActive.Dec()
		s.enter(PhaseDestroyed)
	}()

	if len(s.job.Payload) > 0 {
		if err := s.rt.InjectFile(runCtx, id, s.job.Workdir, s.job.Payload); err != nil {
			if s.deadlineHit(ctx, runCtx) {
				state = PhaseTimedOut
				s.enter(PhaseTimedOut)
				return s.timedOut(nil, start), nil
			}
			return nil, failure(ctx, execution.KindInjection, "inject files", err)
		}
	}
	s.enter(PhaseFilesInjected)

	att, err = s.rt.AttachOutput(runCtx, id, s.job.Stdin != nil)
	if err != nil {
		if s.deadlineHit(ctx, runCtx) {
			state = PhaseTimedOut
			s.enter(PhaseTimedOut)
			return s.timedOut(nil, start), nil
		}
		return nil, failure(ctx, execution.KindStart, "attach sandbox", err)
	}

	collector := newOutputCollector(s.job.Limits.MaxOutputBytes)
	done := make(chan struct{})
	go func() {
		defer close(done)
		collector.drain(att)
	}()

	if err := s.rt.Start(runCtx, id); err != nil {
		if s.deadlineHit(ctx, runCtx) {
			running = true
			state = PhaseTimedOut
			s.enter(PhaseTimedOut)
			return s.timedOut(collector, start), nil
		}
		return nil, failure(ctx, execution.KindStart, "start sandbox", err)
	}
	running = true
	s.enter(PhaseStarted)

	if s.job.Stdin != nil {
		go func(a Attachment, data []byte) {
			if err := a.SendInput(data); err != nil {
				s.logger.Debug().Err(err).Msg("write sandbox stdin")
			}
		}(att, s.job.Stdin)
	}

	exitCode, err := s.rt.AwaitCompletion(runCtx, id)
	if err == nil {
		select {
		case <-done:
		case <-runCtx.Done():
			err = runCtx.Err()
		}
	}
	if err != nil {
		if s.deadlineHit(ctx, runCtx) {
			state = PhaseTimedOut
			s.enter(PhaseTimedOut)
			s.kill(id)
			running = false
			_ = att.Close()
			waitDrained(done)
			return s.timedOut(collector, start), nil
		}
		s.enter(PhaseRuntimeError)
		return nil, failure(ctx, execution.KindRuntime, "await sandbox", err)
	}
	running = false

	if readErr := collector.err(); readErr != nil {
		s.enter(PhaseRuntimeError)
		return nil, failure(ctx, execution.KindRuntime, "read sandbox output", readErr)
	}

	outcome := collector.outcome()
	outcome.ExitCode = exitCode

	if st, err := s.rt.Inspect(runCtx, id); err != nil {
		if execution.IsEnvironment(err) {
			s.enter(PhaseRuntimeError)
			return nil, err
		}
		s.logger.Warn().Err(err).Str("container", id).Msg("inspect sandbox")
	} else {
		outcome.OOMKilled = st.OOMKilled
	}

	if exitCode == 0 && len(s.job.Collect) > 0 {
		outcome.Artifacts = make(map[string][]byte, len(s.job.Collect))
		for _, name := range s.job.Collect {
			data, err := s.rt.ExtractFile(runCtx, id, joinPath(s.job.Workdir, name))
			if err != nil {
				s.enter(PhaseRuntimeError)
				return nil, failure(ctx, execution.KindRuntime, "collect "+name, err)
			}
			outcome.Artifacts[name] = data
		}
	}

	outcome.Duration = time.Since(start)
	state = PhaseCompleted
	s.enter(PhaseCompleted)
	return outcome, nil
}

func (s *Supervisor) labels(runID string) map[string]string {
	labels := make(map[string]string, len(s.job.Labels)+3)
	for k, v := range s.job.Labels {
		labels[k] = v
	}
	labels[LabelManaged] = "true"
	labels[LabelRun] = runID
	if s.job.Language != "" {
		labels[LabelLanguage] = string(s.job.Language)
	}
	return labels
}

// deadlineHit reports whether the run deadline, and not the caller, ended runCtx.
func (s *Supervisor) deadlineHit(parent, runCtx context.Context) bool {
	return s.job.Limits.TimeLimit > 0 &&
		errors.Is(runCtx.Err(), context.DeadlineExceeded) &&
		parent.Err() == nil
}

func (s *Supervisor) timedOut(collector *outputCollector, start time.Time) *execution.Outcome {
	outcome := &execution.Outcome{}
	if collector != nil {
		outcome = collector.outcome()
	}
	outcome.ExitCode = -1
	outcome.TimedOut = true
	outcome.Duration = time.Since(start)
	return outcome
}

func (s *Supervisor) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := s.rt.Kill(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("container", id).Msg("kill sandbox")
	}
}

func (s *Supervisor) destroy(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := s.rt.Destroy(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("container", id).Msg("destroy sandbox")
	}
}

func waitDrained(done <-chan struct{}) {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}

// failure tags err with kind unless the engine already reported it as an
// environment failure. A cancelled caller gets its context error back.
func failure(ctx context.Context, kind execution.Kind, op string, err error) error {
	if execution.IsEnvironment(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return execution.Wrap(kind, op, err)
}

type outputCollector struct {
	limit int64

	mu        sync.Mutex
	raw       []byte
	stdout    []byte
	stderr    []byte
	truncated bool
	readErr   error
}

func newOutputCollector(limit int64) *outputCollector {
	return &outputCollector{limit: limit}
}

func (c *outputCollector) drain(att Attachment) {
	for {
		chunk, err := att.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
			}
			return
		}
		c.add(chunk)
	}
}

func (c *outputCollector) add(chunk execution.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := chunk.Data
	if c.limit > 0 {
		room := c.limit - int64(len(c.raw))
		if room <= 0 {
			c.truncated = c.truncated || len(data) > 0
			return
		}
		if int64(len(data)) > room {
			data = data[:room]
			c.truncated = true
		}
	}

	c.raw = append(c.raw, data...)
	switch chunk.Stream {
	case execution.StreamStderr:
		c.stderr = append(c.stderr, data...)
	default:
		c.stdout = append(c.stdout, data...)
	}
}

func (c *outputCollector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *outputCollector) outcome() *execution.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &execution.Outcome{
		RawOutput: append([]byte(nil), c.raw...),
		Stdout:    append([]byte(nil), c.stdout...),
		Stderr:    append([]byte(nil), c.stderr...),
		Truncated: c.truncated,
	}
}

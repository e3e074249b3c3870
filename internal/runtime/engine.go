package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"caserun/internal/domain/execution"
	"caserun/internal/ports"
)

// Config tunes how the Engine runs sandboxes.
type Config struct {
	// DefaultLimits apply to every test vector run.
	DefaultLimits execution.RunLimits
	// BuildTimeLimit bounds a compile step. Zero means DefaultLimits.TimeLimit.
	BuildTimeLimit time.Duration
	// MaxSandboxes bounds how many sandboxes exist at once across all requests.
	MaxSandboxes int64
	Workdir      string
	User         string
	// PullImages pulls missing images before the first use of a profile.
	PullImages bool
}

const (
	defaultWorkdir      = "/workspace"
	defaultMaxSandboxes = 8
	defaultTimeLimit    = 5 * time.Second
)

// Engine implements ports.Runner on a shared container runtime.
// The sandbox gate is the only state it keeps between calls.
type Engine struct {
	rt       ContainerRuntime
	registry *Registry
	cfg      Config
	gate     *semaphore.Weighted
	logger   zerolog.Logger

	imagesMu sync.Mutex
	images   map[string]struct{}
}

var _ ports.Runner = (*Engine)(nil)

// NewEngine wires a runtime and a registry together.
func NewEngine(rt ContainerRuntime, registry *Registry, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if rt == nil {
		return nil, fmt.Errorf("runtime engine: container runtime is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("runtime engine: language registry is required")
	}
	if cfg.Workdir == "" {
		cfg.Workdir = defaultWorkdir
	}
	if cfg.MaxSandboxes <= 0 {
		cfg.MaxSandboxes = defaultMaxSandboxes
	}
	cfg.DefaultLimits = cfg.DefaultLimits.Normalize()
	if cfg.DefaultLimits.TimeLimit == 0 {
		cfg.DefaultLimits.TimeLimit = defaultTimeLimit
	}
	if cfg.BuildTimeLimit <= 0 {
		cfg.BuildTimeLimit = cfg.DefaultLimits.TimeLimit
	}

	return &Engine{
		rt:       rt,
		registry: registry,
		cfg:      cfg,
		gate:     semaphore.NewWeighted(cfg.MaxSandboxes),
		logger:   logger,
		images:   make(map[string]struct{}),
	}, nil
}

// Profiles lists the language table.
func (e *Engine) Profiles() []Profile {
	return e.registry.Profiles()
}

// Validate reports whether lang has a profile.
func (e *Engine) Validate(lang execution.Language) error {
	_, err := e.registry.Lookup(lang)
	return err
}

// Limits returns the limits applied to each test vector run of profile.
func (e *Engine) Limits(profile Profile) execution.RunLimits {
	return e.cfg.DefaultLimits.Merge(profile.Limits)
}

// Prepare readies source for repeated runs.
//
// For profiles with a build step the source is compiled once; a failed build
// returns its outcome and a nil Program. Environment failures match
// execution.ErrEnvironment.
func (e *Engine) Prepare(ctx context.Context, lang execution.Language, source string) (ports.PreparedProgram, *execution.Outcome, error) {
	profile, err := e.registry.Lookup(lang)
	if err != nil {
		return nil, nil, err
	}

	if err := e.ensureImages(ctx, profile); err != nil {
		return nil, nil, err
	}

	program := &Program{engine: e, profile: profile}

	if profile.Build == nil {
		program.files = []File{{Name: profile.SourceFile, Mode: 0o644, Data: []byte(source)}}
		return program, nil, nil
	}

	payload, err := PackageSource(profile.SourceFile, source)
	if err != nil {
		return nil, nil, execution.Wrap(execution.KindInjection, "package source", err)
	}

	limits := e.Limits(profile)
	limits.TimeLimit = e.cfg.BuildTimeLimit

	outcome, err := e.supervise(ctx, Job{
		Language: profile.Language,
		Stage:    "build",
		Image:    profile.Image,
		Command:  profile.Build.Command,
		Workdir:  e.cfg.Workdir,
		User:     e.cfg.User,
		Limits:   limits,
		Payload:  payload,
		Collect:  []string{profile.Build.Artifact},
	})
	if err != nil {
		return nil, nil, err
	}
	if outcome.TimedOut || outcome.OOMKilled || outcome.ExitCode != 0 {
		return nil, outcome, nil
	}

	artifact, ok := outcome.Artifacts[profile.Build.Artifact]
	if !ok {
		return nil, nil, execution.Errorf(execution.KindRuntime, "build artifact %s missing", profile.Build.Artifact)
	}

	program.files = []File{{Name: profile.Build.Artifact, Mode: profile.Build.ArtifactMode, Data: artifact}}
	return program, nil, nil
}

// Ping checks that the container engine answers.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.rt.Ping(ctx); err != nil {
		return environmentError("ping container engine", err)
	}
	return nil
}

// Residual lists engine-managed sandboxes that still exist.
func (e *Engine) Residual(ctx context.Context) ([]string, error) {
	return e.rt.List(ctx)
}

// Close releases the container runtime.
func (e *Engine) Close() error {
	return e.rt.Close()
}

func (e *Engine) supervise(ctx context.Context, job Job) (*execution.Outcome, error) {
	if err := e.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire sandbox slot: %w", err)
	}
	defer e.gate.Release(1)

	logger := e.logger.With().
		Str("language", string(job.Language)).
		Str("stage", job.Stage).
		Logger()
	return NewSupervisor(e.rt, job, logger).Run(ctx)
}

func (e *Engine) ensureImages(ctx context.Context, profile Profile) error {
	if !e.cfg.PullImages {
		return nil
	}
	refs := []string{profile.Image}
	if run := profile.runImage(); run != profile.Image {
		refs = append(refs, run)
	}
	for _, ref := range refs {
		if err := e.ensureImage(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// ensureImage remembers successful pulls only, so a transient failure is retried on the next request.
func (e *Engine) ensureImage(ctx context.Context, ref string) error {
	e.imagesMu.Lock()
	_, ok := e.images[ref]
	e.imagesMu.Unlock()
	if ok {
		return nil
	}

	if err := e.rt.EnsureImage(ctx, ref); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ensure image %s: %w", ref, ctx.Err())
		}
		return environmentError("ensure image "+ref, err)
	}

	e.imagesMu.Lock()
	e.images[ref] = struct{}{}
	e.imagesMu.Unlock()
	return nil
}

func environmentError(op string, err error) error {
	if execution.IsEnvironment(err) {
		return err
	}
	return execution.Wrap(execution.KindEnvironment, op, err)
}

// Program is prepared source that can be run once per test vector, each run in a fresh sandbox.
type Program struct {
	engine  *Engine
	profile Profile
	files   []File
}

func (p *Program) CompareCombined() bool {
	return p.profile.CompareCombined
}

// Run executes the program in a new sandbox with the given input.
func (p *Program) Run(ctx context.Context, in execution.Input) (*execution.Outcome, error) {
	if p == nil {
		return nil, errors.New("runtime engine: program not prepared")
	}

	workdir := p.engine.cfg.Workdir
	inv, err := Invoke(p.profile.Input, workdir, in.Params, in.Args)
	if err != nil {
		return nil, execution.Wrap(execution.KindInjection, "render input", err)
	}

	files := append(append([]File(nil), p.files...), inv.Files...)
	payload, err := Package(files...)
	if err != nil {
		return nil, execution.Wrap(execution.KindInjection, "package payload", err)
	}

	command := append(p.profile.Entrypoint(), inv.Args...)

	return p.engine.supervise(ctx, Job{
		Language: p.profile.Language,
		Stage:    "run",
		Image:    p.profile.runImage(),
		Command:  command,
		Env:      inv.Env,
		Workdir:  workdir,
		User:     p.engine.cfg.User,
		Limits:   p.engine.Limits(p.profile),
		Payload:  payload,
		Stdin:    inv.Stdin,
	})
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"caserun/internal/app/executor"
	"caserun/internal/config"
	"caserun/internal/infra/casefile"
	"caserun/internal/infra/sqlite"
	"caserun/internal/ports"
	"caserun/internal/runtime"
	"caserun/internal/runtime/docker"
)

// application holds the wired grading stack shared by every subcommand.
type application struct {
	engine  *runtime.Engine
	cases   ports.CaseCatalog
	service *executor.Service
	closers []func() error
}

func newApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	app := &application{}

	cases, closeCases, err := openCatalog(cfg.Cases)
	if err != nil {
		return nil, err
	}
	app.cases = cases
	if closeCases != nil {
		app.closers = append(app.closers, closeCases)
	}

	profiles, err := cfg.Profiles()
	if err != nil {
		app.Close()
		return nil, err
	}
	registry, err := runtime.NewRegistry(profiles...)
	if err != nil {
		app.Close()
		return nil, err
	}

	rt, err := docker.New(cfg.DockerRuntimeConfig())
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("initialize docker runtime: %w", err)
	}

	engine, err := runtime.NewEngine(rt, registry, cfg.RuntimeConfig(), logger)
	if err != nil {
		rt.Close()
		app.Close()
		return nil, err
	}
	app.engine = engine
	app.closers = append(app.closers, engine.Close)

	comparator, err := cfg.Comparator()
	if err != nil {
		app.Close()
		return nil, err
	}
	harness := executor.NewHarness(comparator, cfg.Engine.Concurrency, logger)
	app.service = executor.NewService(engine, cases, harness, logger)

	if residual, err := engine.Residual(ctx); err == nil && len(residual) > 0 {
		logger.Warn().Strs("containers", residual).Msg("sandboxes left over from a previous process")
	}

	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openCatalog(cfg config.CasesConfig) (ports.CaseCatalog, func() error, error) {
	switch cfg.Driver {
	case "file":
		store, err := casefile.Load(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open case file: %w", err)
		}
		return store, nil, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open case database: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cases driver %q", cfg.Driver)
	}
}

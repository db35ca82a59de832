package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/internal/executors"
	"github.com/rendis/conveyor/internal/logging"
	"github.com/rendis/conveyor/internal/metrics"
	"github.com/rendis/conveyor/internal/registry"
	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/internal/service"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/internal/trigger"
	"github.com/rendis/conveyor/internal/validation"
)

// app is the wired dependency graph shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	agent     *executors.MCPDispatcher
	metrics   *metrics.Metrics
	validator *validation.PipelineValidator
	svc       *service.Service
}

type appOptions struct {
	triggers bool
	logOut   io.Writer
}

// newApp opens the store and wires registry, engine, triggers and service.
// Close releases everything newApp acquired.
func newApp(ctx context.Context, cfg Config, opts appOptions) (_ *app, err error) {
	if opts.logOut == nil {
		opts.logOut = os.Stderr
	}
	a := &app{
		cfg:     cfg,
		logger:  logging.NewLogger(opts.logOut, cfg.LogLevel, cfg.LogFormat),
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			_ = a.closeResources()
		}
	}()

	if !strings.HasPrefix(cfg.DBPath, "file:") && !strings.Contains(cfg.DBPath, "://") {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	a.store, err = store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	sb := sandbox.New(sandbox.WithCacheSize(cfg.ExprCacheSize))
	a.validator, err = validation.NewPipelineValidator(sb)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	reg := registry.New(a.store, a.validator, registry.WithLogger(a.logger))

	builtin := executors.BuiltinConfig{Sandbox: sb}
	if cfg.Agent.Command != "" {
		a.agent = executors.NewMCPDispatcher(executors.MCPDispatcherConfig{
			Command:     cfg.Agent.Command,
			Args:        cfg.Agent.Args,
			Env:         os.Environ(),
			DefaultTool: cfg.Agent.DefaultTool,
			ClientName:  "conveyor",
			Version:     version,
		})
		builtin.Dispatcher = a.agent
	}
	execs, err := executors.NewBuiltinRegistry(builtin)
	if err != nil {
		return nil, fmt.Errorf("create executors: %w", err)
	}

	ctrl, err := engine.New(engine.Config{
		Store:     a.store,
		Pipelines: reg,
		Executors: execs,
		Sandbox:   sb,
		Logger:    a.logger,
		Metrics:   a.metrics,
		PoolSize:  cfg.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	deps := service.Deps{Registry: reg, Engine: ctrl, Logger: a.logger}
	if opts.triggers {
		loc, err := cfg.location()
		if err != nil {
			return nil, err
		}
		deps.Triggers, err = trigger.NewDispatcher(trigger.Config{
			Runner:   ctrl,
			Logger:   a.logger,
			Metrics:  a.metrics,
			Location: loc,
		})
		if err != nil {
			return nil, fmt.Errorf("create trigger dispatcher: %w", err)
		}
	}

	a.svc, err = service.New(deps)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close drains the service before closing the agent connection and store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close(ctx))
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *app) closeResources() error {
	var errs []error
	if a.agent != nil {
		errs = append(errs, a.agent.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

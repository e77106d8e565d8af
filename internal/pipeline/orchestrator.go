package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived component that runs until its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

type task struct {
	name   string
	runner Runner
}

// Orchestrator runs the ledger's background components together. Which
// components are present depends on the run mode.
type Orchestrator struct {
	tasks  []task
	logger *slog.Logger
}

// NewOrchestrator creates an empty Orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger.With(slog.String("component", "orchestrator"))}
}

// Add registers a component under name. Nil runners are ignored.
func (o *Orchestrator) Add(name string, r Runner) *Orchestrator {
	if r != nil {
		o.tasks = append(o.tasks, task{name: name, runner: r})
	}
	return o
}

// Len returns the number of registered components.
func (o *Orchestrator) Len() int { return len(o.tasks) }

// Run starts every component in an errgroup. A component that fails while
// ctx is still live cancels the others and its error is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	names := make([]string, 0, len(o.tasks))
	for _, t := range o.tasks {
		names = append(names, t.name)
	}
	o.logger.InfoContext(ctx, "orchestrator starting", slog.Any("components", names))

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range o.tasks {
		g.Go(func() error {
			err := t.runner.Run(gctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			if err == nil {
				o.logger.InfoContext(gctx, "component finished", slog.String("name", t.name))
				return nil
			}
			return fmt.Errorf("%s: %w", t.name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.InfoContext(ctx, "orchestrator stopped cleanly")
	return nil
}

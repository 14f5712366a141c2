package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

/*
 * A pipeline runs named steps over a shared cargo value, stopping at the
 * first failure. It keeps the admission logic of a request out of the
 * handler that receives it.
 */

// simple, testable function that inspects or fills in the cargo.
type StepFunc[C any] func(ctx context.Context, cargo *C) error

// represents one step in an execution pipeline
type Step[C any] struct {
	Name     string
	Function StepFunc[C]
	// Commit marks a step with side effects that must be followed through.
	// Once it succeeds, cancellation no longer stops the remaining steps.
	Commit bool
}

type Pipeline[C any] struct {
	steps  []Step[C]
	logger *slog.Logger
}

func New[C any](logger *slog.Logger, steps ...Step[C]) *Pipeline[C] {
	return &Pipeline[C]{steps: steps, logger: logger}
}

// Run executes the steps in order. The returned error wraps the failing
// step's error, so errors.Is/As still see the original. The context is
// checked before each step until a Commit step has succeeded.
func (p *Pipeline[C]) Run(ctx context.Context, cargo *C) error {
	committed := false
	for _, step := range p.steps {
		if !committed {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		p.logger.Debug("Executing step", slog.String("step", step.Name))
		if err := step.Function(ctx, cargo); err != nil {
			p.logger.Debug("Step failed, halting pipeline", slog.String("step", step.Name), slog.Any("error", err))
			return fmt.Errorf("%s: %w", step.Name, err)
		}
		committed = committed || step.Commit
	}
	return nil
}

func (p *Pipeline[C]) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

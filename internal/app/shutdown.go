package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/C4ne/merge2users/internal/logging"
)

// teardown collects what Init opened for one command: telemetry providers,
// the database handle and the lock backend. Steps run newest first.
type teardown struct {
	steps []teardownStep
}

type teardownStep struct {
	component string
	release   func(context.Context) error
}

func (t *teardown) add(component string, release func(context.Context) error) {
	t.steps = append(t.steps, teardownStep{component: component, release: release})
}

// run releases every component even when an earlier one fails, so the
// database is still closed if a telemetry flush times out.
func (t *teardown) run(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(t.steps) - 1; i >= 0; i-- {
		step := t.steps[i]
		if err := step.release(ctx); err != nil {
			if logger != nil {
				logger.Warn("failed to release "+step.component, slog.String("error", err.Error()))
			}
			errs = append(errs, fmt.Errorf("%s: %w", step.component, err))
			continue
		}
		if logger != nil {
			logger.Debug("released " + step.component)
		}
	}
	return errors.Join(errs...)
}

// Shutdown ends the command. Merge locks are already released by each run;
// what remains is flushing traces, metrics and logs and closing connections.
// Only the first call does any work, and its release errors are returned.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		steps := a.teardown
		a.merger = nil
		a.stateMu.Unlock()

		err = steps.run(ctx, a.logger)
	})
	return err
}

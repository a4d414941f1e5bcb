package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/C4ne/merge2users/internal/merge"
)

func (a *App) currentMerger() (*merge.Merger, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if !a.initialized || a.merger == nil {
		return nil, fmt.Errorf("app is not initialized")
	}
	return a.merger, nil
}

// Merge runs one merge. A configured merge.dry_run forces a dry run. When a
// metrics textfile is configured, it is written after the run whatever the
// outcome.
func (a *App) Merge(ctx context.Context, req merge.Request) (*merge.Report, error) {
	merger, err := a.currentMerger()
	if err != nil {
		return nil, err
	}
	if a.cfg.Merge.DryRun {
		req.DryRun = true
	}

	logger := a.logger.WithFields(slog.Int64("base_id", req.BaseID), slog.Int64("merge_id", req.MergeID))
	logger.Info("starting merge", slog.Bool("dry_run", req.DryRun), slog.String("actor", req.Actor))

	report, runErr := merger.Run(ctx, req)

	if path := a.cfg.Observability.MetricsTextfile; path != "" && a.meterProvider != nil {
		if err := a.meterProvider.WriteTextfile(path); err != nil {
			logger.Warn("failed to write metrics textfile",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
	return report, runErr
}

// Inspect reports how a run would treat the named tables, or every table when
// none are named.
func (a *App) Inspect(ctx context.Context, tables []string) ([]merge.TableInspection, error) {
	merger, err := a.currentMerger()
	if err != nil {
		return nil, err
	}
	return merger.Inspect(ctx, tables)
}

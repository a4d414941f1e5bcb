package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/C4ne/merge2users/internal/app"
	"github.com/C4ne/merge2users/internal/merge"
)

// errNotConfirmed is returned when the operator has not acknowledged the merge.
var errNotConfirmed = errors.New("refusing to merge: pass --confirm-users and --confirm-settings after checking both accounts and the configuration")

type mergeFlags struct {
	baseUser        int64
	mergeUser       int64
	confirmUsers    bool
	confirmSettings bool
	run             bool
	actor           string
	reportFile      string
	verbose         bool
}

func newMergeCmd() *cobra.Command {
	var f mergeFlags
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge the merge user into the base user",
		Long: `Merge repoints every reference to --merge-user onto --base-user.

Without --run the merge executes inside a transaction that is rolled back, so
the report shows what would change. The lock serializes concurrent runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !f.confirmUsers || !f.confirmSettings {
				return errNotConfirmed
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			a, err := startApp(cmd, app.WithOutput(cmd.OutOrStdout()), app.WithVerbose(f.verbose))
			if err != nil {
				return err
			}
			defer shutdownApp(a)

			report, runErr := a.Merge(ctx, merge.Request{
				BaseID:  f.baseUser,
				MergeID: f.mergeUser,
				DryRun:  !f.run,
				Actor:   f.actor,
			})
			if f.reportFile != "" && report != nil {
				if err := writeReport(f.reportFile, report); err != nil {
					return errors.Join(runErr, err)
				}
			}
			return runErr
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&f.baseUser, "base-user", 0, "Id of the user that is kept")
	flags.Int64Var(&f.mergeUser, "merge-user", 0, "Id of the user whose references move to the base user")
	flags.BoolVar(&f.confirmUsers, "confirm-users", false, "Confirm that both user ids are correct")
	flags.BoolVar(&f.confirmSettings, "confirm-settings", false, "Confirm that the merge configuration was reviewed")
	flags.BoolVar(&f.run, "run", false, "Commit the merge instead of rolling it back")
	flags.StringVar(&f.actor, "actor", "", "Name of the operator, used for the actor lock scope and the report")
	flags.StringVar(&f.reportFile, "report-file", "", "Write the run report to this path (YAML, or JSON for .json)")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "Also print tables without changes")
	_ = cmd.MarkFlagRequired("base-user")
	_ = cmd.MarkFlagRequired("merge-user")
	return cmd
}

func writeReport(path string, report *merge.Report) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(report, "", "  ")
	} else {
		data, err = yaml.Marshal(report)
	}
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

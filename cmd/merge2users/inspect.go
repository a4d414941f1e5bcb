package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/C4ne/merge2users/internal/app"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [TABLE...]",
		Short: "Show reference columns and conflicting constraints",
		Long: `Inspect prints, per table, the tier that merges it, the reference columns a
merge rewrites and the unique constraints that can make rows collide. It reads
schema metadata only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp(cmd, app.WithOutput(nil))
			if err != nil {
				return err
			}
			defer shutdownApp(a)

			tables, err := a.Inspect(cmd.Context(), args)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(tables); err != nil {
				return fmt.Errorf("failed to encode inspection: %w", err)
			}
			return enc.Close()
		},
	}
}

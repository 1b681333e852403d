// Package cli implements the sproutplan command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "sproutplan.json"

// NewRootCmd creates the root cobra command for sproutplan.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "sproutplan",
		Short: "Production planner for microgreens deliveries",
		Long: "sproutplan schedules seeding and stage transfers backward from delivery dates, " +
			"keeps subscription occurrences in step with edits and serves weekly schedules over HTTP.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newExpandCmd())
	root.AddCommand(newScheduleCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newConfigCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

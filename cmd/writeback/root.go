package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds the global flags
type RootOptions struct {
	ConfigPath string
	Output     string
}

// ValidOutputs the allowed --output values
var ValidOutputs = []string{OutputYAML, OutputJSON}

// NewRootCommand creates the writeback command tree
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "writeback",
		Short:         "Write local agreement modifications back to the system of record",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidOutputs, opts.Output) {
				return fmt.Errorf("invalid output %q: must be one of %v", opts.Output, ValidOutputs)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", OutputYAML, "output format (yaml|json)")

	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewRequeueCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

package main

import (
	"github.com/spf13/cobra"
)

type recoverResult struct {
	Recovered int `json:"recovered" yaml:"recovered"`
}

// NewRecoverCommand creates the recover command
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Return abandoned processing items to the queue once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, withSinks)
			if err != nil {
				return err
			}
			defer a.Close()

			w, err := a.worker()
			if err != nil {
				return err
			}

			n, err := w.RecoverStale(cmd.Context())
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), rootOpts.Output, recoverResult{Recovered: n})
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Set at build time:
	// go install -ldflags "-X main.Sha=$(git rev-parse HEAD) -X main.Build=42" ./cmd/writeback

	// Sha the commit sha
	Sha string
	// Build the build number
	Build string
)

// Version returns the sha and build, "dev" when unset
func Version() (string, string) {
	sha, build := Sha, Build
	if sha == "" {
		sha = "dev"
	}
	if build == "" {
		build = "dev"
	}
	return sha, build
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sha, build := Version()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "writeback %s (build %s)\n", sha, build)
			return err
		},
	}
}

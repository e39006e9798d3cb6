package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/spf13/cobra"
)

const (
	ECode0C0110 = e.Code0C01 + "10"
	ECode0C0111 = e.Code0C01 + "11"
)

type ingestResult struct {
	TargetID string `json:"targetId" yaml:"targetId"`
	Version  int64  `json:"version" yaml:"version"`
	Changed  bool   `json:"changed" yaml:"changed"`
}

// NewIngestCommand creates the ingest command
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Load remote record versions into the mirror",
		Long: `Load remote record versions into the mirror.

The input is a json array of
{"targetId", "organizationId", "version", "data", "deleted"} objects.
Versions at or below the mirrored one are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rvList, err := readRemoteVersions(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), rootOpts, withoutSinks)
			if err != nil {
				return err
			}
			defer a.Close()

			results := make([]ingestResult, 0, len(rvList))
			for _, rv := range rvList {
				changed, err := writeback.IngestRemoteVersion(cmd.Context(), a.store, rv, time.Now())
				if err != nil {
					return err
				}
				results = append(results, ingestResult{TargetID: rv.TargetID, Version: rv.Version, Changed: changed})
			}

			return printResult(cmd.OutOrStdout(), rootOpts.Output, results)
		},
	}
}

func readRemoteVersions(stdin io.Reader, path string) (rvList []writeback.RemoteVersion, err error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, e.W(err, ECode0C0110, path)
		}
		defer f.Close()
		r = f
	}

	if err := json.NewDecoder(r).Decode(&rvList); err != nil {
		return nil, e.W(err, ECode0C0111)
	}

	return rvList, nil
}

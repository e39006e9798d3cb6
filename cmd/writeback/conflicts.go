package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/spf13/cobra"
)

const (
	ECode0C010F = e.Code0C01 + "0F"
)

// NewConflictsCommand creates the conflicts command group
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve sync conflicts",
	}

	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))

	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list <organization-id>",
		Short: "List the conflicts of an organization, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, withoutSinks)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.queue().ListConflicts(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			if list == nil {
				list = []*model.SyncConflict{}
			}

			return printResult(cmd.OutOrStdout(), rootOpts.Output, list)
		},
	}

	cmd.Flags().StringVar(&status, "status", model.ConflictStatusUnresolved, "unresolved, resolved_manual or empty for all")

	return cmd
}

type resolveOptions struct {
	Strategy   string
	ResolvedBy string
	Choices    []string
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &resolveOptions{}

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict",
		Long: `Resolve a conflict.

use_local writes the local changes again on top of the remote version,
use_remote discards them. merge takes one --choice per conflicting field:

  --choice field=local          keep the local value
  --choice field=remote         keep the remote value
  --choice field=custom:<json>  write the given value`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.resolution()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), rootOpts, withSinks)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := writeback.NewResolver(a.store, a.emitter, nil).
				ResolveConflict(cmd.Context(), args[0], r)
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), rootOpts.Output, applied)
		},
	}

	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "use_local, use_remote or merge")
	cmd.Flags().StringVar(&opts.ResolvedBy, "by", "", "who resolves the conflict")
	cmd.Flags().StringArrayVar(&opts.Choices, "choice", nil, "merge choice, field=local|remote|custom:<json>")
	_ = cmd.MarkFlagRequired("strategy")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}

func (o *resolveOptions) resolution() (r writeback.Resolution, err error) {
	r = writeback.Resolution{
		Strategy:   o.Strategy,
		ResolvedBy: o.ResolvedBy,
	}

	if len(o.Choices) > 0 {
		if o.Strategy != model.ResolutionMerge {
			return r, e.N(ECode0C010F, "--choice is only valid with the merge strategy")
		}
		if r.Choices, err = parseChoices(o.Choices); err != nil {
			return r, err
		}
	}

	return r, nil
}

// parseChoices parses field=local, field=remote and field=custom:<json>
func parseChoices(list []string) (map[string]writeback.Choice, error) {
	choices := make(map[string]writeback.Choice, len(list))

	for _, s := range list {
		field, src, ok := strings.Cut(s, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, e.N(ECode0C010F, fmt.Sprintf("invalid choice '%s'", s))
		}
		if _, dup := choices[field]; dup {
			return nil, e.N(ECode0C010F, fmt.Sprintf("field '%s' chosen twice", field))
		}

		var c writeback.Choice
		switch {
		case src == writeback.ChoiceLocal, src == writeback.ChoiceRemote:
			c.Source = src
		case strings.HasPrefix(src, writeback.ChoiceCustom+":"):
			v := strings.TrimPrefix(src, writeback.ChoiceCustom+":")
			if !json.Valid([]byte(v)) {
				return nil, e.N(ECode0C010F, fmt.Sprintf("custom value of '%s' is not valid json", field))
			}
			c.Source, c.Value = writeback.ChoiceCustom, json.RawMessage(v)
		default:
			return nil, e.N(ECode0C010F, fmt.Sprintf("invalid source '%s' for field '%s'", src, field))
		}

		choices[field] = c
	}

	return choices, nil
}

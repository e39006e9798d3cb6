package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/spf13/cobra"
)

const (
	ECode0C010D = e.Code0C01 + "0D"
	ECode0C010E = e.Code0C01 + "0E"
)

type enqueueOptions struct {
	Operation  string
	Payload    string
	Priority   int
	MaxRetries int
	At         string

	maxRetriesSet bool
}

// NewEnqueueCommand creates the enqueue command
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &enqueueOptions{}

	cmd := &cobra.Command{
		Use:   "enqueue <modification-id>",
		Short: "Queue the write of a committed modification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.maxRetriesSet = cmd.Flags().Changed("max-retries")
			p, err := opts.param(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), rootOpts, withSinks)
			if err != nil {
				return err
			}
			defer a.Close()

			item, err := a.queue().Enqueue(cmd.Context(), p)
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), rootOpts.Output, item)
		},
	}

	cmd.Flags().StringVar(&opts.Operation, "operation", string(record.OpUpdate), "UPDATE or DELETE")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "change set json, defaults to the modification's delta")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "higher is claimed first")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", model.DefaultMaxRetries, "0 fails on the first error")
	cmd.Flags().StringVar(&opts.At, "at", "", "earliest attempt, RFC3339 or date")

	return cmd
}

func (o *enqueueOptions) param(modificationID string) (p writeback.EnqueueParam, err error) {
	p = writeback.EnqueueParam{
		ModificationID: modificationID,
		Operation:      record.Operation(strings.ToUpper(o.Operation)),
		Priority:       o.Priority,
	}
	if o.maxRetriesSet {
		p.MaxRetries = &o.MaxRetries
	}

	if !p.Operation.Valid() {
		return p, e.N(ECode0C010D, fmt.Sprintf("invalid operation '%s'", o.Operation))
	}

	if o.Payload != "" {
		if !json.Valid([]byte(o.Payload)) {
			return p, e.N(ECode0C010D, "payload is not valid json")
		}
		p.Payload = json.RawMessage(o.Payload)
	}

	if o.At != "" {
		t, err := parseTime(o.At)
		if err != nil {
			return p, e.W(err, ECode0C010D, "at")
		}
		p.ScheduledAt = &t
	}

	return p, nil
}

// NewRequeueCommand creates the requeue command
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <queue-item-id>",
		Short: "Retry a failed item with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, withSinks)
			if err != nil {
				return err
			}
			defer a.Close()

			item, err := a.queue().Requeue(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), rootOpts.Output, item)
		},
	}
}

type statusOptions struct {
	TargetID  string
	Operation string
	Since     string
	Until     string
}

// NewStatusCommand creates the status command
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status <organization-id>",
		Short: "Report the queue of an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.filter()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), rootOpts, withoutSinks)
			if err != nil {
				return err
			}
			defer a.Close()

			qs, err := a.queue().GetQueueStatus(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), rootOpts.Output, qs)
		},
	}

	cmd.Flags().StringVar(&opts.TargetID, "target", "", "only items of this record")
	cmd.Flags().StringVar(&opts.Operation, "operation", "", "only UPDATE or DELETE items")
	cmd.Flags().StringVar(&opts.Since, "since", "", "created at or after, RFC3339 or date")
	cmd.Flags().StringVar(&opts.Until, "until", "", "created before, RFC3339 or date")

	return cmd
}

func (o *statusOptions) filter() (f model.QueueFilter, err error) {
	if o.TargetID != "" {
		f.TargetID = &o.TargetID
	}

	if o.Operation != "" {
		op := strings.ToUpper(o.Operation)
		if !record.Operation(op).Valid() {
			return f, e.N(ECode0C010E, fmt.Sprintf("invalid operation '%s'", o.Operation))
		}
		f.Operation = &op
	}

	for _, tf := range []struct {
		s   string
		dst **time.Time
	}{{o.Since, &f.CreatedSince}, {o.Until, &f.CreatedUntil}} {
		if tf.s == "" {
			continue
		}
		t, err := parseTime(tf.s)
		if err != nil {
			return f, e.W(err, ECode0C010E, tf.s)
		}
		*tf.dst = &t
	}

	return f, nil
}

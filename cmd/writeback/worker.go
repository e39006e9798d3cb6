package main

import (
	"context"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/process"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	// ProcessRecoverStale the process code of the stale item recovery
	ProcessRecoverStale = "writeback-recover-stale"

	ECode0C0108 = e.Code0C01 + "08"
	ECode0C0109 = e.Code0C01 + "09"
	ECode0C010A = e.Code0C01 + "0A"
)

// NewWorkerCommand creates the worker command
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain the write queue until interrupted",
		Long: `Drain the write queue until interrupted.

Stale items are recovered on the configured interval. Recovery runs on one
worker at a time across hosts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), rootOpts, migrate)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before starting")

	return cmd
}

func runWorker(ctx context.Context, opts *RootOptions, migrate bool) (err error) {
	a, err := newApp(ctx, opts, withSinks)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		if _, err := upgrade(ctx, a.db); err != nil {
			return err
		}
	}

	w, err := a.worker()
	if err != nil {
		return err
	}

	if a.cfg.Worker.Listen {
		el, err := writeback.ListenEnqueued(sql.GetConnectionStr(&a.cfg.Database), w)
		if err != nil {
			// Polling still picks up the work
			log.Warn().Err(err).Msg("enqueue notifications unavailable")
		} else {
			defer el.Close()
		}
	}

	p := process.NewProcessor(a.db)
	err = p.RegisterWithInterval(ctx, ProcessRecoverStale, "Recover stale write queue items",
		a.cfg.Worker.RecoverInterval, recoverFunc(w))
	if err != nil {
		return e.W(err, ECode0C0108)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		runRecovery(gctx, p, a.cfg.Worker.RecoverInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		return e.W(err, ECode0C0109)
	}

	return nil
}

func recoverFunc(w *writeback.Worker) process.RunFunc {
	return func(ctx context.Context) error {
		l := process.NewLogger(ProcessRecoverStale)

		n, err := w.RecoverStale(ctx)
		if err != nil {
			return e.W(err, ECode0C010A)
		}
		if n > 0 {
			l.Info("recovered %d items", n)
		}

		return nil
	}
}

// runRecovery tries the recovery process every interval until ctx is done.
// The processor skips the run while another host holds it or it is not due.
func runRecovery(ctx context.Context, p *process.Processor, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rr, err := p.Run(ctx, ProcessRecoverStale)
		switch {
		case err != nil:
			log.Error().Err(err).Msg("stale recovery failed")
		case rr.Skipped:
			log.Debug().Str("reason", rr.SkipReason).Msg("stale recovery skipped")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

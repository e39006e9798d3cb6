package main

import (
	"context"

	"github.com/Skyrin/go-writeback/e"
	migration "github.com/Skyrin/go-writeback/migrationpgx"
	"github.com/Skyrin/go-writeback/process"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/spf13/cobra"
)

const (
	ECode0C010B = e.Code0C01 + "0B"
	ECode0C010C = e.Code0C01 + "0C"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, withoutSinks)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := upgrade(cmd.Context(), a.db)
			if err != nil {
				return err
			}
			if applied == nil {
				applied = []migration.Applied{}
			}

			return printResult(cmd.OutOrStdout(), rootOpts.Output, applied)
		},
	}
}

// upgrade brings the process and write-back schemas up to date
func upgrade(ctx context.Context, db *sql.Connection) ([]migration.Applied, error) {
	m, err := migration.NewMigrator(ctx, db)
	if err != nil {
		return nil, e.W(err, ECode0C010B)
	}

	m.AddMigrationList(process.GetMigrationList())
	m.AddMigrationList(writeback.GetMigrationList())

	applied, err := m.Upgrade(ctx)
	if err != nil {
		return nil, e.W(err, ECode0C010C)
	}

	return applied, nil
}

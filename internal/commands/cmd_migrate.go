package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"pricewatch/internal/config"
	"pricewatch/internal/store"
)

type MigrateCmd struct {
	flags *Flags
}

func NewMigrateCmd(flags *Flags) *MigrateCmd {
	return &MigrateCmd{flags: flags}
}

func (cmd *MigrateCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:      "migrate",
		Usage:     "Apply the reference schema and exit",
		UsageText: "pricewatch migrate",
		Description: `Creates the worker's tables and indexes if they are missing. Every
statement is idempotent, so running it against a live database is safe.`,
		Action: cmd.run,
	})
	return root
}

func (cmd *MigrateCmd) run(ctx context.Context, c *cli.Command) error {
	core, err := cmd.flags.core(ctx, func(cfg *config.Config) { cfg.Database.Migrate = false })
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	m, ok := core.Store.(store.Migrator)
	if !ok {
		return errors.New("migrate: driver has no schema to apply")
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	_, _ = fmt.Fprintf(c.Root().Writer, "schema up to date (%s)\n", core.Config.Database.Driver)
	return nil
}

package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"pricewatch/internal/config"
)

// NewRoot builds the pricewatch command tree. With no subcommand it runs the
// worker.
func NewRoot(version string) *cli.Command {
	flags := &Flags{}
	root := &cli.Command{
		Name:      "pricewatch",
		Usage:     "Turn vendor price events into user notifications",
		UsageText: "pricewatch [global options] [command [command options]]",
		Description: `pricewatch watches price events written by the pricing API and fans each one
out into in-app notifications for the users subscribed to that vendor.

Run 'pricewatch' or 'pricewatch run' to start the worker.`,
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (yaml or json); empty uses environment and defaults",
				Sources:     cli.EnvVars(config.EnvConfigPath),
				Destination: &flags.ConfigPath,
			},
		},
	}

	run := NewRunCmd(flags)
	root = run.Register(root)
	root = NewReconcileCmd(flags).Register(root)
	root = NewProcessCmd(flags).Register(root)
	root = NewDeadLettersCmd(flags).Register(root)
	root = NewMigrateCmd(flags).Register(root)
	root = NewEmitCmd(flags).Register(root)

	root.Action = func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() > 0 {
			return fmt.Errorf("unknown command %q. Run 'pricewatch --help' for usage", c.Args().First())
		}
		return run.Run(ctx, c)
	}
	return root
}

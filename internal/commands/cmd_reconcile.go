package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
)

type ReconcileCmd struct {
	flags *Flags

	jsonOutput bool
}

func NewReconcileCmd(flags *Flags) *ReconcileCmd {
	return &ReconcileCmd{flags: flags}
}

func (cmd *ReconcileCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:      "reconcile",
		Usage:     "Sweep the unprocessed backlog once and exit",
		UsageText: "pricewatch reconcile [--json]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print sweep stats as JSON",
				Destination: &cmd.jsonOutput,
			},
		},
		Action: cmd.run,
	})
	return root
}

func (cmd *ReconcileCmd) run(ctx context.Context, c *cli.Command) error {
	core, err := cmd.flags.core(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	stats, err := core.Reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	out := c.Root().Writer
	if cmd.jsonOutput {
		return json.NewEncoder(out).Encode(stats)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "backlog\t%d\n", stats.Backlog)
	_, _ = fmt.Fprintf(w, "passes\t%d\n", stats.Passes)
	_, _ = fmt.Fprintf(w, "processed\t%d\n", stats.Processed)
	_, _ = fmt.Fprintf(w, "skipped_locked\t%d\n", stats.SkippedLocked)
	_, _ = fmt.Fprintf(w, "skipped_done\t%d\n", stats.SkippedDone)
	_, _ = fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
	_, _ = fmt.Fprintf(w, "took\t%s\n", stats.Took)
	return w.Flush()
}

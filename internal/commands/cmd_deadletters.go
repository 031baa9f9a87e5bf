package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
)

type DeadLettersCmd struct {
	flags *Flags

	limit int
}

func NewDeadLettersCmd(flags *Flags) *DeadLettersCmd {
	return &DeadLettersCmd{flags: flags}
}

func (cmd *DeadLettersCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:      "deadletters",
		Usage:     "List quarantined events, newest first",
		UsageText: "pricewatch deadletters [--limit N]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "maximum rows to show",
				Value:       50,
				Destination: &cmd.limit,
			},
		},
		Action: cmd.run,
	})
	return root
}

func (cmd *DeadLettersCmd) run(ctx context.Context, c *cli.Command) error {
	core, err := cmd.flags.core(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	rows, err := core.Store.ListDeadLetters(ctx, cmd.limit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "No dead-lettered events")
		return nil
	}

	w := tabwriter.NewWriter(c.Root().Writer, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "EVENT\tTYPE\tRETRIES\tRECORDED\tERROR")
	for _, dl := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			dl.ID, dl.OriginalEvent.EventType, dl.OriginalEvent.RetryCount,
			dl.RecordedAt.Format("2006-01-02 15:04:05"), oneLine(dl.Error, 80))
	}
	return w.Flush()
}

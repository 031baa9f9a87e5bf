package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"pricewatch/internal/notifier"
)

type ProcessCmd struct {
	flags *Flags
}

func NewProcessCmd(flags *Flags) *ProcessCmd {
	return &ProcessCmd{flags: flags}
}

func (cmd *ProcessCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:      "process",
		Usage:     "Process a single price event by id",
		UsageText: "pricewatch process <event-id>",
		Description: `Runs one event through the same path as the worker, including retry
accounting, then prints the notifications stored for it.`,
		Action: cmd.run,
	})
	return root
}

func (cmd *ProcessCmd) run(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() != 1 {
		return errors.New("process: expected exactly one event id")
	}
	id, err := uuid.Parse(c.Args().First())
	if err != nil {
		return fmt.Errorf("process: invalid event id: %w", err)
	}

	core, err := cmd.flags.core(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	outcome := core.Processor.Handle(ctx, id)
	out := c.Root().Writer
	_, _ = fmt.Fprintf(out, "%s: %s\n", id, outcome)
	if outcome == notifier.OutcomeFailed {
		return fmt.Errorf("event %s failed; see logs", id)
	}

	rows, err := core.Store.ListNotifications(ctx, id)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "USER\tTITLE\tCREATED")
	for _, n := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", n.UserID, n.Title, n.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

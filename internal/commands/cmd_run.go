package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"pricewatch/internal/app"
	"pricewatch/internal/config"
)

type RunCmd struct {
	flags *Flags
}

func NewRunCmd(flags *Flags) *RunCmd {
	return &RunCmd{flags: flags}
}

func (cmd *RunCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Run the notification worker",
		UsageText: "pricewatch run",
		Description: `Listens for new price events, sweeps the unprocessed backlog on a schedule,
and serves /metrics, /healthz and /readyz until SIGINT or SIGTERM.`,
		Action: cmd.Run,
	})
	return root
}

// Run is also the root action, so a bare `pricewatch` starts the worker.
func (cmd *RunCmd) Run(ctx context.Context, c *cli.Command) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.New(runCtx, cmd.flags.manager())
	if err != nil {
		return err
	}
	if err := a.Start(runCtx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case s := <-sigs:
		reason = stopReasonFor(s)
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
	}

	grace := config.Duration(a.Config.ShutdownTimeout, 30*time.Second) + 10*time.Second
	stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return fmt.Errorf("worker stopped: %w", err)
		}
	}
	return nil
}

func stopReasonFor(s os.Signal) app.StopReason {
	switch s {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	default:
		return app.StopUnknown
	}
}

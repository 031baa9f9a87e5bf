package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"pricewatch/internal/model"
	"pricewatch/internal/store"
)

type EmitCmd struct {
	flags *Flags

	vendor      string
	vendorName  string
	eventType   string
	severity    int
	subscribers []string
	minSeverity int
}

func NewEmitCmd(flags *Flags) *EmitCmd {
	return &EmitCmd{flags: flags}
}

func (cmd *EmitCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:      "emit",
		Usage:     "Insert a price event (development and smoke tests)",
		UsageText: "pricewatch emit --vendor-name Acme --severity 3 -s <user-id>",
		Description: `Writes a vendor, optional subscriptions and one unprocessed price event the
way the pricing API would. Prints the new event id. On postgres the insert
fires the live notification, so a running worker picks it up immediately.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "vendor",
				Usage:       "vendor id (default: a new random id)",
				Destination: &cmd.vendor,
			},
			&cli.StringFlag{
				Name:        "vendor-name",
				Usage:       "vendor display name",
				Value:       "Example Vendor",
				Destination: &cmd.vendorName,
			},
			&cli.StringFlag{
				Name:        "type",
				Aliases:     []string{"t"},
				Usage:       "event type",
				Value:       model.EventPriceUpdate,
				Destination: &cmd.eventType,
			},
			&cli.IntFlag{
				Name:        "severity",
				Usage:       "event severity; 0 leaves it unset",
				Destination: &cmd.severity,
			},
			&cli.StringSliceFlag{
				Name:        "subscriber",
				Aliases:     []string{"s"},
				Usage:       "user id to subscribe to the vendor and type (repeatable)",
				Destination: &cmd.subscribers,
			},
			&cli.IntFlag{
				Name:        "min-severity",
				Usage:       "min_severity for --subscriber subscriptions",
				Value:       1,
				Destination: &cmd.minSeverity,
			},
		},
		Action: cmd.run,
	})
	return root
}

func (cmd *EmitCmd) run(ctx context.Context, c *cli.Command) error {
	vendorID := uuid.New()
	if cmd.vendor != "" {
		id, err := uuid.Parse(cmd.vendor)
		if err != nil {
			return fmt.Errorf("emit: invalid vendor id: %w", err)
		}
		vendorID = id
	}
	users := make([]uuid.UUID, 0, len(cmd.subscribers))
	for _, s := range cmd.subscribers {
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("emit: invalid subscriber %q: %w", s, err)
		}
		users = append(users, id)
	}

	core, err := cmd.flags.core(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	seed, ok := core.Store.(store.Seeder)
	if !ok {
		return errors.New("emit: driver cannot write events")
	}
	if err := seed.PutVendor(ctx, vendorID, cmd.vendorName); err != nil {
		return fmt.Errorf("put vendor: %w", err)
	}
	for _, u := range users {
		err := seed.PutSubscription(ctx, model.Subscription{
			UserID:      u,
			VendorID:    vendorID,
			EventType:   cmd.eventType,
			MinSeverity: cmd.minSeverity,
			Active:      true,
		})
		if err != nil {
			return fmt.Errorf("put subscription: %w", err)
		}
	}

	ev := model.PriceEvent{
		ID:        uuid.New(),
		VendorID:  vendorID,
		EventType: cmd.eventType,
		CreatedAt: time.Now().UTC(),
	}
	if cmd.severity > 0 {
		ev.Severity = model.Severity(cmd.severity)
	}
	if err := seed.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	_, _ = fmt.Fprintln(c.Root().Writer, ev.ID)
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
)

func newPublishCmd(a *app) *cobra.Command {
	var data, meta string

	cmd := &cobra.Command{
		Use:   "publish <event>",
		Short: "Publish an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePayload(data, meta)
			if err != nil {
				return err
			}

			return a.publish(cmd.Context(), args[0], p)
		},
	}

	cmd.Flags().StringVar(&data, "data", "null", "payload data as JSON")
	cmd.Flags().StringVar(&meta, "meta", "{}", "payload meta as a JSON object")

	return cmd
}

func (a *app) publish(ctx context.Context, event string, p cbus.Payload) error {
	bus, cleanup, err := a.newBus(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if !bus.Publish(ctx, event, p) {
		return fmt.Errorf("publish %s: not accepted", event)
	}

	fmt.Fprintln(a.out, "published", event)

	return nil
}

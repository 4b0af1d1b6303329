package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
)

func newCallCmd(a *app) *cobra.Command {
	var data, meta string

	cmd := &cobra.Command{
		Use:   "call <service> <method>",
		Short: "Call a service method and print the [error, value] result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePayload(data, meta)
			if err != nil {
				return err
			}

			return a.call(cmd.Context(), cbus.Command{Service: args[0], Method: args[1]}, p)
		},
	}

	cmd.Flags().StringVar(&data, "data", "null", "payload data as JSON")
	cmd.Flags().StringVar(&meta, "meta", "{}", "payload meta as a JSON object")

	return cmd
}

func (a *app) call(ctx context.Context, c cbus.Command, p cbus.Payload) error {
	bus, cleanup, err := a.newBus(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	// a distributed bus receives its responses only while listening
	if err := bus.Listen(ctx); err != nil {
		return err
	}

	res := bus.Call(ctx, c, p)

	out, err := json.Marshal(res)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, string(out))

	if res.Failed() {
		return fmt.Errorf("%s: %w", c, res.Err)
	}

	return nil
}

func parsePayload(data, meta string) (cbus.Payload, error) {
	if !json.Valid([]byte(data)) {
		return cbus.Payload{}, fmt.Errorf("--data is not valid JSON")
	}

	var m cbus.Meta
	if err := json.Unmarshal([]byte(meta), &m); err != nil {
		return cbus.Payload{}, fmt.Errorf("--meta: %w", err)
	}

	return cbus.Payload{Meta: m, Data: json.RawMessage(data)}, nil
}

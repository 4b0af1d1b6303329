package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

func newSchemaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Read and write the shared schema store",
	}

	getCmd := &cobra.Command{
		Use:   "get <service> <method>",
		Short: "Print the schema of a method",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.schemaGet(cmd.Context(), args[0], args[1])
		},
	}

	var file string

	setCmd := &cobra.Command{
		Use:   "set <service> <method>",
		Short: "Store the schema of a method read from --file (- for stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readFile(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			var s cbus.Schema
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("schema %s: %w", file, err)
			}

			return a.schemaSet(cmd.Context(), args[0], args[1], s)
		},
	}

	setCmd.Flags().StringVar(&file, "file", "-", "schema JSON file")

	cmd.AddCommand(getCmd, setCmd)

	return cmd
}

func (a *app) schemaGet(ctx context.Context, service, method string) error {
	bus, cleanup, err := a.newBus(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := bus.PrefetchSchemas(ctx); err != nil {
		return err
	}

	s, serr := servicebus.RequireSchema(bus, service, method)
	if serr != nil {
		return fmt.Errorf("%s/%s: %w", service, method, serr)
	}

	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, string(out))

	return nil
}

func (a *app) schemaSet(ctx context.Context, service, method string, s cbus.Schema) error {
	bus, cleanup, err := a.newBus(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return bus.SetSchema(ctx, service, method, s)
}

func readFile(name string, stdin io.Reader) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}

	return os.ReadFile(name)
}

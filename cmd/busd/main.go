// Command busd serves and drives a bus from the command line.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-rpc-bus/config"
	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	"github.com/next-trace/scg-rpc-bus/setup"
)

// app holds what every command shares. Tests replace load and newBus.
type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
	out        io.Writer

	load   func() error
	newBus func(ctx context.Context) (cbus.Bus, func(), error)
}

func newApp(out, logOut io.Writer) *app {
	a := &app{out: out}
	a.newBus = func(ctx context.Context) (cbus.Bus, func(), error) {
		return setup.New(ctx, a.cfg, a.logger)
	}

	a.load = func() error {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}

		a.cfg = cfg
		a.logger = setup.Logger(cfg.Log, logOut)

		return nil
	}

	return a
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "busd <command>",
		Short:         "Serve and drive an RPC and event bus",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("SCGBUS_CONFIG"), "config file (yaml, toml or json)")

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newCallCmd(a))
	root.AddCommand(newPublishCmd(a))
	root.AddCommand(newSchemaCmd(a))

	return root
}

func main() {
	root := newRootCmd(newApp(os.Stdout, os.Stderr))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "busd:", err)
		os.Exit(1)
	}
}
